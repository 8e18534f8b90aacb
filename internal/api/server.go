package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "A2A-Advisory/internal/errors"
	"A2A-Advisory/internal/intent"
	"A2A-Advisory/internal/orchestrator"
)

// Server 负责暴露 REST 接口，供外部发起咨询与决断交易确认。
type Server struct {
	addr   string
	engine *orchestrator.Engine
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine *orchestrator.Engine) *Server {
	return &Server{addr: addr, engine: engine}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由后的处理器，测试中可直接挂到 httptest.Server 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/advisories", s.handleAdvisories)
	mux.HandleFunc("/api/v1/confirmations", s.handleConfirmations)
	mux.HandleFunc("/api/v1/confirmations/", s.handleInspectConfirmation)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleAdvisories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateAdvisory(w, r)
	case http.MethodGet:
		s.handleListAdvisories(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// AdvisoryRequest 是发起咨询的请求体。
type AdvisoryRequest struct {
	Query   string         `json:"query"`
	Profile intent.Profile `json:"profile,omitempty"`
}

func (s *Server) handleCreateAdvisory(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "编排引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req AdvisoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	resp, err := s.engine.Advise(r.Context(), req.Query, req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAdvisories(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "编排引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.engine.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ConfirmationRequest 是决断交易确认提案的请求体。
type ConfirmationRequest struct {
	Token   string `json:"token"`
	Approve bool   `json:"approve"`
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req ConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "缺少确认令牌", http.StatusBadRequest)
		return
	}

	confirmation, err := s.engine.Resolve(r.Context(), req.Token, req.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmation)
}

func (s *Server) handleInspectConfirmation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "编排引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/api/v1/confirmations/")
	if token == "" || strings.Contains(token, "/") {
		http.Error(w, "缺少确认令牌", http.StatusBadRequest)
		return
	}

	confirmation, err := s.engine.Inspect(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmation)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse 是出错时的统一响应体。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把内部错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidationFailed:
		status = http.StatusBadRequest
	case xerrors.CodeTokenNotFound:
		status = http.StatusNotFound
	case xerrors.CodeTokenExpired:
		status = http.StatusGone
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeCapabilityTimeout, xerrors.CodeBudgetExhausted:
		status = http.StatusGatewayTimeout
	case xerrors.CodeCapabilityFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: xerrors.Message(err),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
