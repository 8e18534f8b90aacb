package capability

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "A2A-Advisory/internal/errors"
)

const defaultTransportTimeout = 60 * time.Second

// HTTPClient 通过 HTTP 调用已解析好的能力端点。端点在构造时注入，
// 客户端自身不做任何发现或凭证查找。
type HTTPClient struct {
	endpoints  map[Kind]string
	httpClient *http.Client
}

// HTTPOption 定义可选配置。
type HTTPOption func(*HTTPClient)

// WithHTTPTransport 替换底层 http.Client，便于测试注入。
func WithHTTPTransport(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewHTTPClient 创建能力客户端。endpoints 必须覆盖计划中用到的所有能力。
func NewHTTPClient(endpoints map[Kind]string, opts ...HTTPOption) (*HTTPClient, error) {
	cleaned := make(map[Kind]string, len(endpoints))
	for kind, endpoint := range endpoints {
		if !IsValidKind(kind) {
			return nil, xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("未知的能力类型: %s", kind))
		}
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		cleaned[kind] = strings.TrimRight(endpoint, "/")
	}
	c := &HTTPClient{
		endpoints: cleaned,
		// 传输层超时只是兜底，真正的时限由调用方 ctx 控制。
		httpClient: &http.Client{Timeout: defaultTransportTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Invoke 调用指定能力并返回其结构化输出。
// ctx 截止后本地立即放弃等待并返回 CAPABILITY_TIMEOUT；
// 远端调用是否继续执行不做保证。
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	endpoint, ok := c.endpoints[req.Kind]
	if !ok {
		return nil, xerrors.New(CodeEndpointMissing, fmt.Sprintf("能力 %s 未配置端点", req.Kind))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeBadPayload, err, "序列化能力请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "构造能力请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCapabilityTimeout, err,
				fmt.Sprintf("能力 %s 调用超时", req.Kind))
		}
		// 网络层失败视为瞬态。
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err,
			fmt.Sprintf("能力 %s 调用失败", req.Kind), xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err,
			fmt.Sprintf("读取能力 %s 响应失败", req.Kind), xerrors.WithRetryable(true))
	}

	switch {
	case resp.StatusCode >= 500:
		// 5xx 等价于瞬态远端故障。
		return nil, xerrors.New(xerrors.CodeCapabilityFailure,
			fmt.Sprintf("能力 %s 返回 %d", req.Kind, resp.StatusCode), xerrors.WithRetryable(true))
	case resp.StatusCode >= 400:
		return nil, xerrors.New(xerrors.CodeCapabilityFailure,
			fmt.Sprintf("能力 %s 返回 %d: %s", req.Kind, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	result := &Result{Kind: req.Kind}
	if len(body) > 0 {
		if !json.Valid(body) {
			return nil, xerrors.New(CodeBadPayload, fmt.Sprintf("能力 %s 返回非法 JSON", req.Kind))
		}
		result.Payload = json.RawMessage(body)
	}
	return result, nil
}

var _ Invoker = (*HTTPClient)(nil)
