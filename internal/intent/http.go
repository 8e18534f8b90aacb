package intent

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

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
)

const defaultClassifierTimeout = 10 * time.Second

// HTTPClassifier 通过 HTTP 调用外部意图解析服务。
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPClassifier 创建 HTTP 解析客户端。
func NewHTTPClassifier(endpoint string, timeout time.Duration) (*HTTPClassifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "意图解析端点不能为空")
	}
	if timeout <= 0 {
		timeout = defaultClassifierTimeout
	}
	return &HTTPClassifier{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type classifyPayload struct {
	CorrelationID string  `json:"correlation_id"`
	Query         string  `json:"query"`
	Profile       Profile `json:"profile,omitempty"`
}

// Classify 调用远端解析服务并校验返回的结构化意图。
func (c *HTTPClassifier) Classify(ctx context.Context, correlationID, query string, profile Profile) (*ClassifiedRequest, error) {
	payload, err := json.Marshal(classifyPayload{
		CorrelationID: correlationID,
		Query:         query,
		Profile:       profile,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "序列化解析请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "构造解析请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCapabilityTimeout, err, "意图解析超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "意图解析调用失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "读取解析响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeCapabilityFailure,
			fmt.Sprintf("意图解析返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var result ClassifiedRequest
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "解析响应结构非法")
	}
	for _, kind := range result.Analyses {
		if !kind.IsAnalysis() {
			return nil, xerrors.New(xerrors.CodeValidationFailed,
				fmt.Sprintf("解析服务返回非分析类意图: %s", kind))
		}
	}
	if result.Trade != nil && result.Trade.Action != "" && !capability.IsValidAction(result.Trade.Action) {
		return nil, xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("解析服务返回未知交易方向: %s", result.Trade.Action))
	}
	result.CorrelationID = correlationID
	if result.Query == "" {
		result.Query = query
	}
	return &result, nil
}

var _ Client = (*HTTPClassifier)(nil)
