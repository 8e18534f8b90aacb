package intent

import (
	"context"

	"A2A-Advisory/internal/capability"
)

// Profile 是用户画像的键值透传结构，核心不解释其内容。
type Profile map[string]any

// ClassifiedRequest 是意图解析器的结构化输出：零或多个分析意图，
// 零或一个交易意图。Symbols 与 Actions 保留解析出的全部候选，
// 供规划器做歧义校验（多标的、多方向的请求必须拒绝而非截断）。
type ClassifiedRequest struct {
	CorrelationID string                   `json:"correlation_id"`
	Query         string                   `json:"query"`
	Profile       Profile                  `json:"profile,omitempty"`
	Analyses      []capability.Kind        `json:"analyses,omitempty"`
	Trade         *capability.Order        `json:"trade,omitempty"`
	Symbols       []string                 `json:"symbols,omitempty"`
	Actions       []capability.TradeAction `json:"actions,omitempty"`
}

// Client 定义了调用意图解析器的统一接口。解析器本身（自然语言理解）
// 是外部协作方，核心只消费它的结构化输出。
type Client interface {
	Classify(ctx context.Context, correlationID, query string, profile Profile) (*ClassifiedRequest, error)
}
