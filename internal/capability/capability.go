package capability

import (
	"context"
	"encoding/json"

	xerrors "A2A-Advisory/internal/errors"
)

// Kind 标识一种专家能力。能力集合是封闭的：规划器与编排器都按
// 枚举值穷举处理，不做开放式插件分发。
type Kind string

const (
	KindMarketAnalysis Kind = "market-analysis"
	KindRiskAssessment Kind = "risk-assessment"
	KindTradeExecution Kind = "trade-execution"
)

// AnalysisKinds 列出所有分析类能力，按固定顺序。
func AnalysisKinds() []Kind {
	return []Kind{KindMarketAnalysis, KindRiskAssessment}
}

// IsValidKind 检查给定的能力枚举值是否受支持。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindMarketAnalysis, KindRiskAssessment, KindTradeExecution:
		return true
	default:
		return false
	}
}

// IsAnalysis 报告该能力是否属于分析类。
func (k Kind) IsAnalysis() bool {
	return k == KindMarketAnalysis || k == KindRiskAssessment
}

// TradeAction 表示交易方向。
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// IsValidAction 检查交易方向是否受支持。
func IsValidAction(action TradeAction) bool {
	return action == ActionBuy || action == ActionSell
}

// Order 描述一笔待执行的交易委托。LimitPrice 为空表示市价单。
type Order struct {
	Symbol     string      `json:"symbol"`
	Action     TradeAction `json:"action"`
	Quantity   int         `json:"quantity"`
	LimitPrice *float64    `json:"limit_price,omitempty"`
}

// Request 是发送给专家能力的统一入参。分析类调用携带 Query 与 Profile，
// 交易执行调用额外携带 Order。
type Request struct {
	CorrelationID string         `json:"correlation_id"`
	Kind          Kind           `json:"kind"`
	Query         string         `json:"query,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`
	Order         *Order         `json:"order,omitempty"`
}

// Result 是专家能力返回的统一出参。Payload 对编排器保持不透明，
// 仅在能力边界处按约定结构解释。
type Result struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Invoker 定义调用专家能力的统一接口。实现必须尊重 ctx 上的截止时间：
// 截止后放弃等待并返回超时错误，不得继续阻塞本地编排。
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

const (
	CodeEndpointMissing xerrors.Code = "CAPABILITY_ENDPOINT_MISSING"
	CodeBadPayload      xerrors.Code = "CAPABILITY_BAD_PAYLOAD"
)

func init() {
	xerrors.Register(CodeEndpointMissing, xerrors.Attributes{
		Message:   "capability endpoint not configured",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBadPayload, xerrors.Attributes{
		Message:   "capability returned malformed payload",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
