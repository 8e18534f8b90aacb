package orchestrator

import (
	"encoding/json"

	"A2A-Advisory/internal/capability"
)

// RunStatus 是一次咨询编排的总体状态。
type RunStatus string

const (
	// StatusCompleted 表示所有分析均成功且无需交易确认。
	StatusCompleted RunStatus = "completed"
	// StatusPartiallyCompleted 表示部分分析失败，响应携带降级标记。
	StatusPartiallyCompleted RunStatus = "partially_completed"
	// StatusAwaitingConfirmation 表示响应中携带待确认的交易提案。
	StatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	// StatusFailed 表示没有任何能力调用成功。
	StatusFailed RunStatus = "failed"
	// StatusTimedOut 表示总体时限先于全部任务完成而到期。
	StatusTimedOut RunStatus = "timed_out"
)

// 单个能力调用在响应中的状态。
const (
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskTimedOut  = "timed_out"
)

// CapabilityResult 是响应中单个分析能力的结果，失败时带降级标记。
type CapabilityResult struct {
	Capability capability.Kind `json:"capability"`
	State      string          `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// TradeProposal 是响应中携带的待确认交易提案。
type TradeProposal struct {
	Token      string   `json:"token"`
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Quantity   int      `json:"quantity"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	ExpiresAt  int64    `json:"expires_at"`
}

// Response 是一次咨询编排的聚合结果。
type Response struct {
	CorrelationID string             `json:"correlation_id"`
	Status        RunStatus          `json:"status"`
	Results       []CapabilityResult `json:"results"`
	Trade         *TradeProposal     `json:"trade,omitempty"`
	ElapsedMS     int64              `json:"elapsed_ms"`
}

// aggregate 根据各任务的最终状态决定总体状态。
// 待确认的交易提案优先级最高：确认签发不依赖剩余预算，即使时限已到
// 也返回 awaiting_confirmation，超时的分析以降级条目保留。
// 其后才是时限到期；分析全败为 failed，部分失败为 partially_completed。
func aggregate(correlationID string, results []CapabilityResult, trade *TradeProposal, deadlineHit bool, elapsedMS int64) *Response {
	resp := &Response{
		CorrelationID: correlationID,
		Status:        StatusCompleted,
		Results:       results,
		Trade:         trade,
		ElapsedMS:     elapsedMS,
	}

	succeeded, failed := 0, 0
	for _, result := range results {
		if result.State == TaskSucceeded {
			succeeded++
		} else {
			failed++
		}
	}

	switch {
	case trade != nil:
		resp.Status = StatusAwaitingConfirmation
	case deadlineHit:
		resp.Status = StatusTimedOut
	case failed > 0 && succeeded == 0:
		resp.Status = StatusFailed
	case failed > 0:
		resp.Status = StatusPartiallyCompleted
	}
	return resp
}
