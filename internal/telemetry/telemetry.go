package telemetry

import (
	"context"
	"time"

	"A2A-Advisory/pkg/logger"
)

// EventType 标识遥测事件的类别。
type EventType string

const (
	// EventRunStarted 表示一次咨询编排开始。
	EventRunStarted EventType = "run_started"
	// EventRunFinished 表示一次咨询编排结束（含超时与部分完成）。
	EventRunFinished EventType = "run_finished"
	// EventTaskFinished 表示单个能力调用结束。
	EventTaskFinished EventType = "task_finished"
	// EventConfirmationIssued 表示签发了交易确认提案。
	EventConfirmationIssued EventType = "confirmation_issued"
	// EventConfirmationResolved 表示确认提案被决断。
	EventConfirmationResolved EventType = "confirmation_resolved"
	// EventTradeExecuted 表示交易执行完成。
	EventTradeExecuted EventType = "trade_executed"
)

// Event 是一条遥测事件。Detail 中的键值随事件类别变化。
type Event struct {
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Sink 接收遥测事件。实现必须容忍高频调用，失败不得影响主流程。
type Sink interface {
	Emit(ctx context.Context, event Event)
	Close() error
}

// LogSink 把遥测事件写入结构化日志，是默认实现。
type LogSink struct{}

// NewLogSink 创建日志遥测。
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit 以结构化字段记录事件。
func (s *LogSink) Emit(_ context.Context, event Event) {
	logger.L().Info("telemetry",
		"type", string(event.Type),
		"correlation_id", event.CorrelationID,
		"detail", event.Detail,
	)
}

// Close 实现 Sink 接口。
func (s *LogSink) Close() error { return nil }

var _ Sink = (*LogSink)(nil)
