// Package orchestrator 实现咨询请求的编排引擎：
// 把自然语言请求分类、编译为执行计划，在共享预算内并发调用各个分析能力，
// 聚合部分失败，并对交易执行施加 confirm-then-execute 门禁。
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"A2A-Advisory/internal/budget"
	"A2A-Advisory/internal/capability"
	"A2A-Advisory/internal/confirm"
	xerrors "A2A-Advisory/internal/errors"
	"A2A-Advisory/internal/history"
	"A2A-Advisory/internal/intent"
	"A2A-Advisory/internal/plan"
	"A2A-Advisory/internal/telemetry"
	"A2A-Advisory/pkg/logger"
)

// DefaultConfirmTTL 是交易确认提案的默认有效期。
const DefaultConfirmTTL = 5 * time.Minute

// 决断时轮询执行中确认记录的间隔。
const resolvePollInterval = 100 * time.Millisecond

// Config 汇集引擎的全部依赖。Classifier、Invoker 与 Confirmations 必填。
type Config struct {
	Classifier    intent.Client
	Invoker       capability.Invoker
	Confirmations confirm.Store
	History       history.Repository
	Telemetry     telemetry.Sink

	// Ceiling 是单次编排的总预算上限，Tail 是预留给聚合与响应的尾部余量。
	Ceiling    time.Duration
	Tail       time.Duration
	ConfirmTTL time.Duration
}

// Engine 是咨询编排引擎。
type Engine struct {
	classifier    intent.Client
	invoker       capability.Invoker
	confirmations confirm.Store
	history       history.Repository
	telemetry     telemetry.Sink

	ceiling    time.Duration
	tail       time.Duration
	confirmTTL time.Duration
	now        func() time.Time
}

// New 构造编排引擎，缺省依赖以内存实现与日志遥测兜底。
func New(cfg Config) (*Engine, error) {
	if cfg.Classifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少意图分类器")
	}
	if cfg.Invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少能力调用器")
	}
	if cfg.Confirmations == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少确认存储")
	}

	engine := &Engine{
		classifier:    cfg.Classifier,
		invoker:       cfg.Invoker,
		confirmations: cfg.Confirmations,
		history:       cfg.History,
		telemetry:     cfg.Telemetry,
		ceiling:       cfg.Ceiling,
		tail:          cfg.Tail,
		confirmTTL:    cfg.ConfirmTTL,
		now:           time.Now,
	}
	if engine.ceiling <= 0 {
		engine.ceiling = budget.DefaultCeiling
	}
	if engine.tail <= 0 {
		engine.tail = budget.DefaultTail
	}
	if engine.confirmTTL <= 0 {
		engine.confirmTTL = DefaultConfirmTTL
	}
	if engine.history == nil {
		engine.history = history.NewMemoryRepository()
	}
	if engine.telemetry == nil {
		engine.telemetry = telemetry.NewLogSink()
	}
	return engine, nil
}

type taskResult struct {
	kind    capability.Kind
	result  *capability.Result
	err     error
	elapsed time.Duration
}

// Advise 处理一次咨询请求：分类、编排分析能力、必要时签发交易确认提案。
// 总体时限到期时返回已有的部分结果而不是错误。
func (e *Engine) Advise(ctx context.Context, query string, profile intent.Profile) (*Response, error) {
	started := e.now()
	correlationID := "adv-" + uuid.NewString()
	bm := budget.New(e.ceiling, budget.WithTail(e.tail))

	e.emit(ctx, telemetry.EventRunStarted, correlationID, map[string]any{"query": query})

	classified, err := e.classifier.Classify(ctx, correlationID, query, profile)
	if err != nil {
		return nil, err
	}
	execPlan, err := plan.Build(classified)
	if err != nil {
		return nil, err
	}

	results, deadlineHit := e.runAnalyses(ctx, bm, execPlan)

	var proposal *TradeProposal
	if execPlan.TradeTask() != nil {
		proposal, err = e.issueConfirmation(ctx, execPlan)
		if err != nil {
			return nil, err
		}
	}

	elapsed := e.now().Sub(started)
	resp := aggregate(correlationID, results, proposal, deadlineHit, elapsed.Milliseconds())

	e.emit(ctx, telemetry.EventRunFinished, correlationID, map[string]any{
		"status":     string(resp.Status),
		"elapsed_ms": resp.ElapsedMS,
	})
	e.recordRun(ctx, execPlan, resp)
	return resp, nil
}

// runAnalyses 并发调用计划中的全部分析能力，并在预算截止时间处设置合流栅栏。
// 返回每个任务的最终状态，以及总体时限是否先到期。
func (e *Engine) runAnalyses(ctx context.Context, bm *budget.Manager, execPlan *plan.Plan) ([]CapabilityResult, bool) {
	tasks := execPlan.AnalysisTasks()
	results := make([]CapabilityResult, 0, len(tasks))
	if len(tasks) == 0 {
		return results, false
	}

	runCtx, cancel := context.WithDeadline(ctx, bm.Deadline())
	defer cancel()

	dispatcher := capability.NewDispatcher(e.invoker, bm)
	resultCh := make(chan taskResult, len(tasks))
	for _, task := range tasks {
		go func(kind capability.Kind) {
			req := capability.Request{
				CorrelationID: execPlan.CorrelationID,
				Kind:          kind,
				Query:         execPlan.Query,
				Profile:       execPlan.Profile,
			}
			attemptStart := e.now()
			result, err := dispatcher.Call(runCtx, req, len(tasks))
			resultCh <- taskResult{kind: kind, result: result, err: err, elapsed: e.now().Sub(attemptStart)}
		}(task.Capability)
	}

	finished := make(map[capability.Kind]bool, len(tasks))
	deadlineHit := false

collect:
	for range tasks {
		select {
		case outcome := <-resultCh:
			finished[outcome.kind] = true
			results = append(results, e.toCapabilityResult(execPlan.CorrelationID, outcome))
		case <-runCtx.Done():
			deadlineHit = true
			break collect
		}
	}

	if deadlineHit {
		for _, task := range tasks {
			if finished[task.Capability] {
				continue
			}
			results = append(results, CapabilityResult{
				Capability: task.Capability,
				State:      TaskTimedOut,
				Error:      "总体时限到期，调用未完成",
				ErrorCode:  string(xerrors.CodeCapabilityTimeout),
			})
		}
	}
	return results, deadlineHit
}

func (e *Engine) toCapabilityResult(correlationID string, outcome taskResult) CapabilityResult {
	result := CapabilityResult{
		Capability: outcome.kind,
		DurationMS: outcome.elapsed.Milliseconds(),
	}
	if outcome.err != nil {
		result.State = TaskFailed
		result.Error = xerrors.Message(outcome.err)
		result.ErrorCode = string(xerrors.CodeOf(outcome.err))
		logger.L().Warn("分析能力调用失败",
			slog.String("correlation_id", correlationID),
			slog.String("capability", string(outcome.kind)),
			slog.String("error_code", result.ErrorCode),
			slog.String("error", outcome.err.Error()),
		)
	} else {
		result.State = TaskSucceeded
		result.Payload = outcome.result.Payload
	}
	e.emit(context.Background(), telemetry.EventTaskFinished, correlationID, map[string]any{
		"capability": string(outcome.kind),
		"state":      result.State,
	})
	return result
}

// issueConfirmation 为交易任务签发待确认提案。交易在此阶段绝不执行，
// 即使全部分析都失败，提案依旧签发，由用户基于降级结果自行决断。
func (e *Engine) issueConfirmation(ctx context.Context, execPlan *plan.Plan) (*TradeProposal, error) {
	order := *execPlan.Trade
	now := e.now()
	token := confirm.NewToken(execPlan.CorrelationID)
	confirmation := &confirm.Confirmation{
		Token:         token,
		CorrelationID: execPlan.CorrelationID,
		Order:         order,
		Fingerprint:   confirm.OrderFingerprint(order),
		Status:        confirm.StatusAwaitingApproval,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(e.confirmTTL).Unix(),
	}
	if err := e.confirmations.Put(ctx, confirmation); err != nil {
		return nil, err
	}

	e.emit(ctx, telemetry.EventConfirmationIssued, execPlan.CorrelationID, map[string]any{
		"token":  token,
		"symbol": order.Symbol,
		"action": string(order.Action),
	})
	e.recordTrade(ctx, confirmation)

	return &TradeProposal{
		Token:      token,
		Symbol:     order.Symbol,
		Action:     string(order.Action),
		Quantity:   order.Quantity,
		LimitPrice: order.LimitPrice,
		ExpiresAt:  confirmation.ExpiresAt,
	}, nil
}

// Resolve 决断一个交易确认提案。approve 为真时通过 CAS 赢得唯一的
// 执行权并调用交易能力；重复决断会回放已有结果而不是再次执行。
func (e *Engine) Resolve(ctx context.Context, token string, approve bool) (*confirm.Confirmation, error) {
	if !approve {
		return e.reject(ctx, token)
	}

	confirmation, err := e.confirmations.Transition(ctx, token, confirm.StatusAwaitingApproval, confirm.StatusExecuting)
	if err != nil {
		if errors.Is(err, confirm.ErrStaleTransition) {
			return e.replay(ctx, token, confirmation)
		}
		return nil, err
	}
	return e.execute(ctx, confirmation)
}

func (e *Engine) reject(ctx context.Context, token string) (*confirm.Confirmation, error) {
	confirmation, err := e.confirmations.Transition(ctx, token, confirm.StatusAwaitingApproval, confirm.StatusRejected)
	if err != nil {
		if errors.Is(err, confirm.ErrStaleTransition) && confirmation != nil {
			if confirmation.Status == confirm.StatusRejected {
				return confirmation, nil
			}
			return nil, xerrors.New(xerrors.CodeConflict,
				"确认提案已处于状态 "+string(confirmation.Status)+"，无法拒绝")
		}
		return nil, err
	}

	e.emit(ctx, telemetry.EventConfirmationResolved, confirmation.CorrelationID, map[string]any{
		"token":    token,
		"decision": "rejected",
	})
	e.recordTrade(ctx, confirmation)
	return confirmation, nil
}

// execute 持有唯一执行权，调用交易能力并写入终态。交易调用绝不重试。
func (e *Engine) execute(ctx context.Context, confirmation *confirm.Confirmation) (*confirm.Confirmation, error) {
	e.emit(ctx, telemetry.EventConfirmationResolved, confirmation.CorrelationID, map[string]any{
		"token":    confirmation.Token,
		"decision": "approved",
	})

	bm := budget.New(e.ceiling, budget.WithTail(e.tail))
	dispatcher := capability.NewDispatcher(e.invoker, bm)
	order := confirmation.Order
	req := capability.Request{
		CorrelationID: confirmation.CorrelationID,
		Kind:          capability.KindTradeExecution,
		Order:         &order,
	}

	result, err := dispatcher.Call(ctx, req, 1)
	var final *confirm.Confirmation
	if err != nil {
		logger.L().Error("交易执行失败",
			slog.String("token", confirmation.Token),
			slog.String("correlation_id", confirmation.CorrelationID),
			slog.String("error", err.Error()),
		)
		final, err = e.confirmations.Complete(ctx, confirmation.Token, confirm.StatusExecutionFailed, nil, xerrors.Message(err))
		if err != nil {
			return nil, err
		}
	} else {
		final, err = e.confirmations.Complete(ctx, confirmation.Token, confirm.StatusExecuted, result.Payload, "")
		if err != nil {
			return nil, err
		}
		e.emit(ctx, telemetry.EventTradeExecuted, confirmation.CorrelationID, map[string]any{
			"token":  confirmation.Token,
			"symbol": order.Symbol,
			"action": string(order.Action),
		})
	}
	e.recordTrade(ctx, final)
	return final, nil
}

// replay 处理重复决断：已有终态直接回放；执行中的记录轮询至终态。
func (e *Engine) replay(ctx context.Context, token string, observed *confirm.Confirmation) (*confirm.Confirmation, error) {
	current := observed
	for {
		if current != nil {
			switch current.Status {
			case confirm.StatusExecuted, confirm.StatusExecutionFailed:
				return current, nil
			case confirm.StatusRejected:
				return nil, xerrors.New(xerrors.CodeConflict, "确认提案已被拒绝")
			case confirm.StatusExpired:
				return nil, confirm.ErrTokenExpired
			}
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeCapabilityTimeout, ctx.Err(), "等待并发执行结果超时")
		case <-time.After(resolvePollInterval):
		}

		var err error
		current, err = e.confirmations.Get(ctx, token)
		if err != nil {
			return nil, err
		}
	}
}

// Inspect 返回令牌当前的确认记录，用于查询接口。
func (e *Engine) Inspect(ctx context.Context, token string) (*confirm.Confirmation, error) {
	return e.confirmations.Get(ctx, token)
}

// History 返回最近的编排记录。
func (e *Engine) History(ctx context.Context, limit int) ([]history.RunRecord, error) {
	return e.history.ListRuns(ctx, limit)
}

func (e *Engine) emit(ctx context.Context, eventType telemetry.EventType, correlationID string, detail map[string]any) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.Emit(ctx, telemetry.Event{
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     e.now(),
		Detail:        detail,
	})
}

func (e *Engine) recordRun(ctx context.Context, execPlan *plan.Plan, resp *Response) {
	if e.history == nil {
		return
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		encoded = nil
	}
	kinds := make([]string, 0, len(execPlan.Tasks))
	for _, task := range execPlan.AnalysisTasks() {
		kinds = append(kinds, string(task.Capability))
	}
	record := history.RunRecord{
		CorrelationID: resp.CorrelationID,
		Query:         execPlan.Query,
		Status:        string(resp.Status),
		Analyses:      strings.Join(kinds, ","),
		Response:      encoded,
		DurationMS:    resp.ElapsedMS,
		CreatedAt:     e.now().Unix(),
	}
	if err := e.history.SaveRun(ctx, record); err != nil {
		logger.L().Warn("写入编排历史失败", slog.String("error", err.Error()))
	}
	logger.Audit().Info("advisory_run",
		slog.String("correlation_id", resp.CorrelationID),
		slog.String("status", string(resp.Status)),
		slog.Int64("elapsed_ms", resp.ElapsedMS),
	)
}

func (e *Engine) recordTrade(ctx context.Context, confirmation *confirm.Confirmation) {
	if e.history == nil || confirmation == nil {
		return
	}
	record := history.TradeRecord{
		Token:         confirmation.Token,
		CorrelationID: confirmation.CorrelationID,
		Symbol:        confirmation.Order.Symbol,
		Action:        string(confirmation.Order.Action),
		Quantity:      confirmation.Order.Quantity,
		Status:        string(confirmation.Status),
		Outcome:       confirmation.Outcome,
		CreatedAt:     e.now().Unix(),
	}
	if err := e.history.SaveTrade(ctx, record); err != nil {
		logger.L().Warn("写入交易历史失败", slog.String("error", err.Error()))
	}
	logger.Audit().Info("trade_decision",
		slog.String("token", confirmation.Token),
		slog.String("correlation_id", confirmation.CorrelationID),
		slog.String("symbol", confirmation.Order.Symbol),
		slog.String("action", string(confirmation.Order.Action)),
		slog.String("status", string(confirmation.Status)),
	)
}
