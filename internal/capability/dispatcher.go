package capability

import (
	"context"
	"log/slog"
	"time"

	"A2A-Advisory/internal/budget"
	xerrors "A2A-Advisory/internal/errors"
	"A2A-Advisory/pkg/logger"
)

// Dispatcher 在 Invoker 之上叠加预算感知的子时限与重试策略：
//   - 每次尝试的子时限由 Budget Manager 分配；
//   - 瞬态失败（超时、5xx 等价错误）最多自动重试一次，且仅当重试自身的
//     子时限仍为正；
//   - 交易执行调用在任何情况下都不自动重试，避免重复下单。
type Dispatcher struct {
	invoker Invoker
	budget  *budget.Manager
}

// NewDispatcher 构造调度器。budget 为空时调用方必须自行携带截止时间。
func NewDispatcher(invoker Invoker, bm *budget.Manager) *Dispatcher {
	return &Dispatcher{invoker: invoker, budget: bm}
}

// Call 发起一次能力调用。nPending 是当前仍未发起的调用数量，
// 用于公平切分剩余预算。
func (d *Dispatcher) Call(ctx context.Context, req Request, nPending int) (*Result, error) {
	if d == nil || d.invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "能力调度器未初始化")
	}

	result, err := d.attempt(ctx, req, nPending)
	if err == nil {
		return result, nil
	}
	if !d.shouldRetry(req, err) {
		return nil, err
	}

	logger.L().Warn("能力调用瞬态失败，重试一次",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("capability", string(req.Kind)),
		slog.String("error", err.Error()),
	)
	retryResult, retryErr := d.attempt(ctx, req, 1)
	if retryErr != nil {
		// 返回重试的错误；首次错误已记录。
		return nil, retryErr
	}
	return retryResult, nil
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, nPending int) (*Result, error) {
	attemptCtx := ctx
	if d.budget != nil {
		sub := d.budget.Allocate(nPending)
		if sub <= 0 {
			return nil, xerrors.New(xerrors.CodeBudgetExhausted,
				"剩余预算不足，放弃调用 "+string(req.Kind))
		}
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithDeadline(ctx, time.Now().Add(sub))
		defer cancel()
	}
	return d.invoker.Invoke(attemptCtx, req)
}

func (d *Dispatcher) shouldRetry(req Request, err error) bool {
	if req.Kind == KindTradeExecution {
		return false
	}
	if xerrors.CodeOf(err) == xerrors.CodeBudgetExhausted {
		return false
	}
	if !xerrors.RetryableError(err) {
		return false
	}
	return d.budget == nil || d.budget.Allocate(1) > 0
}
