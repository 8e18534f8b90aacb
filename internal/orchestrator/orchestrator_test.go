package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"A2A-Advisory/internal/capability"
	"A2A-Advisory/internal/confirm"
	xerrors "A2A-Advisory/internal/errors"
	"A2A-Advisory/internal/intent"
)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    map[capability.Kind]int
	handlers map[capability.Kind]func(ctx context.Context) (*capability.Result, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls:    make(map[capability.Kind]int),
		handlers: make(map[capability.Kind]func(ctx context.Context) (*capability.Result, error)),
	}
}

func (f *fakeInvoker) on(kind capability.Kind, handler func(ctx context.Context) (*capability.Result, error)) {
	f.handlers[kind] = handler
}

func (f *fakeInvoker) callCount(kind capability.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeInvoker) Invoke(ctx context.Context, req capability.Request) (*capability.Result, error) {
	f.mu.Lock()
	f.calls[req.Kind]++
	handler := f.handlers[req.Kind]
	f.mu.Unlock()

	if handler == nil {
		return &capability.Result{Kind: req.Kind, Payload: json.RawMessage(`{}`)}, nil
	}
	return handler(ctx)
}

func succeedAfter(kind capability.Kind, delay time.Duration, payload string) func(ctx context.Context) (*capability.Result, error) {
	return func(ctx context.Context) (*capability.Result, error) {
		select {
		case <-time.After(delay):
			return &capability.Result{Kind: kind, Payload: json.RawMessage(payload)}, nil
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeCapabilityTimeout, ctx.Err(), "capability timed out")
		}
	}
}

func failAlways(message string) func(ctx context.Context) (*capability.Result, error) {
	return func(ctx context.Context) (*capability.Result, error) {
		return nil, xerrors.New(xerrors.CodeCapabilityFailure, message)
	}
}

func newTestEngine(t *testing.T, invoker capability.Invoker, store confirm.Store, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Classifier:    intent.NewRuleClassifier(),
		Invoker:       invoker,
		Confirmations: store,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestAdviseRunsAnalysesConcurrently(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindMarketAnalysis,
		succeedAfter(capability.KindMarketAnalysis, 100*time.Millisecond, `{"summary":"bullish"}`))
	invoker.on(capability.KindRiskAssessment,
		succeedAfter(capability.KindRiskAssessment, 100*time.Millisecond, `{"score":3,"rating":"low"}`))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	started := time.Now()
	resp, err := engine.Advise(context.Background(), "What is the market trend and risk for AAPL?", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	elapsed := time.Since(started)

	if resp.Status != StatusCompleted {
		t.Fatalf("expected completed run, got %s", resp.Status)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	// 两个 100ms 的调用并发执行，总耗时应远小于串行的 200ms。
	if elapsed >= 180*time.Millisecond {
		t.Fatalf("analyses did not run concurrently, elapsed %v", elapsed)
	}
}

func TestAdvisePartialFailureDegrades(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindMarketAnalysis,
		succeedAfter(capability.KindMarketAnalysis, 10*time.Millisecond, `{"summary":"bullish"}`))
	invoker.on(capability.KindRiskAssessment, failAlways("risk model unavailable"))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "market trend and risk for AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if resp.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially completed, got %s", resp.Status)
	}

	var market, risk *CapabilityResult
	for i := range resp.Results {
		switch resp.Results[i].Capability {
		case capability.KindMarketAnalysis:
			market = &resp.Results[i]
		case capability.KindRiskAssessment:
			risk = &resp.Results[i]
		}
	}
	if market == nil || market.State != TaskSucceeded {
		t.Fatalf("expected market success, got %+v", market)
	}
	if risk == nil || risk.State != TaskFailed {
		t.Fatalf("expected risk failure, got %+v", risk)
	}
	if risk.ErrorCode != string(xerrors.CodeCapabilityFailure) {
		t.Fatalf("expected degradation marker, got %q", risk.ErrorCode)
	}
}

func TestAdviseAllAnalysesFailed(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindMarketAnalysis, failAlways("down"))
	invoker.on(capability.KindRiskAssessment, failAlways("down"))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "market trend and risk for AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if resp.Status != StatusFailed {
		t.Fatalf("expected failed run, got %s", resp.Status)
	}
}

func TestAdviseDeadlineReturnsPartials(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindMarketAnalysis,
		succeedAfter(capability.KindMarketAnalysis, 10*time.Millisecond, `{"summary":"bullish"}`))
	// 风险分析不遵守取消信号，迫使合流栅栏在总体截止时间触发。
	invoker.on(capability.KindRiskAssessment, func(ctx context.Context) (*capability.Result, error) {
		time.Sleep(500 * time.Millisecond)
		return &capability.Result{Kind: capability.KindRiskAssessment, Payload: json.RawMessage(`{}`)}, nil
	})

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore(), func(cfg *Config) {
		cfg.Ceiling = 150 * time.Millisecond
		cfg.Tail = 20 * time.Millisecond
	})

	resp, err := engine.Advise(context.Background(), "market trend and risk for AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if resp.Status != StatusTimedOut {
		t.Fatalf("expected timed out run, got %s", resp.Status)
	}

	states := make(map[capability.Kind]string)
	for _, result := range resp.Results {
		states[result.Capability] = result.State
	}
	if states[capability.KindMarketAnalysis] != TaskSucceeded {
		t.Fatalf("expected market partial result, got %v", states)
	}
	if states[capability.KindRiskAssessment] != TaskTimedOut {
		t.Fatalf("expected risk marked timed out, got %v", states)
	}
}

// 确认签发不依赖剩余预算：时限到期只降级分析结果，
// 交易提案照常签发，总体状态是 awaiting_confirmation 而非 timed_out。
func TestAdviseDeadlineStillIssuesConfirmation(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindRiskAssessment, func(ctx context.Context) (*capability.Result, error) {
		time.Sleep(500 * time.Millisecond)
		return &capability.Result{Kind: capability.KindRiskAssessment, Payload: json.RawMessage(`{}`)}, nil
	})

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore(), func(cfg *Config) {
		cfg.Ceiling = 150 * time.Millisecond
		cfg.Tail = 20 * time.Millisecond
	})

	resp, err := engine.Advise(context.Background(), "Assess the risk and buy 100 shares of AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if resp.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", resp.Status)
	}
	if resp.Trade == nil || resp.Trade.Token == "" {
		t.Fatal("expected a confirmation token despite the deadline")
	}

	var risk *CapabilityResult
	for i := range resp.Results {
		if resp.Results[i].Capability == capability.KindRiskAssessment {
			risk = &resp.Results[i]
		}
	}
	if risk == nil || risk.State != TaskTimedOut {
		t.Fatalf("expected risk marked timed out, got %+v", risk)
	}
	if invoker.callCount(capability.KindTradeExecution) != 0 {
		t.Fatal("trade must not execute before approval")
	}
}

func TestAdviseTradeIssuesConfirmationWithoutExecuting(t *testing.T) {
	invoker := newFakeInvoker()
	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "Buy 100 shares of AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if resp.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", resp.Status)
	}
	if resp.Trade == nil || resp.Trade.Token == "" {
		t.Fatal("expected a confirmation token")
	}
	if resp.Trade.Symbol != "AAPL" || resp.Trade.Quantity != 100 {
		t.Fatalf("unexpected proposal: %+v", resp.Trade)
	}
	if invoker.callCount(capability.KindTradeExecution) != 0 {
		t.Fatal("trade must not execute before approval")
	}
}

func TestResolveApproveExecutesExactlyOnce(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindTradeExecution,
		succeedAfter(capability.KindTradeExecution, 5*time.Millisecond,
			`{"status":"filled","confirmationId":"ex-1","symbol":"AAPL"}`))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "Buy 100 shares of AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	token := resp.Trade.Token

	first, err := engine.Resolve(context.Background(), token, true)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if first.Status != confirm.StatusExecuted {
		t.Fatalf("expected executed, got %s", first.Status)
	}

	second, err := engine.Resolve(context.Background(), token, true)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if second.Status != confirm.StatusExecuted {
		t.Fatalf("expected replayed executed state, got %s", second.Status)
	}
	if string(second.Outcome) != string(first.Outcome) {
		t.Fatal("replay must return the stored outcome")
	}
	if got := invoker.callCount(capability.KindTradeExecution); got != 1 {
		t.Fatalf("trade must execute exactly once, got %d calls", got)
	}
}

// 同一令牌的两个并发批准只会触发一次交易执行：
// 落败方观察到 executing 后轮询至终态，拿到与胜出方相同的结果。
func TestResolveConcurrentApprovalsExecuteOnce(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindTradeExecution,
		succeedAfter(capability.KindTradeExecution, 150*time.Millisecond,
			`{"status":"filled","confirmationId":"ex-7","symbol":"AAPL"}`))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "Buy 100 shares of AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	token := resp.Trade.Token

	type outcome struct {
		final *confirm.Confirmation
		err   error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			final, err := engine.Resolve(context.Background(), token, true)
			results <- outcome{final: final, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var outcomes []outcome
	for got := range results {
		if got.err != nil {
			t.Fatalf("concurrent approve: %v", got.err)
		}
		if got.final.Status != confirm.StatusExecuted {
			t.Fatalf("expected executed, got %s", got.final.Status)
		}
		outcomes = append(outcomes, got)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if string(outcomes[0].final.Outcome) != string(outcomes[1].final.Outcome) {
		t.Fatal("both callers must observe the same execution outcome")
	}
	if got := invoker.callCount(capability.KindTradeExecution); got != 1 {
		t.Fatalf("trade must execute exactly once, got %d calls", got)
	}
}

func TestResolveExecutionFailureIsTerminal(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindTradeExecution, failAlways("broker rejected order"))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "Sell 10 shares of TSLA", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}

	final, err := engine.Resolve(context.Background(), resp.Trade.Token, true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if final.Status != confirm.StatusExecutionFailed {
		t.Fatalf("expected execution failed, got %s", final.Status)
	}
	if final.FailureReason == "" {
		t.Fatal("expected a failure reason")
	}

	// 执行失败是终态，重复批准不得重试执行。
	replayed, err := engine.Resolve(context.Background(), resp.Trade.Token, true)
	if err != nil {
		t.Fatalf("replay approve: %v", err)
	}
	if replayed.Status != confirm.StatusExecutionFailed {
		t.Fatalf("expected replayed failure, got %s", replayed.Status)
	}
	if got := invoker.callCount(capability.KindTradeExecution); got != 1 {
		t.Fatalf("failed execution must not retry, got %d calls", got)
	}
}

func TestResolveReject(t *testing.T) {
	invoker := newFakeInvoker()
	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	resp, err := engine.Advise(context.Background(), "Buy 5 shares of MSFT", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	token := resp.Trade.Token

	rejected, err := engine.Resolve(context.Background(), token, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != confirm.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	// 拒绝后批准必须失败，不得执行交易。
	if _, err := engine.Resolve(context.Background(), token, true); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict after rejection, got %v", err)
	}
	if invoker.callCount(capability.KindTradeExecution) != 0 {
		t.Fatal("rejected trade must never execute")
	}
}

func TestResolveExpiredToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := confirm.NewMemoryStore().WithClock(func() time.Time { return now })

	invoker := newFakeInvoker()
	engine := newTestEngine(t, invoker, store)

	resp, err := engine.Advise(context.Background(), "Buy 10 shares of AAPL", nil)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}

	now = now.Add(DefaultConfirmTTL + time.Minute)
	if _, err := engine.Resolve(context.Background(), resp.Trade.Token, true); xerrors.CodeOf(err) != xerrors.CodeTokenExpired {
		t.Fatalf("expected expired token error, got %v", err)
	}
	if invoker.callCount(capability.KindTradeExecution) != 0 {
		t.Fatal("expired trade must never execute")
	}
}

func TestResolveUnknownToken(t *testing.T) {
	engine := newTestEngine(t, newFakeInvoker(), confirm.NewMemoryStore())
	if _, err := engine.Resolve(context.Background(), "cfm-missing", true); xerrors.CodeOf(err) != xerrors.CodeTokenNotFound {
		t.Fatalf("expected token not found, got %v", err)
	}
}

func TestAdviseRejectsUnintelligibleQuery(t *testing.T) {
	engine := newTestEngine(t, newFakeInvoker(), confirm.NewMemoryStore())
	if _, err := engine.Advise(context.Background(), "hello there", nil); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestAdviseRecordsHistory(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.on(capability.KindMarketAnalysis,
		succeedAfter(capability.KindMarketAnalysis, time.Millisecond, `{"summary":"flat"}`))

	engine := newTestEngine(t, invoker, confirm.NewMemoryStore())

	if _, err := engine.Advise(context.Background(), "market outlook for NVDA", nil); err != nil {
		t.Fatalf("advise: %v", err)
	}

	records, err := engine.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 run record, got %d", len(records))
	}
	if records[0].Status != string(StatusCompleted) {
		t.Fatalf("unexpected recorded status %q", records[0].Status)
	}
}
