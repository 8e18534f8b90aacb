package confirm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "A2A-Advisory/internal/errors"
)

// MemoryStore 以内存方式保存确认状态，用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Confirmation
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Confirmation), now: time.Now}
}

// WithClock 替换时间源，仅用于测试。
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		m.now = now
	}
	return m
}

// Put 写入一条新的确认记录。
func (m *MemoryStore) Put(_ context.Context, confirmation *Confirmation) error {
	if confirmation == nil || confirmation.Token == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "确认记录缺少令牌")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[confirmation.Token]; ok {
		return xerrors.New(xerrors.CodeConflict, "确认令牌已存在")
	}
	m.entries[confirmation.Token] = cloneConfirmation(confirmation)
	return nil
}

// Get 返回令牌对应的确认记录。待确认状态下超过 TTL 时惰性迁移为
// Expired 并返回 ErrTokenExpired。
func (m *MemoryStore) Get(_ context.Context, token string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookupLocked(token)
	if err != nil {
		return nil, err
	}
	return cloneConfirmation(entry), nil
}

// Transition 以 check-and-set 语义迁移状态。
func (m *MemoryStore) Transition(_ context.Context, token string, from, to Status) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookupLocked(token)
	if err != nil {
		return nil, err
	}
	if entry.Status != from {
		return cloneConfirmation(entry), ErrStaleTransition
	}
	entry.Status = to
	return cloneConfirmation(entry), nil
}

// Complete 写入终态与执行结果。只允许从 Executing 进入执行类终态。
func (m *MemoryStore) Complete(_ context.Context, token string, to Status, outcome json.RawMessage, reason string) (*Confirmation, error) {
	if to != StatusExecuted && to != StatusExecutionFailed {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "Complete 仅接受执行类终态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if entry.Status != StatusExecuting {
		return cloneConfirmation(entry), ErrStaleTransition
	}
	entry.Status = to
	entry.FailureReason = reason
	if outcome != nil {
		entry.Outcome = append(json.RawMessage(nil), outcome...)
	}
	return cloneConfirmation(entry), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) lookupLocked(token string) (*Confirmation, error) {
	entry, ok := m.entries[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	// TTL 只约束尚未决断的提案；已执行的结果保留用于幂等回放。
	if entry.Status == StatusAwaitingApproval && m.now().Unix() > entry.ExpiresAt {
		entry.Status = StatusExpired
		return nil, ErrTokenExpired
	}
	return entry, nil
}

var _ Store = (*MemoryStore)(nil)
