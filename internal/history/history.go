package history

import (
	"context"
	"encoding/json"
	"sync"
)

// RunRecord 表示一次咨询编排的落库结构。
type RunRecord struct {
	CorrelationID string
	Query         string
	Status        string
	Analyses      string
	Response      json.RawMessage
	DurationMS    int64
	CreatedAt     int64
}

// TradeRecord 表示一次交易确认决断的落库结构。
type TradeRecord struct {
	Token         string
	CorrelationID string
	Symbol        string
	Action        string
	Quantity      int
	Status        string
	Outcome       json.RawMessage
	CreatedAt     int64
}

// Repository 抽象咨询历史的持久化接口。
type Repository interface {
	SaveRun(ctx context.Context, record RunRecord) error
	SaveTrade(ctx context.Context, record TradeRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

const memoryCapacity = 512

// MemoryRepository 把历史保存在内存里，用于开发与测试。
type MemoryRepository struct {
	mu     sync.RWMutex
	runs   []RunRecord
	trades []TradeRecord
}

// NewMemoryRepository 创建内存历史仓库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// SaveRun 记录一次编排结果，最新的排在最前。
func (m *MemoryRepository) SaveRun(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append([]RunRecord{record}, m.runs...)
	if len(m.runs) > memoryCapacity {
		m.runs = m.runs[:memoryCapacity]
	}
	return nil
}

// SaveTrade 记录一次交易决断。
func (m *MemoryRepository) SaveTrade(_ context.Context, record TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades = append([]TradeRecord{record}, m.trades...)
	if len(m.trades) > memoryCapacity {
		m.trades = m.trades[:memoryCapacity]
	}
	return nil
}

// ListRuns 返回最近的编排记录，按时间倒序排列。
func (m *MemoryRepository) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	results := make([]RunRecord, limit)
	copy(results, m.runs[:limit])
	return results, nil
}

// Close 实现 Repository 接口。
func (m *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
