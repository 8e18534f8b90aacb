package budget

import (
	"sync"
	"time"
)

// 默认预算参数。上限取外部网关 29 秒集成超时减去 2 秒安全余量，
// 尾部余量用于聚合与响应序列化。
const (
	DefaultCeiling = 27 * time.Second
	DefaultTail    = 2 * time.Second
)

// Manager 跟踪一次编排运行的硬性时间预算，并为每个能力调用分配子时限。
// 一个 Manager 只服务一次运行，不跨请求共享。
type Manager struct {
	mu       sync.Mutex
	deadline time.Time
	tail     time.Duration
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Manager)

// WithTail 设置为聚合阶段保留的尾部余量。
func WithTail(tail time.Duration) Option {
	return func(m *Manager) {
		if tail >= 0 {
			m.tail = tail
		}
	}
}

// WithClock 替换时间源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New 以当前时刻加 ceiling 作为绝对截止时间创建预算管理器。
func New(ceiling time.Duration, opts ...Option) *Manager {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	m := &Manager{tail: DefaultTail, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.deadline = m.now().Add(ceiling)
	return m
}

// Deadline 返回本次运行的绝对截止时间。
func (m *Manager) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// Remaining 返回距离截止时间的剩余时长，耗尽时为零。
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() time.Duration {
	rem := m.deadline.Sub(m.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// Exhausted 报告预算是否已经用尽。
func (m *Manager) Exhausted() bool {
	return m.Remaining() == 0
}

// Allocate 为 nPending 个待发起的调用计算平均子时限。
// 分配时扣除尾部余量，返回值永远不超过 Remaining；预算耗尽时返回零，
// 编排器据此停止发起新调用并降级。
func (m *Manager) Allocate(nPending int) time.Duration {
	if nPending <= 0 {
		nPending = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rem := m.remainingLocked()
	if rem == 0 {
		return 0
	}
	usable := rem - m.tail
	if usable <= 0 {
		return 0
	}
	per := usable / time.Duration(nPending)
	if per > rem {
		per = rem
	}
	return per
}
