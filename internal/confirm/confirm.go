package confirm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
)

// Status 表示一笔待确认交易的生命周期状态。
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusExecuted         Status = "executed"
	StatusExecutionFailed  Status = "execution_failed"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
)

// IsTerminal 报告该状态是否不再发生迁移。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusExecutionFailed, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Confirmation 是跨请求存活的确认门实体：一次运行以 AwaitingApproval
// 写入，后续的确认调用驱动其状态迁移。不变式：至多迁移到 Executed 一次，
// 之后携带同一令牌的确认调用原样返回存量结果，绝不重新执行。
type Confirmation struct {
	Token         string           `json:"token"`
	CorrelationID string           `json:"correlation_id"`
	Order         capability.Order `json:"order"`
	Fingerprint   string           `json:"fingerprint"`
	Status        Status           `json:"status"`
	Outcome       json.RawMessage  `json:"outcome,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	ExpiresAt     int64            `json:"expires_at"`
}

var (
	// ErrTokenNotFound 表示令牌不存在。
	ErrTokenNotFound = xerrors.New(xerrors.CodeTokenNotFound, "")
	// ErrTokenExpired 表示待确认的交易提案已过期。
	ErrTokenExpired = xerrors.New(xerrors.CodeTokenExpired, "")
	// ErrStaleTransition 表示状态迁移的前置条件不满足。
	ErrStaleTransition = xerrors.New(xerrors.CodeConflict, "confirmation state changed concurrently")
)

// Store 抽象确认状态的持久化。所有状态迁移必须满足 check-and-set 语义：
// Transition 仅在当前状态等于 from 时生效，否则返回 ErrStaleTransition
// 与存量实体，调用方据此实现幂等回放。
type Store interface {
	Put(ctx context.Context, confirmation *Confirmation) error
	Get(ctx context.Context, token string) (*Confirmation, error)
	Transition(ctx context.Context, token string, from, to Status) (*Confirmation, error)
	Complete(ctx context.Context, token string, to Status, outcome json.RawMessage, reason string) (*Confirmation, error)
	Close() error
}

// NewToken 生成确认令牌。令牌本身是不透明随机值，关联标识与委托指纹
// 另行保存在实体内，确保令牌无法套用到不同的交易提案上。
func NewToken(correlationID string) string {
	return fmt.Sprintf("cfm-%s-%s", correlationID, uuid.NewString()[:8])
}

// OrderFingerprint 计算交易委托的稳定指纹，用于比对重复提交。
func OrderFingerprint(order capability.Order) string {
	price := ""
	if order.LimitPrice != nil {
		price = fmt.Sprintf("%.4f", *order.LimitPrice)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", order.Symbol, order.Action, order.Quantity, price)))
	return hex.EncodeToString(sum[:16])
}

func cloneConfirmation(c *Confirmation) *Confirmation {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Outcome != nil {
		clone.Outcome = append(json.RawMessage(nil), c.Outcome...)
	}
	return &clone
}
