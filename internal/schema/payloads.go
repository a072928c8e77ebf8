package schema

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StepEvent is the envelope a strategy's step function consumes.
// On the wire it is the ABI tuple (bytes32 eventType, uint32 eventVersion, bytes payload).
type StepEvent struct {
	EventType    common.Hash
	EventVersion uint32
	Payload      []byte
}

// EffectRequest is the decoded EffectNeeded revert payload. The pair
// (Epoch, IdempotencyKey) is the on-chain idempotency boundary; the
// contract rejects duplicate result submissions, not this engine.
type EffectRequest struct {
	Strategy       common.Address `json:"strategy"`
	Epoch          uint64         `json:"epoch"`
	IdempotencyKey common.Hash    `json:"idempotencyKey"`
	EffectType     EffectType     `json:"effectType"`
	Payload        []byte         `json:"payload"`
}

// QueuedAction is one strategy-emitted action waiting for execution.
type QueuedAction struct {
	EffectID   common.Hash
	Strategy   common.Address
	ActionType EffectType
	Payload    []byte
	QueuedAt   time.Time
}

// EffectResult carries the outcome of one effect execution. It is always
// produced, even when the executor fails, so a caller is never left
// waiting forever.
type EffectResult struct {
	EffectID     common.Hash    `json:"effectId"`
	Strategy     common.Address `json:"strategy"`
	Success      bool           `json:"success"`
	TxHash       common.Hash    `json:"txHash"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Data         []byte         `json:"data"`
}

// FundingOperation discriminates funding event kinds.
type FundingOperation uint8

const (
	FundingUnknown FundingOperation = iota
	FundingWithdraw
	FundingEthBalanceUpdate
)

func (op FundingOperation) String() string {
	switch op {
	case FundingWithdraw:
		return "withdraw"
	case FundingEthBalanceUpdate:
		return "ethBalanceUpdate"
	default:
		return "unknown"
	}
}

// WithdrawKind discriminates withdraw parameter shapes.
type WithdrawKind uint8

const (
	WithdrawERC20 WithdrawKind = iota + 1
	WithdrawETH
	BalanceUpdate
)

// WithdrawParams carries the token/amount/recipient of one funding
// operation. Token is the zero address for ETH variants.
type WithdrawParams struct {
	Kind      WithdrawKind
	Token     common.Address
	Amount    *big.Int
	Recipient common.Address
}

// PendingFundingRequest is a funding event awaiting resolution. Entries
// are removed from the pending map once their result has been delivered,
// regardless of outcome.
type PendingFundingRequest struct {
	RequestID string
	Strategy  common.Address
	Owner     common.Address
	Operation FundingOperation
	Params    WithdrawParams
	CreatedAt time.Time
}

// Subscription is a strategy's registered interest in one class of
// external events. Owned by the subscription store; the manager only
// manipulates it through the store interface.
type Subscription struct {
	Strategy    common.Address
	Type        SubscriptionType
	Payload     []byte
	PayloadHash common.Hash
	Status      SubscriptionStatus
}
