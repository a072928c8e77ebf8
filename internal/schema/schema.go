package schema

import (
	"github.com/ethereum/go-ethereum/common"
)

// EnvelopeVersion is the current step-event envelope version.
const EnvelopeVersion uint32 = 1

// EffectType defines the category of an off-chain operation a strategy
// may request, either through an EffectNeeded revert or an emitted action.
type EffectType uint16

const (
	EffectUnknown EffectType = iota
	EffectLog
	EffectSwapQuote
	EffectBalanceOf
)

var effectWire = map[EffectType]string{
	EffectLog:       "LOG",
	EffectSwapQuote: "SWAP_QUOTE",
	EffectBalanceOf: "BALANCE_OF",
}

// Wire returns the bytes32 representation used on chain and on the broker.
func (t EffectType) Wire() common.Hash {
	return asciiHash(effectWire[t])
}

func (t EffectType) String() string {
	if s, ok := effectWire[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseEffectType maps a bytes32 wire value back to an EffectType.
// Unknown values return EffectUnknown and false; callers decide whether
// that is a decode failure or a request to reject.
func ParseEffectType(wire common.Hash) (EffectType, bool) {
	for t, s := range effectWire {
		if asciiHash(s) == wire {
			return t, true
		}
	}
	return EffectUnknown, false
}

// SubscriptionType defines the class of external events a strategy can
// register interest in.
type SubscriptionType uint16

const (
	SubUnknown SubscriptionType = iota
	SubOHLC
	SubBalance
	SubPosition
)

var subscriptionWire = map[SubscriptionType]string{
	SubOHLC:     "OHLC",
	SubBalance:  "BALANCE",
	SubPosition: "POSITION",
}

// Wire returns the bytes32 representation emitted by the contract.
func (t SubscriptionType) Wire() common.Hash {
	return asciiHash(subscriptionWire[t])
}

func (t SubscriptionType) String() string {
	if s, ok := subscriptionWire[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseSubscriptionType maps a bytes32 wire value back to a SubscriptionType.
func ParseSubscriptionType(wire common.Hash) (SubscriptionType, bool) {
	for t, s := range subscriptionWire {
		if asciiHash(s) == wire {
			return t, true
		}
	}
	return SubUnknown, false
}

// ParseSubscriptionName maps a stored type name back to a SubscriptionType.
func ParseSubscriptionName(name string) (SubscriptionType, bool) {
	for t, s := range subscriptionWire {
		if s == name {
			return t, true
		}
	}
	return SubUnknown, false
}

// SubscriptionStatus tracks whether deliveries for a subscription are live.
type SubscriptionStatus uint8

const (
	SubStatusActive SubscriptionStatus = iota
	SubStatusDisabled
)

func (s SubscriptionStatus) String() string {
	if s == SubStatusDisabled {
		return "disabled"
	}
	return "active"
}

// Step event tags consumed by strategy step functions.
var (
	EventOHLCUpdate    = asciiHash("OHLC_UPDATE")
	EventLifecycleTick = asciiHash("LIFECYCLE_TICK")
	EventEffectResult  = asciiHash("EFFECT_RESULT")
)

// asciiHash right-pads a short ASCII tag into a bytes32, the convention
// the contracts use for type discriminators.
func asciiHash(s string) common.Hash {
	var h common.Hash
	copy(h[:], s)
	return h
}
