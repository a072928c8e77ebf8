package codec

import (
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrNoTopics     = errors.New("log has no topics")
	ErrUnknownEvent = errors.New("unknown event topic")
)

var (
	actionRequestedTopic = crypto.Keccak256Hash([]byte("ActionRequested(bytes32,bytes)"))
	subRequestedTopic    = crypto.Keccak256Hash([]byte("SubscriptionRequested(bytes32,bytes)"))
	unsubRequestedTopic  = crypto.Keccak256Hash([]byte("UnsubscriptionRequested(bytes32,bytes)"))

	typedPayloadArgs = abi.Arguments{
		{Name: "kind", Type: typeBytes32},
		{Name: "payload", Type: typeBytes},
	}
)

// ActionRequested is a strategy-emitted request for effect execution.
type ActionRequested struct {
	Strategy   common.Address
	ActionType schema.EffectType
	Payload    []byte
}

// SubscriptionEvent is a decoded Subscription/UnsubscriptionRequested log.
type SubscriptionEvent struct {
	Strategy  common.Address
	Type      schema.SubscriptionType
	Payload   []byte
	Subscribe bool
}

// DecodeActionRequested parses an ActionRequested log into a queued action.
func DecodeActionRequested(l types.Log) (schema.QueuedAction, error) {
	if len(l.Topics) == 0 {
		return schema.QueuedAction{}, ErrNoTopics
	}
	if l.Topics[0] != actionRequestedTopic {
		return schema.QueuedAction{}, ErrUnknownEvent
	}
	kind, payload, err := unpackTypedPayload(l.Data)
	if err != nil {
		return schema.QueuedAction{}, errors.Wrap(err, "unpack ActionRequested")
	}
	actionType, ok := schema.ParseEffectType(kind)
	if !ok {
		return schema.QueuedAction{}, ErrUnknownEffectType
	}
	effectID, err := ExtractEffectID(payload)
	if err != nil {
		return schema.QueuedAction{}, err
	}
	return schema.QueuedAction{
		EffectID:   effectID,
		Strategy:   l.Address,
		ActionType: actionType,
		Payload:    payload,
		QueuedAt:   time.Now(),
	}, nil
}

// DecodeSubscriptionEvent parses a Subscription/UnsubscriptionRequested log.
func DecodeSubscriptionEvent(l types.Log) (SubscriptionEvent, error) {
	if len(l.Topics) == 0 {
		return SubscriptionEvent{}, ErrNoTopics
	}
	var subscribe bool
	switch l.Topics[0] {
	case subRequestedTopic:
		subscribe = true
	case unsubRequestedTopic:
		subscribe = false
	default:
		return SubscriptionEvent{}, ErrUnknownEvent
	}
	kind, payload, err := unpackTypedPayload(l.Data)
	if err != nil {
		return SubscriptionEvent{}, errors.Wrap(err, "unpack subscription event")
	}
	subType, ok := schema.ParseSubscriptionType(kind)
	if !ok {
		return SubscriptionEvent{}, ErrUnknownEvent
	}
	return SubscriptionEvent{
		Strategy:  l.Address,
		Type:      subType,
		Payload:   payload,
		Subscribe: subscribe,
	}, nil
}

// IsSubscriptionLog reports whether the log carries a subscription
// lifecycle event. Used to split the action stream before decoding.
func IsSubscriptionLog(l types.Log) bool {
	if len(l.Topics) == 0 {
		return false
	}
	return l.Topics[0] == subRequestedTopic || l.Topics[0] == unsubRequestedTopic
}

// EncodeActionRequestedLog builds a synthetic ActionRequested log.
// Used by tests and the local chain simulator.
func EncodeActionRequestedLog(strategy common.Address, actionType schema.EffectType, payload []byte) (types.Log, error) {
	data, err := typedPayloadArgs.Pack([32]byte(actionType.Wire()), payload)
	if err != nil {
		return types.Log{}, errors.Wrap(err, "pack ActionRequested")
	}
	return types.Log{
		Address: strategy,
		Topics:  []common.Hash{actionRequestedTopic},
		Data:    data,
	}, nil
}

// EncodeSubscriptionLog builds a synthetic subscription log.
func EncodeSubscriptionLog(strategy common.Address, subType schema.SubscriptionType, payload []byte, subscribe bool) (types.Log, error) {
	data, err := typedPayloadArgs.Pack([32]byte(subType.Wire()), payload)
	if err != nil {
		return types.Log{}, errors.Wrap(err, "pack subscription event")
	}
	topic := subRequestedTopic
	if !subscribe {
		topic = unsubRequestedTopic
	}
	return types.Log{
		Address: strategy,
		Topics:  []common.Hash{topic},
		Data:    data,
	}, nil
}

func unpackTypedPayload(data []byte) (common.Hash, []byte, error) {
	values, err := typedPayloadArgs.Unpack(data)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return common.Hash(values[0].([32]byte)), values[1].([]byte), nil
}
