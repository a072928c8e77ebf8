package subs

import (
	"context"
	stderrors "errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

// Hooks lets data-source connectors react to subscription changes.
// Notification is best effort: a failing hook is logged, the store
// change is not rolled back.
type Hooks struct {
	OnSubscriptionAdded   func(ctx context.Context, sub schema.Subscription) error
	OnSubscriptionRemoved func(ctx context.Context, sub schema.Subscription) error
}

// Manager tracks which strategies want which external events.
type Manager struct {
	store Store
	hooks Hooks
}

// NewManager creates a manager over the given store.
func NewManager(store Store, hooks Hooks) *Manager {
	return &Manager{store: store, hooks: hooks}
}

// ProcessLogs applies subscription events strictly in the order they
// appear, which is their on-chain emission order. A Sub, Unsub, Sub
// sequence for the same pair must end subscribed; a set union would get
// that wrong. Logs with unrelated topics are skipped.
func (m *Manager) ProcessLogs(ctx context.Context, strategy common.Address, logEntries []types.Log) error {
	for _, l := range logEntries {
		ev, err := codec.DecodeSubscriptionEvent(l)
		if err != nil {
			if stderrors.Is(err, codec.ErrUnknownEvent) || stderrors.Is(err, codec.ErrNoTopics) {
				continue
			}
			return errors.Wrap(err, "decode subscription log")
		}
		sub := schema.Subscription{
			Strategy:    strategy,
			Type:        ev.Type,
			Payload:     ev.Payload,
			PayloadHash: crypto.Keccak256Hash(ev.Payload),
			Status:      schema.SubStatusActive,
		}
		if ev.Subscribe {
			if err := m.Add(ctx, sub); err != nil {
				return err
			}
		} else {
			if err := m.Remove(ctx, strategy, ev.Type, sub.PayloadHash); err != nil {
				return err
			}
		}
	}
	return nil
}

// Add persists a subscription and notifies connectors.
func (m *Manager) Add(ctx context.Context, sub schema.Subscription) error {
	if err := m.store.Add(ctx, sub); err != nil {
		return errors.Wrap(err, "store add")
	}
	if m.hooks.OnSubscriptionAdded != nil {
		if err := m.hooks.OnSubscriptionAdded(ctx, sub); err != nil {
			logs.Warnf("subscription-added hook failed for %s %s: %v", sub.Strategy.Hex(), sub.Type, err)
		}
	}
	return nil
}

// Remove deletes a subscription and notifies connectors. Removing an
// unknown subscription is a no-op; an Unsub for an already-removed pair
// is legal on chain.
func (m *Manager) Remove(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error {
	sub := schema.Subscription{Strategy: strategy, Type: t, PayloadHash: payloadHash}
	if err := m.store.Remove(ctx, strategy, t, payloadHash); err != nil {
		if stderrors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		return errors.Wrap(err, "store remove")
	}
	if m.hooks.OnSubscriptionRemoved != nil {
		if err := m.hooks.OnSubscriptionRemoved(ctx, sub); err != nil {
			logs.Warnf("subscription-removed hook failed for %s %s: %v", strategy.Hex(), t, err)
		}
	}
	return nil
}

// DisableSubscription stops deliveries without deleting the record, so
// metadata survives for diagnosis and re-enable.
func (m *Manager) DisableSubscription(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error {
	return m.store.SetStatus(ctx, strategy, t, payloadHash, schema.SubStatusDisabled)
}

// EnableSubscription restores deliveries for a disabled subscription.
func (m *Manager) EnableSubscription(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error {
	return m.store.SetStatus(ctx, strategy, t, payloadHash, schema.SubStatusActive)
}

// GetSubscribers lists strategies actively subscribed to one pair.
func (m *Manager) GetSubscribers(ctx context.Context, t schema.SubscriptionType, payloadHash common.Hash) ([]common.Address, error) {
	return m.store.Subscribers(ctx, t, payloadHash)
}

// GetStrategySubscriptions lists a strategy's subscriptions.
func (m *Manager) GetStrategySubscriptions(ctx context.Context, strategy common.Address) ([]schema.Subscription, error) {
	return m.store.ByStrategy(ctx, strategy)
}

// GetAllActiveSubscriptions lists every active subscription.
func (m *Manager) GetAllActiveSubscriptions(ctx context.Context) ([]schema.Subscription, error) {
	return m.store.AllActive(ctx)
}

// IsSubscribed reports whether the pair exists for the strategy.
func (m *Manager) IsSubscribed(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) (bool, error) {
	return m.store.Exists(ctx, strategy, t, payloadHash)
}
