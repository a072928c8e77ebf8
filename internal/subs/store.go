package subs

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Store persists subscriptions. The durable implementation lives in
// pg.go; MemoryStore backs tests and single-process runs.
type Store interface {
	// Add inserts or reactivates a subscription.
	Add(ctx context.Context, sub schema.Subscription) error
	Remove(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error
	Exists(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) (bool, error)
	// Subscribers lists strategies actively subscribed to one
	// (type, payloadHash) pair.
	Subscribers(ctx context.Context, t schema.SubscriptionType, payloadHash common.Hash) ([]common.Address, error)
	ByStrategy(ctx context.Context, strategy common.Address) ([]schema.Subscription, error)
	AllActive(ctx context.Context) ([]schema.Subscription, error)
	SetStatus(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash, status schema.SubscriptionStatus) error
}

type subKey struct {
	strategy common.Address
	t        schema.SubscriptionType
	hash     common.Hash
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[subKey]schema.Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[subKey]schema.Subscription)}
}

func (s *MemoryStore) Add(ctx context.Context, sub schema.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.Status = schema.SubStatusActive
	s.subs[subKey{sub.Strategy, sub.Type, sub.PayloadHash}] = sub
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{strategy, t, payloadHash}
	if _, ok := s.subs[key]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[subKey{strategy, t, payloadHash}]
	return ok, nil
}

func (s *MemoryStore) Subscribers(ctx context.Context, t schema.SubscriptionType, payloadHash common.Hash) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []common.Address
	for key, sub := range s.subs {
		if key.t == t && key.hash == payloadHash && sub.Status == schema.SubStatusActive {
			out = append(out, key.strategy)
		}
	}
	return out, nil
}

func (s *MemoryStore) ByStrategy(ctx context.Context, strategy common.Address) ([]schema.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Subscription
	for key, sub := range s.subs {
		if key.strategy == strategy {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) AllActive(ctx context.Context) ([]schema.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Subscription
	for _, sub := range s.subs {
		if sub.Status == schema.SubStatusActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash, status schema.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{strategy, t, payloadHash}
	sub, ok := s.subs[key]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Status = status
	s.subs[key] = sub
	return nil
}
