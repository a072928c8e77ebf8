package funding

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	strategy common.Address
	token    common.Address
}

// MemoryBalanceStore keeps the last authoritative balance per strategy
// and token. Token is the zero address for ETH.
type MemoryBalanceStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*big.Int
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[balanceKey]*big.Int)}
}

func (s *MemoryBalanceStore) UpdateBalance(_ context.Context, strategy, token common.Address, balance *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{strategy, token}] = new(big.Int).Set(balance)
	return nil
}

// Balance returns the stored balance, or nil when never updated.
func (s *MemoryBalanceStore) Balance(strategy, token common.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[balanceKey{strategy, token}]
	if !ok {
		return nil
	}
	return new(big.Int).Set(b)
}

var _ BalanceStore = (*MemoryBalanceStore)(nil)
