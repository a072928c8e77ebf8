package funding

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

var (
	ErrMissingDependency = errors.New("funding manager dependency missing")
	ErrDuplicateRequest  = errors.New("funding request already pending")
)

// BalanceStore applies authoritative balances to shared state. The
// manager always awaits this before notifying the strategy, so the
// strategy's callback never observes a stale balance.
type BalanceStore interface {
	UpdateBalance(ctx context.Context, strategy, token common.Address, balance *big.Int) error
}

// BalanceReader refetches the authoritative on-chain balance after a
// funding operation. Token is the zero address for ETH.
type BalanceReader interface {
	Balance(ctx context.Context, strategy, token common.Address) (*big.Int, error)
}

// WithdrawExecutor signs and broadcasts a withdrawal. It reads and
// broadcasts itself; signing is delegated to the external signer.
type WithdrawExecutor interface {
	Withdraw(ctx context.Context, req schema.PendingFundingRequest) (common.Hash, error)
}

// Callbacks notify the strategy once shared state is settled. All are
// constructor-injected. FundingComplete receives the zero tx hash as a
// sentinel when no transaction was broadcast.
type Callbacks struct {
	OnFundingComplete func(ctx context.Context, strategy common.Address, requestID string, success bool, txHash common.Hash, errMessage string) error
	OnDeposit         func(ctx context.Context, strategy, token common.Address, balance *big.Int) error
}

// Manager applies on-chain funding events and externally detected
// deposits: update the balance store first, notify the strategy second,
// in that strict order on every path.
type Manager struct {
	store  BalanceStore
	reader BalanceReader
	exec   WithdrawExecutor
	cb     Callbacks

	mu      sync.Mutex
	pending map[string]schema.PendingFundingRequest
}

// NewManager wires a funding manager. Store, reader, executor and the
// completion callback are all required.
func NewManager(store BalanceStore, reader BalanceReader, exec WithdrawExecutor, cb Callbacks) (*Manager, error) {
	if store == nil || reader == nil || exec == nil || cb.OnFundingComplete == nil {
		return nil, ErrMissingDependency
	}
	return &Manager{
		store:   store,
		reader:  reader,
		exec:    exec,
		cb:      cb,
		pending: make(map[string]schema.PendingFundingRequest),
	}, nil
}

// ProcessLog decodes one funding log and applies it.
func (m *Manager) ProcessLog(ctx context.Context, l types.Log) error {
	req, err := codec.DecodeFundingEvent(l)
	if err != nil {
		return errors.Wrap(err, "decode funding event")
	}
	switch req.Operation {
	case schema.FundingWithdraw:
		return m.HandleWithdraw(ctx, req)
	case schema.FundingEthBalanceUpdate:
		return m.HandleBalanceUpdate(ctx, req)
	default:
		return errors.New("unknown funding operation")
	}
}

// HandleWithdraw executes a withdrawal and settles shared state. The
// executor failure path notifies the strategy with success=false; there
// is no automatic retry here. The pending entry is removed whatever the
// outcome.
func (m *Manager) HandleWithdraw(ctx context.Context, req schema.PendingFundingRequest) error {
	if err := m.track(req); err != nil {
		return err
	}
	defer m.untrack(req.RequestID)

	txHash, err := m.exec.Withdraw(ctx, req)
	if err != nil {
		logs.Errorf("withdraw %s for %s failed: %v", req.RequestID, req.Strategy.Hex(), err)
		m.notifyComplete(ctx, req.Strategy, req.RequestID, false, common.Hash{}, err.Error())
		return nil
	}

	token := withdrawToken(req)
	balance, err := m.reader.Balance(ctx, req.Strategy, token)
	if err != nil {
		logs.Errorf("post-withdraw balance refetch for %s failed: %v", req.Strategy.Hex(), err)
		m.notifyComplete(ctx, req.Strategy, req.RequestID, false, txHash, err.Error())
		return nil
	}
	if err := m.store.UpdateBalance(ctx, req.Strategy, token, balance); err != nil {
		logs.Errorf("balance store update for %s failed: %v", req.Strategy.Hex(), err)
		m.notifyComplete(ctx, req.Strategy, req.RequestID, false, txHash, err.Error())
		return nil
	}
	m.notifyComplete(ctx, req.Strategy, req.RequestID, true, txHash, "")
	return nil
}

// HandleBalanceUpdate refetches and stores the ETH balance, then
// notifies completion with the zero tx sentinel.
func (m *Manager) HandleBalanceUpdate(ctx context.Context, req schema.PendingFundingRequest) error {
	if err := m.track(req); err != nil {
		return err
	}
	defer m.untrack(req.RequestID)

	balance, err := m.reader.Balance(ctx, req.Strategy, common.Address{})
	if err != nil {
		logs.Errorf("balance refetch for %s failed: %v", req.Strategy.Hex(), err)
		m.notifyComplete(ctx, req.Strategy, req.RequestID, false, common.Hash{}, err.Error())
		return nil
	}
	if err := m.store.UpdateBalance(ctx, req.Strategy, common.Address{}, balance); err != nil {
		logs.Errorf("balance store update for %s failed: %v", req.Strategy.Hex(), err)
		m.notifyComplete(ctx, req.Strategy, req.RequestID, false, common.Hash{}, err.Error())
		return nil
	}
	m.notifyComplete(ctx, req.Strategy, req.RequestID, true, common.Hash{}, "")
	return nil
}

// HandleDeposit reacts to an externally detected ERC-20 or ETH deposit:
// refetch, store, then notify through the deposit callback.
func (m *Manager) HandleDeposit(ctx context.Context, strategy, token common.Address) error {
	balance, err := m.reader.Balance(ctx, strategy, token)
	if err != nil {
		return errors.Wrap(err, "deposit balance refetch")
	}
	if err := m.store.UpdateBalance(ctx, strategy, token, balance); err != nil {
		return errors.Wrap(err, "deposit balance store update")
	}
	if m.cb.OnDeposit != nil {
		if err := m.cb.OnDeposit(ctx, strategy, token, balance); err != nil {
			logs.Warnf("deposit callback for %s failed: %v", strategy.Hex(), err)
		}
	}
	return nil
}

// PendingCount reports unresolved funding requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// IsPending reports whether a request id is unresolved.
func (m *Manager) IsPending(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[requestID]
	return ok
}

func (m *Manager) track(req schema.PendingFundingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pending[req.RequestID]; dup {
		return ErrDuplicateRequest
	}
	m.pending[req.RequestID] = req
	return nil
}

func (m *Manager) untrack(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

func (m *Manager) notifyComplete(ctx context.Context, strategy common.Address, requestID string, success bool, txHash common.Hash, errMessage string) {
	if err := m.cb.OnFundingComplete(ctx, strategy, requestID, success, txHash, errMessage); err != nil {
		logs.Warnf("funding completion callback for %s failed: %v", requestID, err)
	}
}

func withdrawToken(req schema.PendingFundingRequest) common.Address {
	if req.Params.Kind == schema.WithdrawERC20 {
		return req.Params.Token
	}
	return common.Address{}
}
