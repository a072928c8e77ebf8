package effects

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

var (
	ErrNoExecutor = errors.New("no executor registered for effect type")
)

// Executor runs one off-chain effect. Implementations are swappable:
// RPC-backed in deployments, deterministic mocks in tests.
type Executor interface {
	Execute(ctx context.Context, action schema.QueuedAction) (schema.EffectResult, error)
}

// Registry dispatches actions to executors by effect type. The type set
// is closed; an unregistered type is an error, never a default success.
type Registry struct {
	executors map[schema.EffectType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.EffectType]Executor)}
}

// Register binds an executor to an effect type, replacing any previous one.
func (r *Registry) Register(t schema.EffectType, e Executor) {
	r.executors[t] = e
}

// Execute dispatches to the registered executor.
func (r *Registry) Execute(ctx context.Context, action schema.QueuedAction) (schema.EffectResult, error) {
	e, ok := r.executors[action.ActionType]
	if !ok {
		return schema.EffectResult{}, ErrNoExecutor
	}
	return e.Execute(ctx, action)
}

// LogExecutor handles LOG effects inline: record the payload, succeed
// with empty result data.
type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, action schema.QueuedAction) (schema.EffectResult, error) {
	logs.Infof("strategy %s log effect: %d payload bytes", action.Strategy.Hex(), len(action.Payload))
	return schema.EffectResult{
		EffectID: action.EffectID,
		Strategy: action.Strategy,
		Success:  true,
		Data:     []byte{},
	}, nil
}

// MockConfig fixes the values the mock executor returns. The amounts are
// test fixtures, configurable rather than baked in.
type MockConfig struct {
	SwapAmountOut decimal.Decimal `json:"swapAmountOut"`
	TokenBalance  decimal.Decimal `json:"tokenBalance"`
	Latency       time.Duration   `json:"-"`
}

// DefaultMockConfig returns the fixture amounts used when a config file
// does not override them.
func DefaultMockConfig() MockConfig {
	var cfg MockConfig
	// The amounts travel as JSON numbers end to end, so the defaults are
	// resolved through the same path.
	if err := json.Unmarshal([]byte(`{"swapAmountOut":"0.997","tokenBalance":"1000"}`), &cfg); err != nil {
		panic(err)
	}
	return cfg
}

type mockSwapResult struct {
	AmountOut decimal.Decimal `json:"amountOut"`
}

type mockBalanceResult struct {
	Balance decimal.Decimal `json:"balance"`
}

// MockExecutor produces deterministic results without any I/O.
type MockExecutor struct {
	cfg MockConfig
}

// NewMockExecutor creates a mock with the given fixtures.
func NewMockExecutor(cfg MockConfig) *MockExecutor {
	return &MockExecutor{cfg: cfg}
}

func (m *MockExecutor) Execute(ctx context.Context, action schema.QueuedAction) (schema.EffectResult, error) {
	if m.cfg.Latency > 0 {
		select {
		case <-time.After(m.cfg.Latency):
		case <-ctx.Done():
			return schema.EffectResult{}, ctx.Err()
		}
	}
	result := schema.EffectResult{
		EffectID: action.EffectID,
		Strategy: action.Strategy,
		Success:  true,
		Data:     []byte{},
	}
	switch action.ActionType {
	case schema.EffectLog:
		return result, nil
	case schema.EffectSwapQuote:
		data, err := json.Marshal(mockSwapResult{AmountOut: m.cfg.SwapAmountOut})
		if err != nil {
			return schema.EffectResult{}, errors.Wrap(err, "marshal swap result")
		}
		result.Data = data
		return result, nil
	case schema.EffectBalanceOf:
		data, err := json.Marshal(mockBalanceResult{Balance: m.cfg.TokenBalance})
		if err != nil {
			return schema.EffectResult{}, errors.Wrap(err, "marshal balance result")
		}
		result.Data = data
		return result, nil
	default:
		return schema.EffectResult{}, ErrNoExecutor
	}
}
