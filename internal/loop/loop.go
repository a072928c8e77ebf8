package loop

import (
	"context"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/chain"
	"main/internal/codec"
	"main/internal/obs"
	"main/internal/schema"
)

var (
	ErrIterationBudget   = errors.New("iteration budget exceeded")
	ErrProtocolViolation = errors.New("revert is not a decodable EffectNeeded")
)

// State is the loop's position in the durable-await cycle.
type State uint8

const (
	StateSimulating State = iota
	StateExecutingEffect
	StateSubmittingResult
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSimulating:
		return "simulating"
	case StateExecutingEffect:
		return "executing_effect"
	case StateSubmittingResult:
		return "submitting_result"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EffectRunner executes one effect request on behalf of the loop,
// either inline or through the worker pool.
type EffectRunner interface {
	Run(ctx context.Context, req schema.EffectRequest) (schema.EffectResult, error)
}

// Config bounds one loop execution.
type Config struct {
	MaxIterations int
	GasLimit      uint64
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.GasLimit == 0 {
		c.GasLimit = 1_000_000
	}
	return c
}

// Summary reports one completed Execute call. EffectsExecuted equals the
// number of EffectNeeded reverts encountered before the final simulate.
type Summary struct {
	State           State
	Iterations      int
	EffectsExecuted int
	CommitTx        chain.CallResult
}

// Loop drives one strategy through simulate, effect, resolve, commit.
// It owns no shared resource directly: writes funnel through the shared
// TxQueue and effect execution goes through the configured runner.
// Because every iteration resimulates from scratch, strategy state only
// persists after the final commit.
type Loop struct {
	client   chain.Client
	txq      chain.TxQueue
	runner   EffectRunner
	operator common.Address
	strategy common.Address
	cfg      Config
	metrics  *obs.Metrics

	mu    sync.Mutex
	state State
}

// New creates a loop for one strategy. Metrics may be nil.
func New(client chain.Client, txq chain.TxQueue, runner EffectRunner, operator, strategy common.Address, cfg Config, metrics *obs.Metrics) *Loop {
	return &Loop{
		client:   client,
		txq:      txq,
		runner:   runner,
		operator: operator,
		strategy: strategy,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
	}
}

// Strategy returns the strategy address this loop drives.
func (l *Loop) Strategy() common.Address {
	return l.strategy
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Execute runs the durable-await cycle for one step event. A revert
// other than EffectNeeded, or exhausting the iteration budget, is fatal
// to this loop and propagated; nothing here retries automatically.
func (l *Loop) Execute(ctx context.Context, ev schema.StepEvent) (Summary, error) {
	summary := Summary{}
	calldata, err := codec.StepCalldata(ev)
	if err != nil {
		summary.State = StateFailed
		l.setState(StateFailed)
		l.metrics.IncLoopFailure()
		return summary, errors.Wrap(err, "build step calldata")
	}

	for i := 1; i <= l.cfg.MaxIterations; i++ {
		summary.Iterations = i
		l.metrics.IncLoopIteration()
		l.setState(StateSimulating)
		msg := ethereum.CallMsg{From: l.operator, To: &l.strategy, Data: calldata}
		_, simErr := l.client.CallContract(ctx, msg, nil)
		if simErr == nil {
			l.setState(StateCommitting)
			result, err := l.txq.Enqueue(ctx, l.strategy, calldata, l.cfg.GasLimit)
			if err != nil {
				summary.State = StateFailed
				l.setState(StateFailed)
				l.metrics.IncLoopFailure()
				return summary, errors.Wrap(err, "commit step")
			}
			summary.CommitTx = result
			summary.State = StateDone
			l.setState(StateDone)
			l.metrics.IncLoopCommit()
			return summary, nil
		}

		req, derr := l.decodeEffectNeeded(simErr)
		if derr != nil {
			summary.State = StateFailed
			l.setState(StateFailed)
			l.metrics.IncLoopFailure()
			return summary, derr
		}

		l.setState(StateExecutingEffect)
		result := l.runEffect(ctx, req)
		summary.EffectsExecuted++

		l.setState(StateSubmittingResult)
		submitData, err := codec.SubmitEffectResultCalldata(req.Epoch, req.IdempotencyKey, result.Success, result.Data)
		if err != nil {
			summary.State = StateFailed
			l.setState(StateFailed)
			l.metrics.IncLoopFailure()
			return summary, errors.Wrap(err, "build submitEffectResult calldata")
		}
		if _, err := l.txq.Enqueue(ctx, l.strategy, submitData, l.cfg.GasLimit); err != nil {
			summary.State = StateFailed
			l.setState(StateFailed)
			l.metrics.IncLoopFailure()
			return summary, errors.Wrap(err, "submit effect result")
		}
	}

	summary.State = StateFailed
	l.setState(StateFailed)
	l.metrics.IncLoopFailure()
	return summary, ErrIterationBudget
}

func (l *Loop) decodeEffectNeeded(simErr error) (schema.EffectRequest, error) {
	revert, ok := chain.RevertData(simErr)
	if !ok {
		return schema.EffectRequest{}, errors.Wrap(simErr, ErrProtocolViolation.Error())
	}
	req, err := codec.DecodeEffectNeeded(revert)
	if err != nil {
		return schema.EffectRequest{}, errors.Wrap(err, ErrProtocolViolation.Error())
	}
	req.Strategy = l.strategy
	return req, nil
}

// runEffect never lets a runner failure escape: the loop always submits
// a result so the contract can decide what to do with the failure.
func (l *Loop) runEffect(ctx context.Context, req schema.EffectRequest) schema.EffectResult {
	result, err := l.runner.Run(ctx, req)
	if err != nil {
		logs.Errorf("effect %s for %s failed: %v", req.IdempotencyKey.Hex(), l.strategy.Hex(), err)
		return schema.EffectResult{
			EffectID:     req.IdempotencyKey,
			Strategy:     l.strategy,
			Success:      false,
			ErrorMessage: err.Error(),
			Data:         []byte{},
		}
	}
	return result
}
