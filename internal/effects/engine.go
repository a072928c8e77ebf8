package effects

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

var (
	ErrEngineQueueFull = errors.New("effect queue full")
	ErrDuplicateEffect = errors.New("effect already pending")
	ErrNilCompleteHook = errors.New("completion callback is required")
)

// Engine executes strategy-emitted actions one at a time across the
// whole instance. Actions from every strategy interleave in a single
// FIFO; exactly one drain goroutine consumes it, which makes the
// one-in-flight invariant structural. Horizontal scaling lives in Pool.
type Engine struct {
	executor   Executor
	onComplete func(schema.EffectResult)

	queue chan schema.QueuedAction

	mu       sync.Mutex
	pending  map[common.Hash]struct{}
	inflight int

	running atomic.Bool
}

// NewEngine creates an engine. The completion callback is mandatory:
// every queued action produces exactly one result through it, including
// executor failures.
func NewEngine(executor Executor, onComplete func(schema.EffectResult), capacity int) (*Engine, error) {
	if onComplete == nil {
		return nil, ErrNilCompleteHook
	}
	if capacity <= 0 {
		capacity = 128
	}
	return &Engine{
		executor:   executor,
		onComplete: onComplete,
		queue:      make(chan schema.QueuedAction, capacity),
		pending:    make(map[common.Hash]struct{}),
	}, nil
}

// Run starts the single drain goroutine. Subsequent calls are no-ops.
func (e *Engine) Run(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}
	go func() {
		for {
			select {
			case action := <-e.queue:
				e.executeOne(ctx, action)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// QueueAction decodes an ActionRequested log and appends it to the FIFO.
// A malformed log is delivered as a failed result with the zero-sentinel
// effect id rather than dropped.
func (e *Engine) QueueAction(l types.Log) error {
	action, err := codec.DecodeActionRequested(l)
	if err != nil {
		logs.Errorf("decode action from %s failed: %v", l.Address.Hex(), err)
		e.onComplete(schema.EffectResult{
			Strategy:     l.Address,
			Success:      false,
			ErrorMessage: err.Error(),
			Data:         []byte{},
		})
		return errors.Wrap(err, "decode action")
	}
	return e.Queue(action)
}

// Queue appends an already-decoded action.
func (e *Engine) Queue(action schema.QueuedAction) error {
	e.mu.Lock()
	if _, dup := e.pending[action.EffectID]; dup {
		e.mu.Unlock()
		return ErrDuplicateEffect
	}
	e.pending[action.EffectID] = struct{}{}
	e.mu.Unlock()

	select {
	case e.queue <- action:
		return nil
	default:
		e.mu.Lock()
		delete(e.pending, action.EffectID)
		e.mu.Unlock()
		return ErrEngineQueueFull
	}
}

// IsEffectPending reports whether an effect id is in the backlog or in
// flight.
func (e *Engine) IsEffectPending(id common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// InFlightCount reports actions currently executing; 0 or 1 by
// construction.
func (e *Engine) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

// BacklogLen reports queued actions not yet picked up.
func (e *Engine) BacklogLen() int {
	return len(e.queue)
}

func (e *Engine) executeOne(ctx context.Context, action schema.QueuedAction) {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()

	result := e.runExecutor(ctx, action)

	e.mu.Lock()
	e.inflight--
	delete(e.pending, action.EffectID)
	e.mu.Unlock()

	e.onComplete(result)
}

// runExecutor shields the drain loop from executor errors and panics;
// both become failure results carrying the stringified cause.
func (e *Engine) runExecutor(ctx context.Context, action schema.QueuedAction) (result schema.EffectResult) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("executor panic on effect %s: %v", action.EffectID.Hex(), r)
			result = failureResult(action, fmt.Sprint(r))
		}
	}()
	res, err := e.executor.Execute(ctx, action)
	if err != nil {
		return failureResult(action, err.Error())
	}
	return res
}

func failureResult(action schema.QueuedAction, msg string) schema.EffectResult {
	return schema.EffectResult{
		EffectID:     action.EffectID,
		Strategy:     action.Strategy,
		Success:      false,
		ErrorMessage: msg,
		Data:         []byte{},
	}
}
