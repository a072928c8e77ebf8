package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
)

var (
	ErrPoolRunning = errors.New("pool already running")
)

// WorkerStats is a point-in-time view of one worker's counters.
type WorkerStats struct {
	ID        string
	Processed uint64
	Failed    uint64
}

type worker struct {
	id        string
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Pool runs effect requests across independent workers that all consume
// the shared effects.pending queue. The broker load-balances; workers
// never coordinate with each other. Results are published to the results
// exchange keyed by strategy address, landing on that strategy's
// dedicated results queue.
type Pool struct {
	broker   bus.Broker
	topo     bus.Topology
	registry *Registry
	workers  []*worker

	running atomic.Bool
}

// NewPool creates a pool of n workers dispatching through the registry.
func NewPool(broker bus.Broker, topo bus.Topology, registry *Registry, n int) *Pool {
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker, n)
	for i := range workers {
		workers[i] = &worker{id: uuid.NewString()}
	}
	return &Pool{broker: broker, topo: topo, registry: registry, workers: workers}
}

// Run attaches every worker to the pending queue and returns. Workers
// stop when the context is done or the queue closes.
func (p *Pool) Run(ctx context.Context) error {
	if p.running.Swap(true) {
		return ErrPoolRunning
	}
	for _, w := range p.workers {
		deliveries, err := p.broker.Consume(ctx, p.topo.EffectsPendingQueue)
		if err != nil {
			return errors.Wrap(err, "consume pending queue")
		}
		go p.consume(ctx, w, deliveries)
	}
	return nil
}

// Stats snapshots per-worker counters, used to verify load distribution.
func (p *Pool) Stats() []WorkerStats {
	stats := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		stats[i] = WorkerStats{
			ID:        w.id,
			Processed: w.processed.Load(),
			Failed:    w.failed.Load(),
		}
	}
	return stats
}

// Totals sums processed and failed across workers.
func (p *Pool) Totals() (processed, failed uint64) {
	for _, w := range p.workers {
		processed += w.processed.Load()
		failed += w.failed.Load()
	}
	return processed, failed
}

func (p *Pool) consume(ctx context.Context, w *worker, deliveries <-chan bus.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, w, d)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, w *worker, d bus.Delivery) {
	var req schema.EffectRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logs.Errorf("worker %s: undecodable effect request: %v", w.id, err)
		w.failed.Add(1)
		// If the body still names a strategy, send it a zero-sentinel
		// failure so its runner is not left waiting for the timeout.
		p.publishDecodeFailure(ctx, w, d.Body, err)
		return
	}
	result := p.execute(ctx, w, req)
	if result.Success {
		w.processed.Add(1)
	} else {
		w.failed.Add(1)
	}
	body, err := json.Marshal(result)
	if err != nil {
		logs.Errorf("worker %s: marshal result for %s: %v", w.id, req.IdempotencyKey.Hex(), err)
		return
	}
	if err := p.broker.Publish(ctx, p.topo.ResultsExchange, p.topo.ResultsKey(req.Strategy), body); err != nil {
		logs.Errorf("worker %s: publish result for %s: %v", w.id, req.IdempotencyKey.Hex(), err)
	}
}

// publishDecodeFailure salvages the strategy address from a request that
// failed strict decoding and routes it a failure result with a zero
// effect id. A body with no recoverable strategy is dropped after the
// log line above.
func (p *Pool) publishDecodeFailure(ctx context.Context, w *worker, rawBody []byte, decodeErr error) {
	var partial struct {
		Strategy common.Address `json:"strategy"`
	}
	if err := json.Unmarshal(rawBody, &partial); err != nil || partial.Strategy == (common.Address{}) {
		return
	}
	result := schema.EffectResult{
		EffectID:     common.Hash{},
		Strategy:     partial.Strategy,
		Success:      false,
		ErrorMessage: "undecodable effect request: " + decodeErr.Error(),
		Data:         []byte{},
	}
	body, err := json.Marshal(result)
	if err != nil {
		logs.Errorf("worker %s: marshal decode failure for %s: %v", w.id, partial.Strategy.Hex(), err)
		return
	}
	if err := p.broker.Publish(ctx, p.topo.ResultsExchange, p.topo.ResultsKey(partial.Strategy), body); err != nil {
		logs.Errorf("worker %s: publish decode failure for %s: %v", w.id, partial.Strategy.Hex(), err)
	}
}

// execute dispatches one request. Unknown effect types fail closed: the
// strategy receives an explicit failure instead of a fabricated success.
func (p *Pool) execute(ctx context.Context, w *worker, req schema.EffectRequest) (result schema.EffectResult) {
	action := schema.QueuedAction{
		EffectID:   req.IdempotencyKey,
		Strategy:   req.Strategy,
		ActionType: req.EffectType,
		Payload:    req.Payload,
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("worker %s: executor panic on %s: %v", w.id, req.IdempotencyKey.Hex(), r)
			result = failureResult(action, fmt.Sprint(r))
		}
	}()
	res, err := p.registry.Execute(ctx, action)
	if err != nil {
		return failureResult(action, err.Error())
	}
	return res
}
