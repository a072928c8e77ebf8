package loop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/effects"
	"main/internal/schema"
)

var (
	ErrEffectTimeout = errors.New("timed out waiting for effect result")
)

// InlineRunner executes effects in-process through the executor
// registry. The idempotency key doubles as the effect id on this path.
type InlineRunner struct {
	registry *effects.Registry
}

// NewInlineRunner wraps a registry.
func NewInlineRunner(registry *effects.Registry) *InlineRunner {
	return &InlineRunner{registry: registry}
}

func (r *InlineRunner) Run(ctx context.Context, req schema.EffectRequest) (schema.EffectResult, error) {
	return r.registry.Execute(ctx, schema.QueuedAction{
		EffectID:   req.IdempotencyKey,
		Strategy:   req.Strategy,
		ActionType: req.EffectType,
		Payload:    req.Payload,
		QueuedAt:   time.Now(),
	})
}

// PooledRunner hands effects to the executor pool: publish the request
// on the effects exchange and await the matching result on the
// strategy's dedicated results queue.
type PooledRunner struct {
	broker  bus.Broker
	topo    bus.Topology
	results <-chan bus.Delivery
	timeout time.Duration
}

// NewPooledRunner attaches to the strategy's results queue. The queue
// must already exist; activate the strategy on the broker first.
func NewPooledRunner(ctx context.Context, broker bus.Broker, topo bus.Topology, strategy common.Address, timeout time.Duration) (*PooledRunner, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	results, err := broker.Consume(ctx, topo.StrategyResultsQueue(strategy))
	if err != nil {
		return nil, errors.Wrap(err, "consume results queue")
	}
	return &PooledRunner{broker: broker, topo: topo, results: results, timeout: timeout}, nil
}

func (r *PooledRunner) Run(ctx context.Context, req schema.EffectRequest) (schema.EffectResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return schema.EffectResult{}, errors.Wrap(err, "marshal effect request")
	}
	if err := r.broker.Publish(ctx, r.topo.EffectsExchange, r.topo.EffectsPendingKey, body); err != nil {
		return schema.EffectResult{}, errors.Wrap(err, "publish effect request")
	}

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	for {
		select {
		case d, ok := <-r.results:
			if !ok {
				return schema.EffectResult{}, errors.New("results queue closed")
			}
			var result schema.EffectResult
			if err := json.Unmarshal(d.Body, &result); err != nil {
				logs.Warnf("undecodable result on %s: %v", d.RoutingKey, err)
				continue
			}
			if result.EffectID != req.IdempotencyKey {
				// Stale result from an earlier, timed-out request.
				logs.Warnf("discarding stale result %s", result.EffectID.Hex())
				continue
			}
			return result, nil
		case <-deadline.C:
			return schema.EffectResult{}, ErrEffectTimeout
		case <-ctx.Done():
			return schema.EffectResult{}, ctx.Err()
		}
	}
}
