package bus

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Delivery is one message handed to a consumer.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Broker abstracts the message broker. Two implementations exist: the
// AMQP client used in deployments and an in-memory broker with the same
// routing semantics used by tests and single-process runs.
type Broker interface {
	// Setup declares the shared exchanges, the effects.pending queue and
	// its binding. Safe to call repeatedly.
	Setup(ctx context.Context) error

	// ActivateStrategy declares the per-strategy event and result queues
	// and binds them. Extra routing keys (OHLC subscriptions) may be
	// bound later through BindStrategyEvents.
	ActivateStrategy(ctx context.Context, strategy common.Address, extraKeys ...string) error

	// DeactivateStrategy deletes the per-strategy queues. Shared
	// topology is never torn down here.
	DeactivateStrategy(ctx context.Context, strategy common.Address) error

	// BindStrategyEvents adds one routing-key binding to a strategy's
	// events queue.
	BindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error

	// UnbindStrategyEvents removes one routing-key binding.
	UnbindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error

	Publish(ctx context.Context, exchange, routingKey string, body []byte) error

	// Consume attaches a consumer to a queue. Multiple consumers on the
	// same queue compete for messages.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	Close() error
}
