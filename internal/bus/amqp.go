package bus

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// AMQPBroker implements Broker on a RabbitMQ connection. One channel is
// held for declares and publishes (guarded by a mutex, AMQP channels are
// not concurrency-safe); each consumer gets a dedicated channel so a
// slow consumer never blocks publishing.
type AMQPBroker struct {
	topo Topology
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects to the broker at url.
func DialAMQP(url string, topo Topology) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	return &AMQPBroker{topo: topo, conn: conn, ch: ch}, nil
}

// Setup declares the shared topology. Declares are idempotent on the
// broker side as long as the parameters match.
func (b *AMQPBroker) Setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ex := range []struct {
		name string
		kind ExchangeKind
	}{
		{b.topo.EventsExchange, ExchangeTopic},
		{b.topo.EffectsExchange, ExchangeDirect},
		{b.topo.ResultsExchange, ExchangeDirect},
	} {
		if err := b.ch.ExchangeDeclare(ex.name, string(ex.kind), true, false, false, false, nil); err != nil {
			return errors.Wrap(err, "declare exchange "+ex.name)
		}
	}
	if _, err := b.ch.QueueDeclare(b.topo.EffectsPendingQueue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare queue "+b.topo.EffectsPendingQueue)
	}
	if err := b.ch.QueueBind(b.topo.EffectsPendingQueue, b.topo.EffectsPendingKey, b.topo.EffectsExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind queue "+b.topo.EffectsPendingQueue)
	}
	return nil
}

// ActivateStrategy declares and binds both per-strategy queues.
func (b *AMQPBroker) ActivateStrategy(ctx context.Context, strategy common.Address, extraKeys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.topo.StrategyEventsQueue(strategy)
	results := b.topo.StrategyResultsQueue(strategy)
	for _, q := range []string{events, results} {
		if _, err := b.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return errors.Wrap(err, "declare queue "+q)
		}
	}
	keys := append([]string{ActionKey(strategy), LifecycleKey(strategy), FundingKey(strategy)}, extraKeys...)
	for _, key := range keys {
		if err := b.ch.QueueBind(events, key, b.topo.EventsExchange, false, nil); err != nil {
			return errors.Wrap(err, "bind "+key)
		}
	}
	if err := b.ch.QueueBind(results, b.topo.ResultsKey(strategy), b.topo.ResultsExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind results")
	}
	return nil
}

// DeactivateStrategy deletes the per-strategy queues only.
func (b *AMQPBroker) DeactivateStrategy(ctx context.Context, strategy common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range []string{b.topo.StrategyEventsQueue(strategy), b.topo.StrategyResultsQueue(strategy)} {
		if _, err := b.ch.QueueDelete(q, false, false, false); err != nil {
			return errors.Wrap(err, "delete queue "+q)
		}
	}
	return nil
}

// BindStrategyEvents adds one binding to a strategy's events queue.
func (b *AMQPBroker) BindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.QueueBind(b.topo.StrategyEventsQueue(strategy), routingKey, b.topo.EventsExchange, false, nil)
}

// UnbindStrategyEvents removes one binding from a strategy's events queue.
func (b *AMQPBroker) UnbindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.QueueUnbind(b.topo.StrategyEventsQueue(strategy), routingKey, b.topo.EventsExchange, nil)
}

// Publish sends one persistent message.
func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume opens a dedicated channel and adapts its deliveries. The
// broker load-balances across consumers of the same queue.
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open consumer channel")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "consume "+queue)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for d := range deliveries {
			select {
			case out <- Delivery{Exchange: d.Exchange, RoutingKey: d.RoutingKey, Body: d.Body}:
				if err := d.Ack(false); err != nil {
					logs.Warnf("ack failed on %s: %v", queue, err)
				}
			case <-ctx.Done():
				if err := d.Nack(false, true); err != nil {
					logs.Warnf("nack failed on %s: %v", queue, err)
				}
				return
			}
		}
	}()
	return out, nil
}

// Close tears down the connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil {
		logs.Warnf("close publish channel: %v", err)
	}
	return b.conn.Close()
}
