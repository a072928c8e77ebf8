package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"
)

var (
	ErrQueueFull       = errors.New("queue full")
	ErrBrokerClosed    = errors.New("broker closed")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnknownQueue    = errors.New("unknown queue")
)

const defaultQueueCap = 256

type binding struct {
	pattern string
	queue   string
}

type memExchange struct {
	kind     ExchangeKind
	bindings []binding
}

type memQueue struct {
	ch chan Delivery
}

// MemoryBroker routes messages between bounded in-memory queues with the
// same exchange semantics as the AMQP deployment: topic matching on the
// events exchange, direct matching elsewhere. Consumers on one queue
// compete for its messages.
type MemoryBroker struct {
	topo     Topology
	queueCap int

	mu        sync.RWMutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	closed    bool
}

// NewMemoryBroker creates an empty broker. queueCap <= 0 uses the default.
func NewMemoryBroker(topo Topology, queueCap int) *MemoryBroker {
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	return &MemoryBroker{
		topo:      topo,
		queueCap:  queueCap,
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
	}
}

// Setup declares the shared exchanges and the effects.pending queue.
// Idempotent: re-declaring existing names is a no-op.
func (b *MemoryBroker) Setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.declareExchange(b.topo.EventsExchange, ExchangeTopic)
	b.declareExchange(b.topo.EffectsExchange, ExchangeDirect)
	b.declareExchange(b.topo.ResultsExchange, ExchangeDirect)
	b.declareQueue(b.topo.EffectsPendingQueue)
	b.bind(b.topo.EffectsExchange, b.topo.EffectsPendingKey, b.topo.EffectsPendingQueue)
	return nil
}

// ActivateStrategy declares and binds both per-strategy queues.
func (b *MemoryBroker) ActivateStrategy(ctx context.Context, strategy common.Address, extraKeys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	events := b.topo.StrategyEventsQueue(strategy)
	results := b.topo.StrategyResultsQueue(strategy)
	b.declareQueue(events)
	b.declareQueue(results)
	b.bind(b.topo.EventsExchange, ActionKey(strategy), events)
	b.bind(b.topo.EventsExchange, LifecycleKey(strategy), events)
	b.bind(b.topo.EventsExchange, FundingKey(strategy), events)
	for _, key := range extraKeys {
		b.bind(b.topo.EventsExchange, key, events)
	}
	b.bind(b.topo.ResultsExchange, b.topo.ResultsKey(strategy), results)
	return nil
}

// DeactivateStrategy removes the per-strategy queues and their bindings.
func (b *MemoryBroker) DeactivateStrategy(ctx context.Context, strategy common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.deleteQueue(b.topo.StrategyEventsQueue(strategy))
	b.deleteQueue(b.topo.StrategyResultsQueue(strategy))
	return nil
}

// BindStrategyEvents adds one binding to a strategy's events queue.
func (b *MemoryBroker) BindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	queue := b.topo.StrategyEventsQueue(strategy)
	if _, ok := b.queues[queue]; !ok {
		return ErrUnknownQueue
	}
	b.bind(b.topo.EventsExchange, routingKey, queue)
	return nil
}

// UnbindStrategyEvents removes one binding from a strategy's events queue.
func (b *MemoryBroker) UnbindStrategyEvents(ctx context.Context, strategy common.Address, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	ex, ok := b.exchanges[b.topo.EventsExchange]
	if !ok {
		return ErrUnknownExchange
	}
	queue := b.topo.StrategyEventsQueue(strategy)
	kept := ex.bindings[:0]
	for _, bd := range ex.bindings {
		if bd.pattern == routingKey && bd.queue == queue {
			continue
		}
		kept = append(kept, bd)
	}
	ex.bindings = kept
	return nil
}

// Publish routes a message to every queue whose binding matches. A full
// queue drops its copy but never blocks delivery to the other matches;
// ErrQueueFull is reported after the whole fan-out completes.
func (b *MemoryBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return ErrUnknownExchange
	}
	d := Delivery{Exchange: exchange, RoutingKey: routingKey, Body: body}
	var full bool
	for _, bd := range ex.bindings {
		if !matches(ex.kind, bd.pattern, routingKey) {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		select {
		case q.ch <- d:
		default:
			full = true
		}
	}
	if full {
		return ErrQueueFull
	}
	return nil
}

// Consume returns the queue's delivery channel. Every consumer ranges
// over the same channel, so messages are load-balanced.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, ErrUnknownQueue
	}
	return q.ch, nil
}

// Close stops all queues. Publishing and consuming fail afterwards.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.ch)
	}
	return nil
}

func (b *MemoryBroker) declareExchange(name string, kind ExchangeKind) {
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &memExchange{kind: kind}
	}
}

func (b *MemoryBroker) declareQueue(name string) {
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memQueue{ch: make(chan Delivery, b.queueCap)}
	}
}

func (b *MemoryBroker) bind(exchange, pattern, queue string) {
	ex, ok := b.exchanges[exchange]
	if !ok {
		return
	}
	for _, bd := range ex.bindings {
		if bd.pattern == pattern && bd.queue == queue {
			return
		}
	}
	ex.bindings = append(ex.bindings, binding{pattern: pattern, queue: queue})
}

func (b *MemoryBroker) deleteQueue(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	delete(b.queues, name)
	close(q.ch)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue == name {
				continue
			}
			kept = append(kept, bd)
		}
		ex.bindings = kept
	}
}

// matches implements AMQP routing: exact keys for direct exchanges,
// dot-separated patterns with * (one word) and # (zero or more) for
// topic exchanges.
func matches(kind ExchangeKind, pattern, key string) bool {
	if kind == ExchangeDirect {
		return pattern == key
	}
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if topicMatch(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
