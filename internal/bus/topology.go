package bus

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ExchangeKind mirrors the broker exchange types this system declares.
type ExchangeKind string

const (
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeDirect ExchangeKind = "direct"
)

// Topology names the exchanges and shared queues. It is passed at
// construction; nothing in this package reads globals.
type Topology struct {
	EventsExchange  string
	EffectsExchange string
	ResultsExchange string

	EffectsPendingKey   string
	EffectsPendingQueue string
}

// DefaultTopology returns the production exchange and queue names.
func DefaultTopology() Topology {
	return Topology{
		EventsExchange:      "events",
		EffectsExchange:     "effects",
		ResultsExchange:     "results",
		EffectsPendingKey:   "pending",
		EffectsPendingQueue: "effects.pending",
	}
}

// StrategyEventsQueue is the per-strategy queue receiving action,
// lifecycle, funding and subscribed-OHLC events.
func (t Topology) StrategyEventsQueue(strategy common.Address) string {
	return fmt.Sprintf("strategy.%s.events", addrKey(strategy))
}

// StrategyResultsQueue is the per-strategy queue receiving effect results.
func (t Topology) StrategyResultsQueue(strategy common.Address) string {
	return fmt.Sprintf("strategy.%s.results", addrKey(strategy))
}

// ResultsKey is the routing key effect results are published under.
func (t Topology) ResultsKey(strategy common.Address) string {
	return addrKey(strategy)
}

// ActionKey routes strategy-emitted actions on the events exchange.
func ActionKey(strategy common.Address) string {
	return "action." + addrKey(strategy)
}

// LifecycleKey routes strategy lifecycle events on the events exchange.
func LifecycleKey(strategy common.Address) string {
	return "lifecycle." + addrKey(strategy)
}

// FundingKey routes funding events on the events exchange.
func FundingKey(strategy common.Address) string {
	return "funding." + addrKey(strategy)
}

// OHLCKey routes candle updates, e.g. "ohlc.BTCUSDT.1m".
func OHLCKey(symbol, timeframe string) string {
	return "ohlc." + strings.ToUpper(symbol) + "." + timeframe
}

func addrKey(strategy common.Address) string {
	return strings.ToLower(strategy.Hex())
}
