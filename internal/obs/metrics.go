package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats across the
// orchestrator. All methods are nil-safe so components can run unmetered.
type Metrics struct {
	effectsProcessed uint64
	effectsFailed    uint64
	txEnqueued       uint64
	txPending        uint64
	loopIterations   uint64
	loopCommits      uint64
	loopFailures     uint64
	subsAdded        uint64
	subsRemoved      uint64
	fundingEvents    uint64

	effectLatency  LatencyStats
	receiptLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EffectsProcessed uint64
	EffectsFailed    uint64
	TxEnqueued       uint64
	TxPending        uint64
	LoopIterations   uint64
	LoopCommits      uint64
	LoopFailures     uint64
	SubsAdded        uint64
	SubsRemoved      uint64
	FundingEvents    uint64
	EffectLatency    LatencySnapshot
	ReceiptLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEffect records one effect execution and its duration.
func (m *Metrics) ObserveEffect(success bool, d time.Duration) {
	if m == nil {
		return
	}
	if success {
		atomic.AddUint64(&m.effectsProcessed, 1)
	} else {
		atomic.AddUint64(&m.effectsFailed, 1)
	}
	m.effectLatency.Observe(d)
}

// IncTxEnqueued counts a transaction handed to the queue.
func (m *Metrics) IncTxEnqueued() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.txEnqueued, 1)
}

// IncTxPending counts a receipt-wait timeout left as pending.
func (m *Metrics) IncTxPending() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.txPending, 1)
}

// ObserveReceipt measures broadcast-to-receipt latency.
func (m *Metrics) ObserveReceipt(d time.Duration) {
	if m == nil {
		return
	}
	m.receiptLatency.Observe(d)
}

// IncLoopIteration counts one simulate round.
func (m *Metrics) IncLoopIteration() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.loopIterations, 1)
}

// IncLoopCommit counts a loop that reached its final commit.
func (m *Metrics) IncLoopCommit() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.loopCommits, 1)
}

// IncLoopFailure counts a loop that terminated failed.
func (m *Metrics) IncLoopFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.loopFailures, 1)
}

// IncSubAdded counts a subscription registration.
func (m *Metrics) IncSubAdded() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.subsAdded, 1)
}

// IncSubRemoved counts a subscription removal.
func (m *Metrics) IncSubRemoved() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.subsRemoved, 1)
}

// IncFundingEvent counts one applied funding event.
func (m *Metrics) IncFundingEvent() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fundingEvents, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		EffectsProcessed: atomic.LoadUint64(&m.effectsProcessed),
		EffectsFailed:    atomic.LoadUint64(&m.effectsFailed),
		TxEnqueued:       atomic.LoadUint64(&m.txEnqueued),
		TxPending:        atomic.LoadUint64(&m.txPending),
		LoopIterations:   atomic.LoadUint64(&m.loopIterations),
		LoopCommits:      atomic.LoadUint64(&m.loopCommits),
		LoopFailures:     atomic.LoadUint64(&m.loopFailures),
		SubsAdded:        atomic.LoadUint64(&m.subsAdded),
		SubsRemoved:      atomic.LoadUint64(&m.subsRemoved),
		FundingEvents:    atomic.LoadUint64(&m.fundingEvents),
		EffectLatency:    m.effectLatency.Snapshot(),
		ReceiptLatency:   m.receiptLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
