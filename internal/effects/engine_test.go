package effects

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"main/internal/codec"
	"main/internal/schema"
)

var engineStrategy = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

type countingExecutor struct {
	mu         sync.Mutex
	concurrent int
	maxSeen    int
	executed   int
	delay      time.Duration
	fail       bool
	panicWith  any
}

func (e *countingExecutor) Execute(ctx context.Context, action schema.QueuedAction) (schema.EffectResult, error) {
	e.mu.Lock()
	e.concurrent++
	if e.concurrent > e.maxSeen {
		e.maxSeen = e.concurrent
	}
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.concurrent--
	e.executed++
	panicWith := e.panicWith
	fail := e.fail
	e.mu.Unlock()

	if panicWith != nil {
		panic(panicWith)
	}
	if fail {
		return schema.EffectResult{}, stderrors.New("executor refused")
	}
	return schema.EffectResult{
		EffectID: action.EffectID,
		Strategy: action.Strategy,
		Success:  true,
		Data:     []byte{},
	}, nil
}

type resultSink struct {
	mu      sync.Mutex
	results []schema.EffectResult
	signal  chan struct{}
}

func newResultSink() *resultSink {
	return &resultSink{signal: make(chan struct{}, 64)}
}

func (s *resultSink) collect(r schema.EffectResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *resultSink) wait(t *testing.T, n int) []schema.EffectResult {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.EffectResult, len(s.results))
	copy(out, s.results)
	return out
}

func action(id byte) schema.QueuedAction {
	var effectID common.Hash
	effectID[31] = id
	return schema.QueuedAction{
		EffectID:   effectID,
		Strategy:   engineStrategy,
		ActionType: schema.EffectLog,
		Payload:    effectID[:],
		QueuedAt:   time.Now(),
	}
}

func TestEngineSingleInFlight(t *testing.T) {
	exec := &countingExecutor{delay: 10 * time.Millisecond}
	sink := newResultSink()
	engine, err := NewEngine(exec, sink.collect, 32)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	const n = 8
	for i := 0; i < n; i++ {
		if err := engine.Queue(action(byte(i + 1))); err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
	}
	sink.wait(t, n)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.maxSeen != 1 {
		t.Fatalf("concurrent executions: got %d want 1", exec.maxSeen)
	}
	if exec.executed != n {
		t.Fatalf("executions: got %d want %d", exec.executed, n)
	}
}

func TestEngineDuplicateEffectRejected(t *testing.T) {
	exec := &countingExecutor{delay: 50 * time.Millisecond}
	sink := newResultSink()
	engine, err := NewEngine(exec, sink.collect, 32)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	// Not running: the first action parks in the backlog, still pending.
	if err := engine.Queue(action(1)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := engine.Queue(action(1)); !stderrors.Is(err, ErrDuplicateEffect) {
		t.Fatalf("duplicate: got %v want %v", err, ErrDuplicateEffect)
	}
	if !engine.IsEffectPending(action(1).EffectID) {
		t.Fatal("queued effect not reported pending")
	}
}

func TestEngineQueueFull(t *testing.T) {
	sink := newResultSink()
	engine, err := NewEngine(&countingExecutor{}, sink.collect, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Queue(action(1)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := engine.Queue(action(2)); !stderrors.Is(err, ErrEngineQueueFull) {
		t.Fatalf("overflow: got %v want %v", err, ErrEngineQueueFull)
	}
	// The rejected action must not linger as pending.
	if engine.IsEffectPending(action(2).EffectID) {
		t.Fatal("rejected effect left pending")
	}
}

func TestEngineExecutorFailureProducesResult(t *testing.T) {
	exec := &countingExecutor{fail: true}
	sink := newResultSink()
	engine, err := NewEngine(exec, sink.collect, 8)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	if err := engine.Queue(action(1)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	results := sink.wait(t, 1)
	if results[0].Success {
		t.Fatal("failure must not be reported as success")
	}
	if results[0].ErrorMessage != "executor refused" {
		t.Fatalf("error message: got %q", results[0].ErrorMessage)
	}
	if engine.IsEffectPending(action(1).EffectID) {
		t.Fatal("completed effect still pending")
	}
}

func TestEngineNonErrorPanicStringified(t *testing.T) {
	exec := &countingExecutor{panicWith: 42}
	sink := newResultSink()
	engine, err := NewEngine(exec, sink.collect, 8)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	if err := engine.Queue(action(1)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	results := sink.wait(t, 1)
	if results[0].Success {
		t.Fatal("panic must not be reported as success")
	}
	if results[0].ErrorMessage != "42" {
		t.Fatalf("panic message: got %q want %q", results[0].ErrorMessage, "42")
	}
}

func TestEngineMalformedLogDeliversSentinelFailure(t *testing.T) {
	sink := newResultSink()
	engine, err := NewEngine(&countingExecutor{}, sink.collect, 8)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	bad := types.Log{Address: engineStrategy, Topics: []common.Hash{common.HexToHash("0xdead")}}
	if err := engine.QueueAction(bad); err == nil {
		t.Fatal("expected decode error")
	}
	results := sink.wait(t, 1)
	if results[0].Success {
		t.Fatal("decode failure reported as success")
	}
	if results[0].EffectID != (common.Hash{}) {
		t.Fatalf("sentinel effect id: got %s want zero", results[0].EffectID.Hex())
	}
}

func TestEngineQueueActionRoundTrip(t *testing.T) {
	sink := newResultSink()
	engine, err := NewEngine(&countingExecutor{}, sink.collect, 8)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Run(ctx)

	payload := action(9).Payload
	l, err := codec.EncodeActionRequestedLog(engineStrategy, schema.EffectLog, payload)
	if err != nil {
		t.Fatalf("encode log: %v", err)
	}
	if err := engine.QueueAction(l); err != nil {
		t.Fatalf("queue action: %v", err)
	}
	results := sink.wait(t, 1)
	if !results[0].Success {
		t.Fatalf("expected success, got %q", results[0].ErrorMessage)
	}
	if results[0].EffectID != action(9).EffectID {
		t.Fatalf("effect id mismatch: got %s want %s", results[0].EffectID.Hex(), action(9).EffectID.Hex())
	}
}

func TestMockExecutorResults(t *testing.T) {
	mock := NewMockExecutor(DefaultMockConfig())
	ctx := context.Background()

	swap := action(1)
	swap.ActionType = schema.EffectSwapQuote
	res, err := mock.Execute(ctx, swap)
	if err != nil {
		t.Fatalf("swap quote: %v", err)
	}
	if !res.Success || len(res.Data) == 0 {
		t.Fatalf("swap quote result: %+v", res)
	}

	balance := action(2)
	balance.ActionType = schema.EffectBalanceOf
	res, err = mock.Execute(ctx, balance)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if !res.Success || len(res.Data) == 0 {
		t.Fatalf("balance result: %+v", res)
	}

	unknown := action(3)
	unknown.ActionType = schema.EffectType(999)
	if _, err := mock.Execute(ctx, unknown); !stderrors.Is(err, ErrNoExecutor) {
		t.Fatalf("unknown type: got %v want %v", err, ErrNoExecutor)
	}
}

func TestRegistryFailsClosed(t *testing.T) {
	registry := NewRegistry()
	registry.Register(schema.EffectLog, LogExecutor{})
	unknown := action(1)
	unknown.ActionType = schema.EffectSwapQuote
	if _, err := registry.Execute(context.Background(), unknown); !stderrors.Is(err, ErrNoExecutor) {
		t.Fatalf("unregistered type: got %v want %v", err, ErrNoExecutor)
	}
}
