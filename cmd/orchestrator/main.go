package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/bus"
	"main/internal/chain"
	"main/internal/codec"
	"main/internal/effects"
	"main/internal/funding"
	"main/internal/loop"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/schema"
	"main/internal/subs"
	"main/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	pyroscopeAddr := flag.String("pyroscope-addr", "", "Pyroscope server address (empty=disabled)")
	metricsInterval := flag.Duration("metrics-interval", time.Minute, "Metrics snapshot log interval (0=disable)")
	flag.Parse()

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "strategy/orchestrator",
			ServerAddress:   *pyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if err := run(*configPath, *metricsInterval); err != nil {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func run(configPath string, metricsInterval time.Duration) error {
	cfg, err := ops.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return errors.Wrap(err, "dial rpc")
	}
	defer client.Close()

	signer, err := chain.NewKeySigner(cfg.Chain.OperatorKey, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return errors.Wrap(err, "operator key")
	}

	broker, err := openBroker(cfg)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := broker.Setup(ctx); err != nil {
		return errors.Wrap(err, "broker setup")
	}

	txq := chain.NewPipelinedQueue(client, signer, chain.QueueConfig{
		ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		ReceiptPoll:    cfg.Chain.ReceiptPoll,
	})
	metrics := obs.NewMetrics()

	registry := effects.NewRegistry()
	registry.Register(schema.EffectLog, effects.LogExecutor{})
	mock := effects.NewMockExecutor(cfg.Mock)
	registry.Register(schema.EffectSwapQuote, mock)
	registry.Register(schema.EffectBalanceOf, mock)

	engine, err := effects.NewEngine(registry, func(result schema.EffectResult) {
		body, err := json.Marshal(result)
		if err != nil {
			logs.Errorf("marshal effect result %s: %v", result.EffectID.Hex(), err)
			return
		}
		if err := broker.Publish(ctx, cfg.Topology.ResultsExchange, cfg.Topology.ResultsKey(result.Strategy), body); err != nil {
			logs.Errorf("publish effect result %s: %v", result.EffectID.Hex(), err)
		}
	}, cfg.Engine.QueueCapacity)
	if err != nil {
		return errors.Wrap(err, "effect engine")
	}
	engine.Run(ctx)

	subStore, err := openSubStore(cfg)
	if err != nil {
		return err
	}
	subManager := subs.NewManager(subStore, subs.Hooks{
		OnSubscriptionAdded: func(hctx context.Context, sub schema.Subscription) error {
			metrics.IncSubAdded()
			if key, ok := subscriptionRoutingKey(sub); ok {
				return broker.BindStrategyEvents(hctx, sub.Strategy, key)
			}
			return nil
		},
		OnSubscriptionRemoved: func(hctx context.Context, sub schema.Subscription) error {
			metrics.IncSubRemoved()
			if key, ok := subscriptionRoutingKey(sub); ok {
				return broker.UnbindStrategyEvents(hctx, sub.Strategy, key)
			}
			return nil
		},
	})

	fundingManager, err := funding.NewManager(
		funding.NewMemoryBalanceStore(),
		funding.NewChainReader(client),
		funding.NewQueueWithdrawExecutor(txq, cfg.Chain.GasLimit),
		funding.Callbacks{
			OnFundingComplete: func(hctx context.Context, strategy common.Address, requestID string, success bool, txHash common.Hash, errMessage string) error {
				return publishFundingComplete(hctx, broker, cfg.Topology, strategy, requestID, success, txHash, errMessage)
			},
		},
	)
	if err != nil {
		return errors.Wrap(err, "funding manager")
	}

	orch := &orchestrator{
		cfg:     cfg,
		broker:  broker,
		engine:  engine,
		subs:    subManager,
		funding: fundingManager,
		metrics: metrics,
		loops:   make(map[common.Address]*loop.Loop, len(cfg.Strategies)),
	}

	loopCfg := loop.Config{MaxIterations: cfg.Loop.MaxIterations, GasLimit: cfg.Chain.GasLimit}
	var wg sync.WaitGroup
	for _, strategy := range cfg.Strategies {
		if err := broker.ActivateStrategy(ctx, strategy); err != nil {
			return errors.Wrap(err, "activate "+strategy.Hex())
		}
		runner, err := orch.newRunner(ctx, strategy, registry)
		if err != nil {
			return err
		}
		orch.loops[strategy] = loop.New(client, txq, runner, signer.Address(), strategy, loopCfg, metrics)

		deliveries, err := broker.Consume(ctx, cfg.Topology.StrategyEventsQueue(strategy))
		if err != nil {
			return errors.Wrap(err, "consume "+strategy.Hex())
		}
		wg.Add(1)
		go func(strategy common.Address, deliveries <-chan bus.Delivery) {
			defer wg.Done()
			orch.consume(ctx, strategy, deliveries)
		}(strategy, deliveries)
		logs.Infof("strategy %s activated", strategy.Hex())
	}

	if metricsInterval > 0 {
		go orch.reportMetrics(ctx, metricsInterval)
	}

	logs.Infof("orchestrator up: %d strategies, operator %s", len(cfg.Strategies), signer.Address().Hex())
	<-sys.Shutdown()
	logs.Info("shutting down")
	cancel()
	wg.Wait()
	logSnapshot(metrics.Snapshot())
	return nil
}

type orchestrator struct {
	cfg     ops.Loaded
	broker  bus.Broker
	engine  *effects.Engine
	subs    *subs.Manager
	funding *funding.Manager
	metrics *obs.Metrics
	loops   map[common.Address]*loop.Loop
}

func (o *orchestrator) newRunner(ctx context.Context, strategy common.Address, registry *effects.Registry) (loop.EffectRunner, error) {
	if !o.cfg.Loop.Pooled {
		return loop.NewInlineRunner(registry), nil
	}
	runner, err := loop.NewPooledRunner(ctx, o.broker, o.cfg.Topology, strategy, o.cfg.Loop.EffectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "pooled runner "+strategy.Hex())
	}
	return runner, nil
}

// consume drains one strategy's event queue and routes each delivery by
// routing key class.
func (o *orchestrator) consume(ctx context.Context, strategy common.Address, deliveries <-chan bus.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			o.dispatch(ctx, strategy, d)
		}
	}
}

func (o *orchestrator) dispatch(ctx context.Context, strategy common.Address, d bus.Delivery) {
	switch {
	case strings.HasPrefix(d.RoutingKey, "lifecycle."):
		ev, err := codec.DecodeStepEvent(d.Body)
		if err != nil {
			logs.Errorf("decode step event for %s: %v", strategy.Hex(), err)
			return
		}
		o.step(ctx, strategy, ev)
	case strings.HasPrefix(d.RoutingKey, "ohlc."):
		o.step(ctx, strategy, schema.StepEvent{
			EventType:    schema.EventOHLCUpdate,
			EventVersion: schema.EnvelopeVersion,
			Payload:      d.Body,
		})
	case strings.HasPrefix(d.RoutingKey, "action."):
		l, err := decodeLog(d.Body)
		if err != nil {
			logs.Errorf("decode action log for %s: %v", strategy.Hex(), err)
			return
		}
		if codec.IsSubscriptionLog(l) {
			if err := o.subs.ProcessLogs(ctx, strategy, []types.Log{l}); err != nil {
				logs.Errorf("subscription update for %s: %v", strategy.Hex(), err)
			}
			return
		}
		if err := o.engine.QueueAction(l); err != nil {
			logs.Errorf("queue action for %s: %v", strategy.Hex(), err)
		}
	case strings.HasPrefix(d.RoutingKey, "funding."):
		l, err := decodeLog(d.Body)
		if err != nil {
			logs.Errorf("decode funding log for %s: %v", strategy.Hex(), err)
			return
		}
		o.metrics.IncFundingEvent()
		if err := o.funding.ProcessLog(ctx, l); err != nil {
			logs.Errorf("funding event for %s: %v", strategy.Hex(), err)
		}
	default:
		logs.Warnf("unroutable delivery for %s: key %s", strategy.Hex(), d.RoutingKey)
	}
}

func (o *orchestrator) step(ctx context.Context, strategy common.Address, ev schema.StepEvent) {
	l, ok := o.loops[strategy]
	if !ok {
		logs.Warnf("step event for inactive strategy %s", strategy.Hex())
		return
	}
	summary, err := l.Execute(ctx, ev)
	if err != nil {
		logs.Errorf("loop for %s stopped in %s after %d iterations: %v",
			strategy.Hex(), summary.State, summary.Iterations, err)
		return
	}
	logs.Infof("loop for %s committed tx %s after %d effects",
		strategy.Hex(), summary.CommitTx.TxHash.Hex(), summary.EffectsExecuted)
}

func (o *orchestrator) reportMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logSnapshot(o.metrics.Snapshot())
		}
	}
}

func logSnapshot(s obs.Snapshot) {
	logs.Infof("effects=%d/%d tx=%d(pending %d) loop iter=%d commit=%d fail=%d subs=+%d/-%d funding=%d",
		s.EffectsProcessed, s.EffectsFailed, s.TxEnqueued, s.TxPending,
		s.LoopIterations, s.LoopCommits, s.LoopFailures,
		s.SubsAdded, s.SubsRemoved, s.FundingEvents)
}

func openBroker(cfg ops.Loaded) (bus.Broker, error) {
	if cfg.Broker.InMemory {
		return bus.NewMemoryBroker(cfg.Topology, cfg.Broker.QueueCap), nil
	}
	broker, err := bus.DialAMQP(cfg.Broker.URL, cfg.Topology)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	return broker, nil
}

func openSubStore(cfg ops.Loaded) (subs.Store, error) {
	if !cfg.Postgres.Enabled {
		return subs.NewMemoryStore(), nil
	}
	client, err := conn.New(conn.Option{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if err != nil {
		return nil, errors.Wrap(err, "postgres connect")
	}
	store, err := subs.NewPGStore(client)
	if err != nil {
		return nil, errors.Wrap(err, "postgres store")
	}
	return store, nil
}

// subscriptionRoutingKey maps a subscription onto the events-exchange
// routing key it should receive. OHLC payloads carry "SYMBOL.timeframe".
func subscriptionRoutingKey(sub schema.Subscription) (string, bool) {
	if sub.Type != schema.SubOHLC {
		return "", false
	}
	symbol, timeframe, ok := strings.Cut(string(sub.Payload), ".")
	if !ok {
		return "", false
	}
	return bus.OHLCKey(symbol, timeframe), true
}

type fundingComplete struct {
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	TxHash    common.Hash `json:"txHash"`
	Error     string      `json:"error,omitempty"`
}

// publishFundingComplete feeds the outcome back through the lifecycle
// channel so the strategy observes it as a normal step event.
func publishFundingComplete(ctx context.Context, broker bus.Broker, topo bus.Topology, strategy common.Address, requestID string, success bool, txHash common.Hash, errMessage string) error {
	payload, err := json.Marshal(fundingComplete{
		RequestID: requestID,
		Success:   success,
		TxHash:    txHash,
		Error:     errMessage,
	})
	if err != nil {
		return errors.Wrap(err, "marshal funding completion")
	}
	body, err := codec.EncodeStepEvent(schema.StepEvent{
		EventType:    schema.EventEffectResult,
		EventVersion: schema.EnvelopeVersion,
		Payload:      payload,
	})
	if err != nil {
		return errors.Wrap(err, "encode funding completion")
	}
	return broker.Publish(ctx, topo.EventsExchange, bus.LifecycleKey(strategy), body)
}

func decodeLog(body []byte) (types.Log, error) {
	var l types.Log
	if err := json.Unmarshal(body, &l); err != nil {
		return types.Log{}, errors.Wrap(err, "unmarshal log")
	}
	return l, nil
}
