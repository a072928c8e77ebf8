package main

import (
	"context"
	"flag"
	"log"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/bus"
	"main/internal/effects"
	"main/internal/ops"
	"main/internal/schema"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	workers := flag.Int("workers", 0, "Worker count override (0=use config)")
	flag.Parse()

	if err := run(*configPath, *workers); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run(configPath string, workers int) error {
	cfg, err := ops.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if cfg.Broker.InMemory {
		return errors.New("worker requires an amqp broker, in-memory is single-process only")
	}
	if workers <= 0 {
		workers = cfg.Engine.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := bus.DialAMQP(cfg.Broker.URL, cfg.Topology)
	if err != nil {
		return errors.Wrap(err, "dial amqp")
	}
	defer broker.Close()
	if err := broker.Setup(ctx); err != nil {
		return errors.Wrap(err, "broker setup")
	}

	registry := effects.NewRegistry()
	registry.Register(schema.EffectLog, effects.LogExecutor{})
	mock := effects.NewMockExecutor(cfg.Mock)
	registry.Register(schema.EffectSwapQuote, mock)
	registry.Register(schema.EffectBalanceOf, mock)

	pool := effects.NewPool(broker, cfg.Topology, registry, workers)
	if err := pool.Run(ctx); err != nil {
		return errors.Wrap(err, "pool run")
	}
	logs.Infof("effect worker up: %d workers on queue %s", workers, cfg.Topology.EffectsPendingQueue)

	<-sys.Shutdown()
	logs.Info("shutting down")
	cancel()

	for _, ws := range pool.Stats() {
		logs.Infof("worker %s: processed=%d failed=%d", ws.ID, ws.Processed, ws.Failed)
	}
	processed, failed := pool.Totals()
	logs.Infof("totals: processed=%d failed=%d", processed, failed)
	return nil
}
