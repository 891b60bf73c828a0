// follower consumes the durable log standalone: it polls for alerts the
// trader appended and executes them through its own engine. Run it when
// inline dispatch is disabled or execution lives in a separate process.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/config"
	"imbalance-trader-go/engine"
	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/metrics"
	"imbalance-trader-go/poller"
	"imbalance-trader-go/risk"
	"imbalance-trader-go/sim"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Close()

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr)
	}

	alog, err := alertlog.Open(cfg.DBPath)
	if err != nil {
		lg.Fatal("open durable log: " + err.Error())
	}
	defer alog.Close()

	kill := risk.NewKillSwitch(cfg.Governor.KillSwitchFile)
	gov := risk.NewGovernor(cfg.Governor, kill, nil, lg)

	model := sim.NewModel(cfg.Sim, nil)
	venue := sim.NewBroker(model)

	eng, err := engine.New(cfg.Engine.ToEngine(), venue, gov, alog, lg)
	if err != nil {
		lg.Fatal("init engine: " + err.Error())
	}

	p, err := poller.New(cfg.Poller.ToPoller(), alog, eng, lg)
	if err != nil {
		lg.Fatal("init poller: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info("signal received: " + sig.String())
		cancel()
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	lg.Info("follower started")

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.LogError(err, map[string]interface{}{"action": "poller_run"})
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := eng.Close(); err != nil {
		lg.LogError(err, map[string]interface{}{"action": "engine_close"})
	}
	lg.Info("follower stopped")
}
