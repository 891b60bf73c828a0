// trader runs the full pipeline in one process: feed -> detector ->
// dispatcher -> engine, with the durable log written alongside for audit
// and for standalone followers. The execution venue is the simulated
// broker; a live venue plugs in behind the same interface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/config"
	"imbalance-trader-go/dispatch"
	"imbalance-trader-go/engine"
	"imbalance-trader-go/feed"
	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/metrics"
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

	lastID, err := alog.LastID()
	if err != nil {
		lg.Fatal("read last alert id: " + err.Error())
	}
	seq := dispatch.NewSequence(lastID)

	kill := risk.NewKillSwitch(cfg.Governor.KillSwitchFile)
	gov := risk.NewGovernor(cfg.Governor, kill, nil, lg)

	model := sim.NewModel(cfg.Sim, nil)
	venue := sim.NewBroker(model)

	eng, err := engine.New(cfg.Engine.ToEngine(), venue, gov, alog, lg)
	if err != nil {
		lg.Fatal("init engine: " + err.Error())
	}

	disp := dispatch.New(dispatch.Config{InlineOnly: cfg.Dispatch.InlineOnly}, seq, eng, alog, lg)
	detector := market.NewDetector(cfg.Detector.ToDetector())

	feedClient := feed.NewClient(cfg.Feed.ToFeed(), func(snap market.BookSnapshot) {
		if draft := detector.Observe(snap); draft != nil {
			if _, err := disp.Dispatch(*draft); err != nil {
				lg.LogError(err, map[string]interface{}{
					"symbol": draft.Symbol, "action": "dispatch",
				})
			}
		}
	}, lg)

	fatal := make(chan error, 1)
	feedClient.SetFatalErrorHandler(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err := feedClient.Start(); err != nil {
		lg.Fatal("start feed: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher, err := config.NewWatcher(*cfgPath, 2*time.Second, lg)
	if err == nil {
		_ = watcher.Start(ctx, func(next config.AppConfig) {
			detector.UpdateConfig(next.Detector.ToDetector())
		})
		defer watcher.Close()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	lg.Info("trader started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		lg.Info("signal received: " + sig.String())
	case err := <-fatal:
		lg.LogError(err, map[string]interface{}{"action": "feed_fatal"})
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	feedClient.Stop()
	if err := eng.Close(); err != nil {
		lg.LogError(err, map[string]interface{}{"action": "engine_close"})
	}
	lg.Info("trader stopped")
}
