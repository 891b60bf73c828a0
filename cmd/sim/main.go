// sim replays a scripted order-book scenario through the whole pipeline
// against the simulated venue. Identical seeds reproduce identical runs,
// which makes it the offline regression harness for detector timing and
// execution behavior.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/config"
	"imbalance-trader-go/dispatch"
	"imbalance-trader-go/engine"
	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/risk"
	"imbalance-trader-go/sim"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	symbol := flag.String("symbol", "TST", "scenario symbol")
	seed := flag.Int64("seed", 1, "random seed for the market model")
	seconds := flag.Int("seconds", 10, "scenario length in seconds")
	dbPath := flag.String("db", "", "scenario database path (default: temp file)")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Sim.Seed = *seed

	lg := logger.NewNop()

	path := *dbPath
	if path == "" {
		f, err := os.CreateTemp("", "scenario-*.db")
		if err != nil {
			log.Fatalf("temp db: %v", err)
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
	}
	alog, err := alertlog.Open(path)
	if err != nil {
		log.Fatalf("open log: %v", err)
	}
	defer alog.Close()

	model := sim.NewModel(cfg.Sim, func(time.Duration) {}) // no real waiting
	venue := sim.NewBroker(model)

	gov := risk.NewGovernor(cfg.Governor, risk.NewKillSwitch(""), nil, lg)
	engCfg := cfg.Engine.ToEngine()
	engCfg.FillPollInterval = time.Millisecond
	engCfg.FillTimeout = 50 * time.Millisecond
	eng, err := engine.New(engCfg, venue, gov, alog, lg)
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}

	seq := dispatch.NewSequence(0)
	disp := dispatch.New(dispatch.Config{}, seq, eng, alog, lg)
	detector := market.NewDetector(cfg.Detector.ToDetector())

	// One snapshot per 100ms: bid side three times the ask side across
	// three venues, which holds the imbalance continuously.
	start := time.Now()
	var alertIDs []int64
	for i := 0; i < *seconds*10; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		snap := market.BookSnapshot{
			Symbol:    *symbol,
			Timestamp: ts,
			Venues: []market.VenueQuote{
				{Venue: "V1", BidPrice: 99.99, BidSize: 3000, AskPrice: 100.01, AskSize: 900},
				{Venue: "V2", BidPrice: 99.98, BidSize: 2800, AskPrice: 100.02, AskSize: 800},
				{Venue: "V3", BidPrice: 99.99, BidSize: 2500, AskPrice: 100.01, AskSize: 700},
			},
		}
		if draft := detector.Observe(snap); draft != nil {
			id, err := disp.Dispatch(*draft)
			if err != nil {
				log.Fatalf("dispatch: %v", err)
			}
			alertIDs = append(alertIDs, id)
			fmt.Printf("alert %d: %s %s at t=%.1fs\n", id, draft.Symbol, draft.Direction, ts.Sub(start).Seconds())
		}
	}

	// let the workers finish before reporting
	time.Sleep(500 * time.Millisecond)
	if err := eng.Close(); err != nil {
		log.Fatalf("engine close: %v", err)
	}

	for _, id := range alertIDs {
		records, err := alog.OrdersForAlert(id)
		if err != nil {
			log.Fatalf("read orders: %v", err)
		}
		for _, r := range records {
			fmt.Printf("  order %s: %s %s qty=%.0f type=%s status=%s slippage=%.2fbps\n",
				r.OrderID, r.Side, r.Symbol, r.Quantity, r.Type, r.Status, r.SlippageBps)
		}
	}
	for sym, p := range eng.Positions().Snapshot() {
		fmt.Printf("position %s: %+.0f @ %.4f\n", sym, p.Quantity, p.AvgCost)
	}
}
