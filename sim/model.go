// Package sim is a probabilistic stand-in for a real execution venue. It
// reproduces the latency, slippage, and fill behavior the engine sees
// live, from an injectable random source so a fixed seed replays the
// exact same sequence of outcomes.
package sim

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"imbalance-trader-go/order"
)

// Config tunes the market model.
type Config struct {
	LatencyMeanMs      float64 `yaml:"latency_mean_ms"`
	LatencyStddevMs    float64 `yaml:"latency_stddev_ms"`
	SlippageMinBps     float64 `yaml:"slippage_min_bps"`
	SlippageMaxBps     float64 `yaml:"slippage_max_bps"`
	BaseFillProb       float64 `yaml:"base_fill_prob"`
	TypicalVolume      float64 `yaml:"typical_volume"`
	VolumeImpactFactor float64 `yaml:"volume_impact_factor"`
	RejectProb         float64 `yaml:"reject_prob"`
	Seed               int64   `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		LatencyMeanMs:      45,
		LatencyStddevMs:    20,
		SlippageMinBps:     0,
		SlippageMaxBps:     8,
		BaseFillProb:       0.85,
		TypicalVolume:      5000,
		VolumeImpactFactor: 1.0,
		Seed:               1,
	}
}

func (c Config) Validate() error {
	if c.LatencyMeanMs < 0 || c.LatencyStddevMs < 0 {
		return fmt.Errorf("sim: latency parameters must be non-negative")
	}
	if c.SlippageMaxBps < c.SlippageMinBps {
		return fmt.Errorf("sim: slippage_max_bps %v below slippage_min_bps %v", c.SlippageMaxBps, c.SlippageMinBps)
	}
	if c.BaseFillProb < 0 || c.BaseFillProb > 1 {
		return fmt.Errorf("sim: base_fill_prob %v outside [0,1]", c.BaseFillProb)
	}
	if c.TypicalVolume <= 0 {
		return fmt.Errorf("sim: typical_volume must be positive")
	}
	if c.RejectProb < 0 || c.RejectProb > 1 {
		return fmt.Errorf("sim: reject_prob %v outside [0,1]", c.RejectProb)
	}
	return nil
}

// Model samples latency, slippage, and fill outcomes. Not safe for
// concurrent use; the simulated broker serializes access.
type Model struct {
	cfg   Config
	rng   *rand.Rand
	sleep func(time.Duration)
}

// NewModel builds a model seeded from cfg.Seed. Pass a non-nil sleep to
// replace real waiting in tests.
func NewModel(cfg Config, sleep func(time.Duration)) *Model {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Model{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		sleep: sleep,
	}
}

// Latency samples the acknowledgment delay: truncated normal, never
// negative.
func (m *Model) Latency() time.Duration {
	ms := m.rng.NormFloat64()*m.cfg.LatencyStddevMs + m.cfg.LatencyMeanMs
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// SlippageBps samples uniform slippage within the configured band.
func (m *Model) SlippageBps() float64 {
	return m.cfg.SlippageMinBps + m.rng.Float64()*(m.cfg.SlippageMaxBps-m.cfg.SlippageMinBps)
}

// FillPrice applies slippage to refPrice in the adverse direction for
// the side: buys and covers pay up, sells and shorts receive less.
func (m *Model) FillPrice(side order.Side, refPrice float64) (price, slippageBps float64) {
	bps := m.SlippageBps()
	adj := refPrice * bps / 10000
	switch side {
	case order.SideBuy, order.SideCover:
		return refPrice + adj, bps
	default:
		return refPrice - adj, bps
	}
}

// LimitFillProb estimates the chance a resting limit order fills, given
// how far the limit sits from the market (positive = through the
// market), the order size, and how long it has been working.
//
// Three factors blend: size impact decays the base probability
// exponentially against typical volume; price aggression follows a tanh
// curve saturating around 15 bps; and time-in-book ramps toward 1 with a
// 5 second constant.
func (m *Model) LimitFillProb(bpsDistance, size, elapsedSec float64) float64 {
	volPenalty := math.Exp(-m.cfg.VolumeImpactFactor * size / m.cfg.TypicalVolume)
	priceFactor := 0.5 + math.Tanh(bpsDistance/15)/2
	timeFactor := 1 - math.Exp(-elapsedSec/5)
	p := m.cfg.BaseFillProb*volPenalty*0.6 + priceFactor*0.3 + timeFactor*0.1
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Rejects samples whether the venue rejects a submission outright.
func (m *Model) Rejects() bool {
	return m.cfg.RejectProb > 0 && m.rng.Float64() < m.cfg.RejectProb
}

// Roll samples a uniform [0,1) variate; used for fill decisions.
func (m *Model) Roll() float64 { return m.rng.Float64() }

// Wait blocks for d through the injected sleep function.
func (m *Model) Wait(d time.Duration) { m.sleep(d) }
