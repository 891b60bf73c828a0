// Package poller is the fallback consumer of the durable log. It feeds
// the execution engine when inline dispatch is unavailable, trading a
// bounded delivery delay for near-zero idle cost: the poll cadence runs
// hot while rows keep arriving and backs off exponentially when the log
// goes quiet, with a cheap file-modification probe that cuts a long
// sleep short the moment a writer touches the log.
package poller

import (
	"context"
	"fmt"
	"time"

	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/metrics"
)

// Config tunes the adaptive cadence.
type Config struct {
	HotInterval   time.Duration // between polls while rows arrive
	MaxInterval   time.Duration // backoff ceiling when idle
	ProbeInterval time.Duration // mod-marker check during backoff
}

func DefaultConfig() Config {
	return Config{
		HotInterval:   50 * time.Millisecond,
		MaxInterval:   2 * time.Second,
		ProbeInterval: 10 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.HotInterval <= 0 || c.MaxInterval < c.HotInterval || c.ProbeInterval <= 0 {
		return fmt.Errorf("poller: need 0 < hot_interval <= max_interval and probe_interval > 0")
	}
	return nil
}

// Source is the durable log surface the poller reads.
type Source interface {
	ReadAfter(lastID int64) ([]market.Alert, error)
	LastID() (int64, error)
	ModMarker() int64
	SaveLastSeenID(id int64) error
	LoadLastSeenID() (int64, error)
}

// Sink receives recovered alerts; satisfied by *engine.Engine.
type Sink interface {
	Deliver(a market.Alert)
}

// Poller tails the durable log and replays new alerts into the sink.
type Poller struct {
	cfg    Config
	src    Source
	sink   Sink
	logger *logger.Logger
}

func New(cfg Config, src Source, sink Sink, lg *logger.Logger) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Poller{cfg: cfg, src: src, sink: sink, logger: lg}, nil
}

// Run polls until ctx is cancelled. The resume point only advances after
// the sink accepts a row, and is persisted before the next poll, so a
// crash redelivers at most the rows of one batch; the engine's id check
// makes the redelivery harmless.
func (p *Poller) Run(ctx context.Context) error {
	lastSeen, err := p.src.LoadLastSeenID()
	if err != nil {
		return fmt.Errorf("load resume point: %w", err)
	}
	interval := p.cfg.HotInterval

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		alerts, err := p.src.ReadAfter(lastSeen)
		if err != nil {
			p.logger.LogError(err, map[string]interface{}{"action": "read_log"})
			if !p.sleep(ctx, p.cfg.HotInterval) {
				return ctx.Err()
			}
			continue
		}

		if len(alerts) > 0 {
			for _, a := range alerts {
				p.sink.Deliver(a)
				lastSeen = a.ID
			}
			if err := p.src.SaveLastSeenID(lastSeen); err != nil {
				p.logger.LogError(err, map[string]interface{}{"action": "save_resume_point"})
			}
			p.reportLag(lastSeen)
			interval = p.cfg.HotInterval
			metrics.PollerSleepSeconds.Set(interval.Seconds())
			if !p.sleep(ctx, interval) {
				return ctx.Err()
			}
			continue
		}

		p.reportLag(lastSeen)
		metrics.PollerSleepSeconds.Set(interval.Seconds())
		if !p.sleepWithProbe(ctx, interval) {
			return ctx.Err()
		}
		interval *= 2
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

// reportLag publishes how many log rows sit beyond the resume point.
func (p *Poller) reportLag(lastSeen int64) {
	head, err := p.src.LastID()
	if err != nil {
		return
	}
	lag := head - lastSeen
	if lag < 0 {
		lag = 0
	}
	metrics.PollerLag.Set(float64(lag))
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sleepWithProbe waits up to d but returns early when the log file's
// modification marker changes, so an idle poller still sees a new row
// within roughly one probe interval instead of the full backoff.
func (p *Poller) sleepWithProbe(ctx context.Context, d time.Duration) bool {
	start := p.src.ModMarker()
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if p.src.ModMarker() != start {
			return true
		}
		if !time.Now().Before(deadline) {
			return true
		}
	}
}
