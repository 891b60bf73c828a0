package market

import (
	"sync"
	"time"
)

// DetectorConfig carries the imbalance tunables. Thresholds are inputs,
// not something this package prescribes values for.
type DetectorConfig struct {
	WindowSeconds        int
	RatioThreshold       float64 // heavy side volume / total volume
	HeavyVenueSize       int64
	MinHeavyVenues       int
	MaxRangeCents        float64
	MinImbalanceDuration time.Duration
	AlertThrottle        time.Duration
}

// windowState tracks one symbol's rolling view. Mutated only by the
// detector goroutine that owns the symbol.
type windowState struct {
	metrics   []timedMetrics
	direction Direction
	heldSince time.Time
	lastFired map[Direction]time.Time
}

type timedMetrics struct {
	m  BookMetrics
	ts time.Time
}

// Detector turns normalized snapshots into discrete alert drafts. The
// imbalance condition must hold continuously for MinImbalanceDuration
// before an alert fires; any breaking snapshot resets the clock.
type Detector struct {
	cfg  DetectorConfig
	norm Normalizer

	mu      sync.Mutex
	symbols map[string]*windowState
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg: cfg,
		norm: Normalizer{
			MaxRangeCents:  cfg.MaxRangeCents,
			HeavyVenueSize: cfg.HeavyVenueSize,
		},
		symbols: make(map[string]*windowState),
	}
}

// UpdateConfig swaps the tunables in place; hot reload path.
func (d *Detector) UpdateConfig(cfg DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.norm = Normalizer{MaxRangeCents: cfg.MaxRangeCents, HeavyVenueSize: cfg.HeavyVenueSize}
}

// Observe consumes one snapshot and returns a draft when the imbalance
// condition has held long enough and the symbol+direction is not throttled.
// At most one draft per call. Time is taken from the snapshot so replayed
// streams evaluate identically.
func (d *Detector) Observe(snap BookSnapshot) *AlertDraft {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.symbols[snap.Symbol]
	if !ok {
		st = &windowState{lastFired: make(map[Direction]time.Time)}
		d.symbols[snap.Symbol] = st
	}

	now := snap.Timestamp
	m := d.norm.Flatten(snap)
	st.append(m, now, time.Duration(d.cfg.WindowSeconds)*time.Second)

	dir := d.classify(m)
	if dir == "" {
		st.direction = ""
		st.heldSince = time.Time{}
		return nil
	}

	if st.direction != dir {
		// New or flipped condition: duration clock restarts.
		st.direction = dir
		st.heldSince = now
	}

	if now.Sub(st.heldSince) < d.cfg.MinImbalanceDuration {
		return nil
	}
	if last, ok := st.lastFired[dir]; ok && now.Sub(last) < d.cfg.AlertThrottle {
		return nil
	}

	st.lastFired[dir] = now
	heavy := m.BidHeavyVenues
	if dir == DirectionSellHeavy {
		heavy = m.AskHeavyVenues
	}
	bids, asks := st.totals()
	return &AlertDraft{
		Symbol:          snap.Symbol,
		Direction:       dir,
		Price:           m.Mid(),
		BidTotal:        bids,
		AskTotal:        asks,
		HeavyVenueCount: heavy,
		CreatedAt:       now,
	}
}

// classify applies the instantaneous gates: one-sided volume ratio, heavy
// venue minimum, and the symbol-level quoted range band.
func (d *Detector) classify(m BookMetrics) Direction {
	total := m.TotalBids + m.TotalAsks
	if total == 0 {
		return ""
	}
	if m.BestBid > 0 && m.BestAsk > 0 && d.cfg.MaxRangeCents > 0 {
		if (m.BestAsk-m.BestBid)*100 > d.cfg.MaxRangeCents {
			return ""
		}
	}

	bidRatio := float64(m.TotalBids) / float64(total)
	askRatio := float64(m.TotalAsks) / float64(total)

	if bidRatio > d.cfg.RatioThreshold && m.BidHeavyVenues >= d.cfg.MinHeavyVenues {
		return DirectionBuyHeavy
	}
	if askRatio > d.cfg.RatioThreshold && m.AskHeavyVenues >= d.cfg.MinHeavyVenues {
		return DirectionSellHeavy
	}
	return ""
}

// HeldFor reports how long the symbol's current condition has been
// continuously true. Exposed for dashboards.
func (d *Detector) HeldFor(symbol string, now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.symbols[symbol]
	if !ok || st.direction == "" {
		return 0
	}
	return now.Sub(st.heldSince)
}

// totals sums both sides over the retained window; the alert reports
// window volume, not the single snapshot that tripped the threshold.
func (st *windowState) totals() (bids, asks int64) {
	for _, tm := range st.metrics {
		bids += tm.m.TotalBids
		asks += tm.m.TotalAsks
	}
	return bids, asks
}

func (st *windowState) append(m BookMetrics, ts time.Time, window time.Duration) {
	st.metrics = append(st.metrics, timedMetrics{m: m, ts: ts})
	cutoff := ts.Add(-window)
	i := 0
	for ; i < len(st.metrics); i++ {
		if st.metrics[i].ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		st.metrics = st.metrics[i:]
	}
}
