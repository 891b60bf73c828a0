package market_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbalance-trader-go/market"
)

func detectorConfig() market.DetectorConfig {
	return market.DetectorConfig{
		WindowSeconds:        30,
		RatioThreshold:       0.65,
		HeavyVenueSize:       1000,
		MinHeavyVenues:       2,
		MaxRangeCents:        5,
		MinImbalanceDuration: 5 * time.Second,
		AlertThrottle:        60 * time.Second,
	}
}

// bidHeavySnap builds a snapshot with roughly 3:1 bid volume across
// three venues, two of which are heavy.
func bidHeavySnap(symbol string, ts time.Time) market.BookSnapshot {
	return market.BookSnapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.99, BidSize: 3000, AskPrice: 100.01, AskSize: 900},
			{Venue: "V2", BidPrice: 99.98, BidSize: 2800, AskPrice: 100.02, AskSize: 800},
			{Venue: "V3", BidPrice: 99.99, BidSize: 500, AskPrice: 100.01, AskSize: 400},
		},
	}
}

func balancedSnap(symbol string, ts time.Time) market.BookSnapshot {
	return market.BookSnapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.99, BidSize: 1000, AskPrice: 100.01, AskSize: 1000},
			{Venue: "V2", BidPrice: 99.98, BidSize: 900, AskPrice: 100.02, AskSize: 950},
		},
	}
}

// The condition holds for 6s with a 5s minimum: exactly one alert fires
// at t=5s and the throttle suppresses everything after, even though the
// condition persists to t=10s.
func TestDetectorFiresOnceAfterMinDuration(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	start := time.Now()

	var fired []time.Duration
	for i := 0; i <= 100; i++ { // 10s at 100ms cadence
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if draft := d.Observe(bidHeavySnap("TST", ts)); draft != nil {
			fired = append(fired, ts.Sub(start))
			assert.Equal(t, market.DirectionBuyHeavy, draft.Direction)
			assert.Equal(t, "TST", draft.Symbol)
			assert.Greater(t, draft.Price, 0.0)
		}
	}

	require.Len(t, fired, 1)
	assert.InDelta(t, 5.0, fired[0].Seconds(), 0.15)
}

// A breaking snapshot resets the duration clock: 4s held, 1 balanced
// tick, then 4s more never fires.
func TestDetectorResetOnBreak(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	start := time.Now()

	for i := 0; i < 40; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		require.Nil(t, d.Observe(bidHeavySnap("TST", ts)))
	}
	require.Nil(t, d.Observe(balancedSnap("TST", start.Add(4*time.Second))))
	for i := 41; i < 81; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.Nil(t, d.Observe(bidHeavySnap("TST", ts)))
	}
}

// A direction flip restarts the clock rather than inheriting the prior
// side's held duration.
func TestDetectorFlipRestartsClock(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	start := time.Now()

	askHeavy := func(ts time.Time) market.BookSnapshot {
		s := bidHeavySnap("TST", ts)
		for i := range s.Venues {
			s.Venues[i].BidSize, s.Venues[i].AskSize = s.Venues[i].AskSize, s.Venues[i].BidSize
		}
		return s
	}

	for i := 0; i < 45; i++ {
		d.Observe(bidHeavySnap("TST", start.Add(time.Duration(i)*100*time.Millisecond)))
	}
	// flip at 4.5s; sell-heavy must hold its own 5s
	var draft *market.AlertDraft
	var firedAt time.Duration
	for i := 45; i <= 120; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if a := d.Observe(askHeavy(ts)); a != nil && draft == nil {
			draft = a
			firedAt = ts.Sub(start)
		}
	}
	require.NotNil(t, draft)
	assert.Equal(t, market.DirectionSellHeavy, draft.Direction)
	assert.InDelta(t, 9.5, firedAt.Seconds(), 0.15)
}

// Throttling is per direction: a sell-heavy alert can fire while the
// buy-heavy direction is still throttled.
func TestDetectorThrottlePerDirection(t *testing.T) {
	cfg := detectorConfig()
	cfg.MinImbalanceDuration = 0
	cfg.AlertThrottle = time.Hour
	d := market.NewDetector(cfg)
	start := time.Now()

	require.NotNil(t, d.Observe(bidHeavySnap("TST", start)))
	require.Nil(t, d.Observe(bidHeavySnap("TST", start.Add(time.Second))), "same direction throttled")

	flip := bidHeavySnap("TST", start.Add(2*time.Second))
	for i := range flip.Venues {
		flip.Venues[i].BidSize, flip.Venues[i].AskSize = flip.Venues[i].AskSize, flip.Venues[i].BidSize
	}
	got := d.Observe(flip)
	require.NotNil(t, got)
	assert.Equal(t, market.DirectionSellHeavy, got.Direction)
}

func TestDetectorHeavyVenueGate(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	ts := time.Now()

	// volume is lopsided but only one venue is heavy
	snap := market.BookSnapshot{
		Symbol:    "TST",
		Timestamp: ts,
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.99, BidSize: 5000, AskPrice: 100.01, AskSize: 500},
			{Venue: "V2", BidPrice: 99.98, BidSize: 200, AskPrice: 100.02, AskSize: 150},
		},
	}
	assert.Nil(t, d.Observe(snap))
	assert.Equal(t, time.Duration(0), d.HeldFor("TST", ts))
}

func TestDetectorWideRangeExcluded(t *testing.T) {
	cfg := detectorConfig()
	cfg.MinImbalanceDuration = 0
	d := market.NewDetector(cfg)
	ts := time.Now()

	// both venues quote a 20 cent range: dropped, so nothing fires
	snap := market.BookSnapshot{
		Symbol:    "TST",
		Timestamp: ts,
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.90, BidSize: 3000, AskPrice: 100.10, AskSize: 500},
			{Venue: "V2", BidPrice: 99.90, BidSize: 2800, AskPrice: 100.10, AskSize: 400},
		},
	}
	assert.Nil(t, d.Observe(snap))
}

// The draft's volume totals cover every snapshot retained in the window,
// not just the one that tripped the threshold.
func TestDetectorAlertTotalsAggregateWindow(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	start := time.Now()

	var draft *market.AlertDraft
	for i := 0; i <= 3 && draft == nil; i++ {
		// four snapshots at 0s, 2.5s, 5s, 7.5s; fires at 5s
		ts := start.Add(time.Duration(i) * 2500 * time.Millisecond)
		draft = d.Observe(bidHeavySnap("TST", ts))
	}
	require.NotNil(t, draft)

	// per snapshot: bids 3000+2800+500, asks 900+800+400; three observed
	assert.Equal(t, int64(3*6300), draft.BidTotal)
	assert.Equal(t, int64(3*2100), draft.AskTotal)
}

func TestDetectorUpdateConfig(t *testing.T) {
	d := market.NewDetector(detectorConfig())
	start := time.Now()

	cfg := detectorConfig()
	cfg.MinImbalanceDuration = 0
	cfg.AlertThrottle = 0
	d.UpdateConfig(cfg)

	assert.NotNil(t, d.Observe(bidHeavySnap("TST", start)))
	assert.NotNil(t, d.Observe(bidHeavySnap("TST", start.Add(100*time.Millisecond))))
}
