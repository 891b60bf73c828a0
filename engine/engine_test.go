package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/broker"
	"imbalance-trader-go/engine"
	"imbalance-trader-go/market"
	"imbalance-trader-go/order"
	"imbalance-trader-go/risk"
)

// fakeBroker scripts venue behavior per test. Limit orders fill, stay
// pending, or reject according to the flags; market orders always fill
// at the reference price.
type fakeBroker struct {
	mu            sync.Mutex
	rejectLimits  bool
	neverFill     bool
	marketPending bool // market submits report PENDING; the fill waits for a poll
	seq           int
	submitted     []string // "LIMIT BUY" etc., in submission order
	cancelled     int
	pending       map[string]broker.PollResult
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{pending: make(map[string]broker.PollResult)}
}

func (f *fakeBroker) SubmitLimit(ctx context.Context, symbol string, side order.Side, qty float64, limitPrice, refPrice float64) (broker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectLimits {
		return broker.Handle{}, &broker.RejectionError{Reason: "scripted rejection"}
	}
	f.seq++
	id := fmt.Sprintf("lmt-%d", f.seq)
	f.submitted = append(f.submitted, "LIMIT "+string(side))
	if f.neverFill {
		f.pending[id] = broker.PollResult{Status: order.StatusPending}
	} else {
		f.pending[id] = broker.PollResult{
			Status: order.StatusFilled, FilledQty: qty,
			AvgPrice: limitPrice, FillTime: time.Now(),
		}
	}
	return broker.Handle{OrderID: id, Symbol: symbol, Side: side, Type: order.TypeLimit}, nil
}

func (f *fakeBroker) SubmitMarket(ctx context.Context, symbol string, side order.Side, qty float64, refPrice float64) (broker.Handle, broker.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.submitted = append(f.submitted, "MARKET "+string(side))
	id := fmt.Sprintf("mkt-%d", f.seq)
	res := broker.PollResult{
		Status: order.StatusFilled, FilledQty: qty,
		AvgPrice: refPrice, FillTime: time.Now(),
	}
	if f.marketPending {
		f.pending[id] = res
		res = broker.PollResult{Status: order.StatusPending}
	}
	return broker.Handle{OrderID: id, Symbol: symbol, Side: side, Type: order.TypeMarket}, res, nil
}

func (f *fakeBroker) PollStatus(ctx context.Context, h broker.Handle) (broker.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[h.OrderID], nil
}

func (f *fakeBroker) Cancel(ctx context.Context, h broker.Handle) (broker.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	res := f.pending[h.OrderID]
	if res.Status == order.StatusPending {
		res = broker.PollResult{Status: order.StatusCancelled}
		f.pending[h.OrderID] = res
	}
	return res, nil
}

func (f *fakeBroker) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeBroker) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func testEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.QuantityPerTrade = 100
	cfg.FillPollInterval = time.Millisecond
	cfg.FillTimeout = 20 * time.Millisecond
	return cfg
}

func openStore(t *testing.T) *alertlog.Log {
	t.Helper()
	l, err := alertlog.Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func alert(id int64, symbol string, dir market.Direction) market.Alert {
	return market.Alert{
		ID: id,
		AlertDraft: market.AlertDraft{
			Symbol: symbol, Direction: dir, Price: 100.0,
			BidTotal: 6000, AskTotal: 2000, CreatedAt: time.Now(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEngineBuyHeavyOpensLong(t *testing.T) {
	fb := newFakeBroker()
	store := openStore(t)
	eng, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	records, err := store.OrdersForAlert(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, order.SideBuy, records[0].Side)
	assert.Equal(t, order.TypeLimit, records[0].Type)
	assert.Equal(t, order.StatusFilled, records[0].Status)
	assert.Greater(t, records[0].LimitPrice, 100.0, "buy limit is padded up")
}

// A reversed alert on an open short covers first, then buys: a flip,
// never a stack.
func TestEngineFlipCoversThenBuys(t *testing.T) {
	fb := newFakeBroker()
	eng, err := engine.New(testEngineConfig(), fb, nil, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionSellHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == -100 })

	eng.Deliver(alert(2, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	assert.Equal(t, []string{"LIMIT SHORT", "LIMIT COVER", "LIMIT BUY"}, fb.submissions())
}

// A same-direction alert on an open position adds nothing.
func TestEngineNeverStacks(t *testing.T) {
	fb := newFakeBroker()
	eng, err := engine.New(testEngineConfig(), fb, nil, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })
	eng.Deliver(alert(2, "TST", market.DirectionBuyHeavy))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 100.0, eng.Positions().Quantity("TST"))
	assert.Len(t, fb.submissions(), 1)
}

// Replaying the same alert id produces exactly one order and one
// position mutation.
func TestEngineIdempotentRedelivery(t *testing.T) {
	fb := newFakeBroker()
	store := openStore(t)
	eng, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	defer eng.Close()

	a := alert(1, "TST", market.DirectionBuyHeavy)
	eng.Deliver(a)
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })
	eng.Deliver(a)
	eng.Deliver(a)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 100.0, eng.Positions().Quantity("TST"))
	records, err := store.OrdersForAlert(1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// A rejected limit submission falls back to a market order within the
// same execution attempt, annotated with the reason.
func TestEngineLimitRejectionFallsBackToMarket(t *testing.T) {
	fb := newFakeBroker()
	fb.rejectLimits = true
	store := openStore(t)
	eng, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	records, err := store.OrdersForAlert(1)
	require.NoError(t, err)

	var sawMarket, sawFallback bool
	for _, r := range records {
		if r.Type == order.TypeMarket {
			sawMarket = true
			assert.Equal(t, order.StatusFilled, r.Status)
			assert.Contains(t, r.FallbackReason, "limit rejected")
		}
		if r.Status == order.StatusFallbackSubmitted {
			sawFallback = true
		}
	}
	assert.True(t, sawMarket, "market fallback record missing")
	assert.True(t, sawFallback, "prior limit record not annotated")
}

// Timeout policy MARKET: an unfilled limit is cancelled at the deadline
// and resubmitted as a market order.
func TestEngineTimeoutPolicyMarket(t *testing.T) {
	fb := newFakeBroker()
	fb.neverFill = true
	cfg := testEngineConfig()
	cfg.TimeoutPolicy = engine.TimeoutPolicyMarket
	eng, err := engine.New(cfg, fb, nil, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	subs := fb.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "LIMIT BUY", subs[0])
	assert.Equal(t, "MARKET BUY", subs[1])
	assert.GreaterOrEqual(t, fb.cancelCount(), 1)
}

// Timeout policy NONE: the intent is abandoned after the cancel.
func TestEngineTimeoutPolicyNone(t *testing.T) {
	fb := newFakeBroker()
	fb.neverFill = true
	cfg := testEngineConfig()
	cfg.TimeoutPolicy = engine.TimeoutPolicyNone
	eng, err := engine.New(cfg, fb, nil, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return fb.cancelCount() >= 1 })
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0.0, eng.Positions().Quantity("TST"))
	assert.Equal(t, []string{"LIMIT BUY"}, fb.submissions())
}

// A governor denial drops the intent without submission.
func TestEngineGovernorDenies(t *testing.T) {
	fb := newFakeBroker()
	kill := risk.NewKillSwitch(filepath.Join(t.TempDir(), "KILL"))
	require.NoError(t, kill.Engage("test halt"))
	gov := risk.NewGovernor(risk.Config{KillSwitchFile: kill.Path}, kill, nil, nil)

	eng, err := engine.New(testEngineConfig(), fb, gov, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, fb.submissions())
	assert.Equal(t, 0.0, eng.Positions().Quantity("TST"))
}

// Positions checkpoint after every fill and restore on construction.
func TestEnginePositionsSurviveRestart(t *testing.T) {
	fb := newFakeBroker()
	store := openStore(t)

	eng, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	eng.Deliver(alert(1, "TST", market.DirectionSellHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == -100 })
	require.NoError(t, eng.Close())

	eng2, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	defer eng2.Close()
	assert.Equal(t, -100.0, eng2.Positions().Quantity("TST"))
}

// A kill switch engaged from outside the process denies the new intent
// and flattens existing exposure on the same pass.
func TestEngineExternalKillSwitchFlattens(t *testing.T) {
	fb := newFakeBroker()
	killPath := filepath.Join(t.TempDir(), "KILL")
	gov := risk.NewGovernor(risk.Config{KillSwitchFile: killPath}, risk.NewKillSwitch(killPath), nil, nil)
	eng, err := engine.New(testEngineConfig(), fb, gov, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	// operator halts by touching the sentinel, no API call involved
	require.NoError(t, os.WriteFile(killPath, []byte("manual halt\n"), 0o644))
	eng.Deliver(alert(2, "TST", market.DirectionSellHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 0 })

	subs := fb.submissions()
	assert.Equal(t, []string{"LIMIT BUY", "MARKET SELL"}, subs,
		"the denied sell intent never reaches the venue; only the flatten does")
}

// A market fallback the venue reports as PENDING is polled until the
// fill lands in the position book.
func TestEngineMarketFallbackPolledToFill(t *testing.T) {
	fb := newFakeBroker()
	fb.rejectLimits = true
	fb.marketPending = true
	store := openStore(t)
	eng, err := engine.New(testEngineConfig(), fb, nil, store, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	records, err := store.OrdersForAlert(1)
	require.NoError(t, err)
	var marketRec *order.Record
	for i := range records {
		if records[i].Type == order.TypeMarket {
			marketRec = &records[i]
		}
	}
	require.NotNil(t, marketRec)
	assert.Equal(t, order.StatusFilled, marketRec.Status)
	assert.Equal(t, 100.0, marketRec.FilledQty)
}

// EmergencyShutdown flattens every open position with market orders.
func TestEngineEmergencyShutdownFlattens(t *testing.T) {
	fb := newFakeBroker()
	eng, err := engine.New(testEngineConfig(), fb, nil, nil, nil)
	require.NoError(t, err)
	defer eng.Close()

	eng.Deliver(alert(1, "TST", market.DirectionBuyHeavy))
	waitFor(t, func() bool { return eng.Positions().Quantity("TST") == 100 })

	eng.EmergencyShutdown("test")
	assert.Equal(t, 0.0, eng.Positions().Quantity("TST"))
	subs := fb.submissions()
	assert.Equal(t, "MARKET SELL", subs[len(subs)-1])
}
