// Package engine converts alerts into risk-governed broker orders. One
// worker goroutine per symbol serializes execution so position tracking
// never races a second alert for the same symbol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/broker"
	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/metrics"
	"imbalance-trader-go/order"
	"imbalance-trader-go/risk"
)

// TimeoutPolicy selects what happens after a limit order times out and
// is cancelled.
type TimeoutPolicy string

const (
	TimeoutPolicyMarket  TimeoutPolicy = "MARKET"  // resubmit as market
	TimeoutPolicyReprice TimeoutPolicy = "REPRICE" // resubmit limit at a fresh pad
	TimeoutPolicyNone    TimeoutPolicy = "NONE"    // abandon
)

// Config tunes the execution engine.
type Config struct {
	QuantityPerTrade float64
	LimitSlippageBps float64 // limit price pad toward a fill
	FillPollInterval time.Duration
	FillTimeout      time.Duration
	TimeoutPolicy    TimeoutPolicy
	MaxReprices      int
	QueueSize        int
}

func DefaultConfig() Config {
	return Config{
		QuantityPerTrade: 100,
		LimitSlippageBps: 5,
		FillPollInterval: 250 * time.Millisecond,
		FillTimeout:      10 * time.Second,
		TimeoutPolicy:    TimeoutPolicyMarket,
		MaxReprices:      2,
		QueueSize:        64,
	}
}

func (c Config) Validate() error {
	if c.QuantityPerTrade <= 0 {
		return fmt.Errorf("engine: quantity_per_trade must be positive")
	}
	if c.FillPollInterval <= 0 || c.FillTimeout <= 0 {
		return fmt.Errorf("engine: fill_poll_interval and fill_timeout must be positive")
	}
	switch c.TimeoutPolicy {
	case TimeoutPolicyMarket, TimeoutPolicyReprice, TimeoutPolicyNone:
	default:
		return fmt.Errorf("engine: unknown timeout_policy %q", c.TimeoutPolicy)
	}
	return nil
}

// Store is the persistence surface the engine writes through.
type Store interface {
	UpsertOrder(r order.Record) error
	SavePositions(map[string]alertlog.PositionSnapshot) error
	LoadPositions() (map[string]alertlog.PositionSnapshot, error)
}

type openOrder struct {
	handle broker.Handle
	symbol string
}

// Engine is the order execution state machine.
type Engine struct {
	cfg      Config
	broker   broker.Broker
	governor *risk.Governor
	store    Store
	logger   *logger.Logger
	sm       *order.StateMachine

	positions *PositionBook

	mu          sync.Mutex
	workers     map[string]chan market.Alert
	lastApplied map[string]int64
	open        map[string]openOrder // order id -> handle, working limits only

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, b broker.Broker, gov *risk.Governor, store Store, lg *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	if gov == nil {
		// permissive governor: no ceiling, no sentinel
		gov = risk.NewGovernor(risk.Config{}, risk.NewKillSwitch(""), nil, lg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		broker:      b,
		governor:    gov,
		store:       store,
		logger:      lg,
		sm:          order.NewStateMachine(),
		positions:   NewPositionBook(),
		workers:     make(map[string]chan market.Alert),
		lastApplied: make(map[string]int64),
		open:        make(map[string]openOrder),
		ctx:         ctx,
		cancel:      cancel,
	}
	gov.OnEngage(e.EmergencyShutdown)
	if store != nil {
		snap, err := store.LoadPositions()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("restore positions: %w", err)
		}
		e.positions.Restore(snap)
	}
	return e, nil
}

// Positions exposes the book for dashboards and tests.
func (e *Engine) Positions() *PositionBook { return e.positions }

// Deliver hands an alert to its symbol's worker. It queues, it does not
// execute: the caller returns as soon as the alert is buffered. A full
// queue blocks and logs a warning rather than dropping the alert.
func (e *Engine) Deliver(a market.Alert) {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ch, ok := e.workers[a.Symbol]
	if !ok {
		ch = make(chan market.Alert, e.cfg.QueueSize)
		e.workers[a.Symbol] = ch
		e.wg.Add(1)
		go e.runWorker(a.Symbol, ch)
	}
	e.mu.Unlock()

	select {
	case ch <- a:
	default:
		e.logger.LogAlert("queue_full", a.ID, map[string]interface{}{
			"symbol": a.Symbol,
		})
		select {
		case ch <- a:
		case <-e.ctx.Done():
		}
	}
}

func (e *Engine) runWorker(symbol string, ch chan market.Alert) {
	defer e.wg.Done()
	for {
		select {
		case a := <-ch:
			e.handleAlert(a)
		case <-e.ctx.Done():
			// drain anything already queued, then exit
			for {
				select {
				case a := <-ch:
					e.handleAlert(a)
				default:
					return
				}
			}
		}
	}
}

// handleAlert is the per-symbol execution path. Replays are detected by
// id: an alert at or below the symbol's high-water mark is a no-op.
func (e *Engine) handleAlert(a market.Alert) {
	e.mu.Lock()
	if a.ID <= e.lastApplied[a.Symbol] {
		e.mu.Unlock()
		e.logger.LogAlert("duplicate_ignored", a.ID, map[string]interface{}{
			"symbol": a.Symbol,
		})
		return
	}
	e.lastApplied[a.Symbol] = a.ID
	e.mu.Unlock()

	for _, intent := range e.buildIntents(a) {
		decision := e.governor.Authorize(intent)
		if !decision.Allowed {
			return
		}
		if err := e.executeIntent(intent); err != nil {
			e.logger.LogError(err, map[string]interface{}{
				"alert_id": a.ID,
				"symbol":   a.Symbol,
				"action":   "execute_intent",
			})
			return
		}
	}
}

// buildIntents maps an alert direction onto at most two intents. The
// engine only ever flips: a reversed signal closes the open position
// first, and a same-direction signal on an open position adds nothing.
func (e *Engine) buildIntents(a market.Alert) []order.Intent {
	pos := e.positions.Quantity(a.Symbol)
	var intents []order.Intent

	switch a.Direction {
	case market.DirectionBuyHeavy:
		if pos > 0 {
			return nil // already long, never stack
		}
		if pos < 0 {
			intents = append(intents, order.Intent{
				AlertID: a.ID, Symbol: a.Symbol, Side: order.SideCover,
				Quantity: -pos, ReferencePrice: a.Price,
			})
		}
		intents = append(intents, order.Intent{
			AlertID: a.ID, Symbol: a.Symbol, Side: order.SideBuy,
			Quantity: e.cfg.QuantityPerTrade, ReferencePrice: a.Price,
		})
	case market.DirectionSellHeavy:
		if pos < 0 {
			return nil // already short
		}
		if pos > 0 {
			intents = append(intents, order.Intent{
				AlertID: a.ID, Symbol: a.Symbol, Side: order.SideSell,
				Quantity: pos, ReferencePrice: a.Price,
			})
		}
		intents = append(intents, order.Intent{
			AlertID: a.ID, Symbol: a.Symbol, Side: order.SideShort,
			Quantity: e.cfg.QuantityPerTrade, ReferencePrice: a.Price,
		})
	}
	return intents
}

// paddedLimit shifts the reference price toward a fill: up for buys and
// covers, down for sells and shorts.
func (e *Engine) paddedLimit(side order.Side, ref float64) float64 {
	pad := ref * e.cfg.LimitSlippageBps / 10000
	if side == order.SideBuy || side == order.SideCover {
		return ref + pad
	}
	return ref - pad
}

// executeIntent runs the limit-first submission path: submit a padded
// limit, poll for the fill, and on rejection or timeout fall back per
// policy. The intent is never silently dropped for want of a working
// limit submission.
func (e *Engine) executeIntent(intent order.Intent) error {
	reprices := 0
	for {
		rec, timedOut, err := e.submitLimitAndPoll(intent)
		if err != nil {
			return err
		}
		if !timedOut {
			return nil
		}
		switch e.cfg.TimeoutPolicy {
		case TimeoutPolicyMarket:
			return e.submitMarketFallback(intent, rec, "limit fill timeout")
		case TimeoutPolicyReprice:
			if reprices >= e.cfg.MaxReprices {
				return e.submitMarketFallback(intent, rec, "reprice budget exhausted")
			}
			reprices++
			e.logger.LogOrder("reprice", rec.OrderID, map[string]interface{}{
				"symbol":  intent.Symbol,
				"attempt": reprices,
			})
		case TimeoutPolicyNone:
			return nil
		}
	}
}

// submitLimitAndPoll returns the final record plus whether the limit
// timed out unfilled (already cancelled at the venue).
func (e *Engine) submitLimitAndPoll(intent order.Intent) (order.Record, bool, error) {
	limitPrice := e.paddedLimit(intent.Side, intent.ReferencePrice)

	h, err := e.broker.SubmitLimit(e.ctx, intent.Symbol, intent.Side, intent.Quantity, limitPrice, intent.ReferencePrice)
	if errors.Is(err, broker.ErrSubmissionRejected) {
		rec := e.newRecord(intent, order.TypeLimit, limitPrice, "")
		rec.OrderID = fmt.Sprintf("rejected-%d-%s", intent.AlertID, intent.Side)
		e.transition(&rec, order.StatusRejected)
		return rec, false, e.submitMarketFallback(intent, rec, fmt.Sprintf("limit rejected: %v", err))
	}
	if err != nil {
		return order.Record{}, false, fmt.Errorf("submit limit %s %s: %w", intent.Side, intent.Symbol, err)
	}

	rec := e.newRecord(intent, order.TypeLimit, limitPrice, "")
	rec.OrderID = h.OrderID
	e.persist(rec)
	e.trackOpen(h)
	e.governor.RecordTrade()
	metrics.OrdersSubmitted.WithLabelValues(string(order.TypeLimit)).Inc()
	e.logger.LogOrder("limit_submitted", rec.OrderID, map[string]interface{}{
		"symbol": intent.Symbol, "side": string(intent.Side),
		"qty": intent.Quantity, "limit_price": limitPrice,
	})

	deadline := time.Now().Add(e.cfg.FillTimeout)
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			res, cerr := e.broker.Cancel(context.Background(), h)
			e.untrackOpen(h)
			if cerr == nil && res.Status == order.StatusFilled {
				e.applyFill(&rec, res)
				return rec, false, nil
			}
			e.transition(&rec, order.StatusCancelled)
			return rec, false, nil
		case <-ticker.C:
		}

		res, err := e.broker.PollStatus(e.ctx, h)
		if err != nil {
			if e.ctx.Err() != nil {
				return rec, false, nil
			}
			e.logger.LogError(err, map[string]interface{}{
				"order_id": rec.OrderID, "action": "poll_status",
			})
			continue
		}
		switch res.Status {
		case order.StatusFilled:
			e.untrackOpen(h)
			e.applyFill(&rec, res)
			return rec, false, nil
		case order.StatusCancelled, order.StatusRejected:
			e.untrackOpen(h)
			e.transition(&rec, res.Status)
			return rec, false, nil
		}

		if time.Now().After(deadline) {
			cres, cerr := e.broker.Cancel(e.ctx, h)
			e.untrackOpen(h)
			if cerr == nil && cres.Status == order.StatusFilled {
				// fill raced the cancel; take it
				e.applyFill(&rec, cres)
				return rec, false, nil
			}
			e.transition(&rec, order.StatusTimedOut)
			e.logger.LogOrder("limit_timeout", rec.OrderID, map[string]interface{}{
				"symbol": intent.Symbol, "policy": string(e.cfg.TimeoutPolicy),
			})
			return rec, true, nil
		}
	}
}

// submitMarketFallback replaces a failed limit with a market order under
// a fresh order id, annotated with the fallback reason.
func (e *Engine) submitMarketFallback(intent order.Intent, prior order.Record, reason string) error {
	e.transition(&prior, order.StatusFallbackSubmitted)
	metrics.OrderFallbacks.Inc()

	h, res, err := e.broker.SubmitMarket(e.ctx, intent.Symbol, intent.Side, intent.Quantity, intent.ReferencePrice)
	if err != nil {
		return fmt.Errorf("market fallback %s %s: %w", intent.Side, intent.Symbol, err)
	}
	e.governor.RecordTrade()
	metrics.OrdersSubmitted.WithLabelValues(string(order.TypeMarket)).Inc()

	rec := e.newRecord(intent, order.TypeMarket, 0, reason)
	rec.OrderID = h.OrderID
	e.logger.LogOrder("market_fallback", rec.OrderID, map[string]interface{}{
		"symbol": intent.Symbol, "side": string(intent.Side), "reason": reason,
	})
	e.resolveMarket(&rec, h, res)
	return nil
}

// resolveMarket settles a market submission. Most venues fill market
// orders in the submit response; one that reports PENDING instead is
// polled until it resolves so the fill still reaches the position book.
func (e *Engine) resolveMarket(rec *order.Record, h broker.Handle, res broker.PollResult) {
	if res.Status == order.StatusFilled {
		e.applyFill(rec, res)
		return
	}
	e.persist(*rec)

	deadline := time.Now().Add(e.cfg.FillTimeout)
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
		case <-ticker.C:
		}
		// context.Background: a market order in flight during shutdown
		// still gets one final status read
		pres, err := e.broker.PollStatus(context.Background(), h)
		if err == nil {
			switch pres.Status {
			case order.StatusFilled:
				e.applyFill(rec, pres)
				return
			case order.StatusCancelled, order.StatusRejected:
				e.transition(rec, pres.Status)
				return
			}
		}
		if e.ctx.Err() != nil || time.Now().After(deadline) {
			e.logger.LogOrder("market_unresolved", rec.OrderID, map[string]interface{}{
				"symbol": rec.Symbol, "side": string(rec.Side),
			})
			return
		}
	}
}

func (e *Engine) newRecord(intent order.Intent, typ order.Type, limitPrice float64, fallbackReason string) order.Record {
	return order.Record{
		AlertID:        intent.AlertID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		Type:           typ,
		LimitPrice:     limitPrice,
		Status:         order.StatusPending,
		SubmitTime:     time.Now(),
		FallbackReason: fallbackReason,
	}
}

// applyFill is the single place position state changes. The checkpoint
// is written before the worker accepts the next alert for this symbol.
func (e *Engine) applyFill(rec *order.Record, res broker.PollResult) {
	e.transition(rec, order.StatusFilled)
	rec.FilledQty = res.FilledQty
	rec.FillTime = res.FillTime
	rec.SlippageBps = res.SlippageBps
	e.persist(*rec)
	metrics.FillsTotal.Inc()

	price := res.AvgPrice
	if price == 0 {
		price = rec.LimitPrice
	}
	e.positions.ApplyFill(rec.Symbol, rec.Side, res.FilledQty, price)
	if e.store != nil {
		if err := e.store.SavePositions(e.positions.Snapshot()); err != nil {
			e.logger.LogError(err, map[string]interface{}{
				"symbol": rec.Symbol, "action": "checkpoint_positions",
			})
		}
	}
	e.logger.LogOrder("filled", rec.OrderID, map[string]interface{}{
		"symbol": rec.Symbol, "qty": res.FilledQty,
		"price": price, "slippage_bps": res.SlippageBps,
	})
}

func (e *Engine) transition(rec *order.Record, to order.Status) {
	if err := e.sm.ValidateTransition(rec.Status, to); err != nil {
		e.logger.LogError(err, map[string]interface{}{
			"order_id": rec.OrderID, "from": string(rec.Status), "to": string(to),
		})
		return
	}
	rec.Status = to
	e.persist(*rec)
}

func (e *Engine) persist(rec order.Record) {
	if e.store == nil || rec.OrderID == "" {
		return
	}
	if err := e.store.UpsertOrder(rec); err != nil {
		e.logger.LogError(err, map[string]interface{}{
			"order_id": rec.OrderID, "action": "persist_order",
		})
	}
}

func (e *Engine) trackOpen(h broker.Handle) {
	e.mu.Lock()
	e.open[h.OrderID] = openOrder{handle: h, symbol: h.Symbol}
	e.mu.Unlock()
}

func (e *Engine) untrackOpen(h broker.Handle) {
	e.mu.Lock()
	delete(e.open, h.OrderID)
	e.mu.Unlock()
}

// EmergencyShutdown cancels every working order and flattens every open
// position with market orders. The governor invokes it once per
// kill-switch activation, whether the trade ceiling tripped the switch
// or an operator engaged it externally; it can also be called directly.
func (e *Engine) EmergencyShutdown(reason string) {
	e.logger.LogRisk("emergency_shutdown_started", map[string]interface{}{
		"reason": reason,
	})

	e.mu.Lock()
	handles := make([]broker.Handle, 0, len(e.open))
	for _, oo := range e.open {
		handles = append(handles, oo.handle)
	}
	e.mu.Unlock()
	for _, h := range handles {
		if _, err := e.broker.Cancel(context.Background(), h); err != nil {
			e.logger.LogError(err, map[string]interface{}{
				"order_id": h.OrderID, "action": "cancel_on_shutdown",
			})
		}
		e.untrackOpen(h)
	}

	for sym, snap := range e.positions.Snapshot() {
		if snap.Quantity == 0 {
			continue
		}
		side := order.SideSell
		qty := snap.Quantity
		if snap.Quantity < 0 {
			side = order.SideCover
			qty = -snap.Quantity
		}
		h, res, err := e.broker.SubmitMarket(context.Background(), sym, side, qty, snap.AvgCost)
		if err != nil {
			e.logger.LogError(err, map[string]interface{}{
				"symbol": sym, "action": "flatten_position",
			})
			continue
		}
		rec := order.Record{
			OrderID:        h.OrderID,
			Symbol:         sym,
			Side:           side,
			Quantity:       qty,
			Type:           order.TypeMarket,
			Status:         order.StatusPending,
			SubmitTime:     time.Now(),
			FallbackReason: "emergency flatten: " + reason,
		}
		e.resolveMarket(&rec, h, res)
	}
}

// Close stops the workers, waits for in-flight alerts to drain, and
// checkpoints final state.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	if e.store != nil {
		if err := e.store.SavePositions(e.positions.Snapshot()); err != nil {
			return fmt.Errorf("final position checkpoint: %w", err)
		}
	}
	return nil
}
