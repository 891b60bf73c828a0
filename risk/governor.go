package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/metrics"
	"imbalance-trader-go/order"
)

// ErrTradeCeiling is returned by the rate guard when the trailing-hour
// submission count has reached the configured ceiling.
var ErrTradeCeiling = errors.New("risk: trade ceiling reached")

// Decision is the governor's verdict on one execution intent.
type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonKillSwitch = "kill_switch"
	ReasonRateLimit  = "rate_limit"
	ReasonGuard      = "guard"
)

// Config tunes the governor.
type Config struct {
	// MaxTradesPerHour counts completed submissions in a trailing hour.
	// Reaching the ceiling denies the intent and engages the kill switch.
	MaxTradesPerHour int    `yaml:"max_trades_per_hour"`
	KillSwitchFile   string `yaml:"kill_switch_file"`
}

// Governor gates every order submission through a guard chain: the kill
// switch sentinel first, then the trailing-hour trade ceiling, then any
// extra guards. Hitting the ceiling trips the kill switch itself, so one
// runaway strategy cannot keep trading after it is throttled. Any
// kill-switch activation, including an operator creating the sentinel
// from outside the process, fires the engage callback exactly once so
// the engine can cancel working orders and flatten positions.
type Governor struct {
	mu         sync.Mutex
	cfg        Config
	clock      Clock
	kill       *KillSwitch
	guards     MultiGuard
	tradeTimes []time.Time
	engaged    bool
	onEngage   func(reason string)
	logger     *logger.Logger
}

func NewGovernor(cfg Config, kill *KillSwitch, clock Clock, lg *logger.Logger) *Governor {
	if clock == nil {
		clock = NowUTC
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	g := &Governor{cfg: cfg, clock: clock, kill: kill, logger: lg}
	g.guards = MultiGuard{Guards: []Guard{kill, tradeCeiling{g}}}
	return g
}

// AddGuard appends a guard to the chain, after the kill switch and the
// trade ceiling. Not safe to call once Authorize is in use.
func (g *Governor) AddGuard(gd Guard) {
	g.guards.Guards = append(g.guards.Guards, gd)
}

// OnEngage registers a callback fired exactly once per kill-switch
// activation, whether the governor tripped it or an operator created the
// sentinel externally. The engine uses it to cancel open orders and
// flatten positions.
func (g *Governor) OnEngage(fn func(reason string)) {
	g.mu.Lock()
	g.onEngage = fn
	g.mu.Unlock()
}

// tradeCeiling implements Guard over the governor's trailing-hour window.
type tradeCeiling struct {
	g *Governor
}

func (c tradeCeiling) Check(order.Intent) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.g.pruneLocked(c.g.clock.Now())
	if c.g.cfg.MaxTradesPerHour > 0 && len(c.g.tradeTimes) >= c.g.cfg.MaxTradesPerHour {
		return ErrTradeCeiling
	}
	return nil
}

// Authorize decides whether the intent may be submitted. Denials are
// logged and counted; the caller drops the intent, it is never queued.
func (g *Governor) Authorize(intent order.Intent) Decision {
	err := g.guards.Check(intent)
	switch {
	case err == nil:
		// every guard passed, so a prior activation is over; re-arm
		g.mu.Lock()
		g.engaged = false
		g.mu.Unlock()
		return Decision{Allowed: true}

	case errors.Is(err, ErrKillSwitchActive):
		reason := g.kill.Reason()
		if reason == "" {
			reason = "kill switch engaged"
		}
		g.engage(reason, false)
		g.deny(intent, ReasonKillSwitch)
		return Decision{Allowed: false, Reason: ReasonKillSwitch}

	case errors.Is(err, ErrTradeCeiling):
		reason := fmt.Sprintf("trade ceiling reached: %d in trailing hour", g.cfg.MaxTradesPerHour)
		g.engage(reason, true)
		g.deny(intent, ReasonRateLimit)
		return Decision{Allowed: false, Reason: ReasonRateLimit}

	default:
		g.logger.LogRisk("guard_denied", map[string]interface{}{
			"error":  err.Error(),
			"symbol": intent.Symbol,
		})
		g.deny(intent, ReasonGuard)
		return Decision{Allowed: false, Reason: ReasonGuard}
	}
}

// engage fires the emergency callback on the inactive-to-active edge.
// writeSentinel additionally creates the sentinel file, used when the
// governor itself trips rather than reacting to an existing file.
func (g *Governor) engage(reason string, writeSentinel bool) {
	g.mu.Lock()
	if g.engaged {
		g.mu.Unlock()
		return
	}
	g.engaged = true
	fn := g.onEngage
	g.mu.Unlock()

	if writeSentinel {
		if err := g.kill.Engage(reason); err != nil {
			g.logger.LogError(err, map[string]interface{}{"action": "engage_kill_switch"})
		}
	}
	g.logger.LogRisk("emergency_shutdown", map[string]interface{}{"reason": reason})
	if fn != nil {
		fn(reason)
	}
}

// RecordTrade counts one completed submission toward the ceiling. Called
// after the broker accepts the order, not before.
func (g *Governor) RecordTrade() {
	g.mu.Lock()
	now := g.clock.Now()
	g.tradeTimes = append(g.tradeTimes, now)
	g.pruneLocked(now)
	g.mu.Unlock()
}

// TradesInWindow reports the current trailing-hour count.
func (g *Governor) TradesInWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.clock.Now())
	return len(g.tradeTimes)
}

// ResetEngaged re-arms the one-shot engage callback without waiting for
// an allowed intent, e.g. right after the operator clears the sentinel.
func (g *Governor) ResetEngaged() {
	g.mu.Lock()
	g.engaged = false
	g.mu.Unlock()
}

func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(g.tradeTimes) && !g.tradeTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.tradeTimes = append(g.tradeTimes[:0], g.tradeTimes[i:]...)
	}
}

func (g *Governor) deny(intent order.Intent, reason string) {
	metrics.GovernorDenials.WithLabelValues(reason).Inc()
	g.logger.LogRisk("intent_denied", map[string]interface{}{
		"reason":   reason,
		"symbol":   intent.Symbol,
		"side":     string(intent.Side),
		"alert_id": intent.AlertID,
	})
}
