// Package dispatch routes alert drafts to the in-process execution path
// and to the durable log. Detection never waits on persistence: a failed
// append is reported and counted, not thrown back at the detector.
package dispatch

import (
	"errors"

	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/metrics"
)

// Appender is the durable-path sink; satisfied by *alertlog.Log.
type Appender interface {
	Append(a market.Alert) error
}

// Sink is the inline-path sink; satisfied by *engine.Engine. Deliver must
// hand off without doing the execution work on the caller's goroutine.
type Sink interface {
	Deliver(a market.Alert)
}

var ErrNoDeliveryPath = errors.New("dispatch: no delivery path configured")

// Config selects the delivery sub-paths. The choice is configuration, not
// alert content.
type Config struct {
	// InlineOnly skips the durable append entirely; ids then come from the
	// in-process sequence alone and are gapless.
	InlineOnly bool
}

// Dispatcher assigns ids and fans alerts out to the enabled paths.
type Dispatcher struct {
	cfg    Config
	seq    *Sequence
	sink   Sink
	log    Appender
	logger *logger.Logger
}

func New(cfg Config, seq *Sequence, sink Sink, log Appender, lg *logger.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, seq: seq, sink: sink, log: log, logger: lg}
}

// Dispatch assigns the draft its canonical id and delivers it. The inline
// handoff happens before the durable append so execution latency does not
// pay for the disk write. Persistence failure is reported, never returned:
// the alert already reached the inline path under its assigned id.
func (d *Dispatcher) Dispatch(draft market.AlertDraft) (int64, error) {
	if d.sink == nil && (d.log == nil || d.cfg.InlineOnly) {
		return 0, ErrNoDeliveryPath
	}

	alert := market.Alert{ID: d.seq.Next(), AlertDraft: draft}
	metrics.AlertsTotal.WithLabelValues(alert.Symbol, string(alert.Direction)).Inc()

	if d.sink != nil {
		d.sink.Deliver(alert)
	}

	if d.log != nil && !d.cfg.InlineOnly {
		if err := d.log.Append(alert); err != nil {
			metrics.AlertPersistFailures.Inc()
			d.logger.LogError(err, map[string]interface{}{
				"alert_id": alert.ID,
				"symbol":   alert.Symbol,
				"action":   "append_alert",
			})
		}
	}
	return alert.ID, nil
}
