// Package broker defines the execution venue interface the engine trades
// through. The simulated venue in package sim implements it; a live
// adapter would too.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imbalance-trader-go/order"
)

// ErrSubmissionRejected wraps venue-side rejections of a submission. The
// engine treats a rejected limit as a signal to fall back to a market
// order.
var ErrSubmissionRejected = errors.New("broker: submission rejected")

// RejectionError carries the venue's reason alongside the sentinel.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker: submission rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrSubmissionRejected }

// Handle identifies an order at the venue.
type Handle struct {
	OrderID string
	Symbol  string
	Side    order.Side
	Type    order.Type
}

// PollResult is a point-in-time view of an order's venue state.
type PollResult struct {
	Status      order.Status
	FilledQty   float64
	AvgPrice    float64
	SlippageBps float64
	FillTime    time.Time
}

// Broker is the execution venue. All calls honor ctx cancellation; a
// cancelled submit leaves no working order behind.
type Broker interface {
	// SubmitLimit places a limit order and returns once the venue accepts
	// or rejects it. Acceptance does not imply a fill. refPrice is the
	// unpadded price the limit was derived from.
	SubmitLimit(ctx context.Context, symbol string, side order.Side, qty float64, limitPrice, refPrice float64) (Handle, error)

	// SubmitMarket places a market order. refPrice is the caller's view of
	// the current price; the fill reports realized slippage against it.
	SubmitMarket(ctx context.Context, symbol string, side order.Side, qty float64, refPrice float64) (Handle, PollResult, error)

	// PollStatus reports the order's current state.
	PollStatus(ctx context.Context, h Handle) (PollResult, error)

	// Cancel withdraws a working order. Cancelling a filled order returns
	// the fill, not an error.
	Cancel(ctx context.Context, h Handle) (PollResult, error)
}
