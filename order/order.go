package order

import "time"

// Side is the trade direction requested from the broker.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideShort Side = "SHORT"
	SideCover Side = "COVER"
)

// Opens reports whether a fill on this side increases the signed position.
func (s Side) Opens() bool {
	return s == SideBuy || s == SideCover
}

// Type distinguishes limit from market submissions.
type Type string

const (
	TypeLimit  Type = "LIMIT"
	TypeMarket Type = "MARKET"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusFilled            Status = "FILLED"
	StatusCancelled         Status = "CANCELLED"
	StatusTimedOut          Status = "TIMED_OUT"
	StatusRejected          Status = "REJECTED"
	StatusFallbackSubmitted Status = "FALLBACK_SUBMITTED"
)

// Intent is the execution request derived from an alert. It is never
// mutated after it is built; a reversed alert supersedes it with a new
// intent instead of editing it.
type Intent struct {
	AlertID        int64
	Symbol         string
	Side           Side
	Quantity       float64
	ReferencePrice float64
}

// Record is the audit row for a single broker submission. Owned by the
// execution engine; persisted after every transition.
type Record struct {
	OrderID        string
	AlertID        int64
	Symbol         string
	Side           Side
	Quantity       float64
	Type           Type
	LimitPrice     float64
	Status         Status
	SubmitTime     time.Time
	FillTime       time.Time
	FilledQty      float64
	SlippageBps    float64
	FallbackReason string
}
