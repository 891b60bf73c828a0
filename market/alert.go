package market

import "time"

// Direction names the heavy side of the book.
type Direction string

const (
	DirectionBuyHeavy  Direction = "BUY_HEAVY"  // bid side persistently heavier
	DirectionSellHeavy Direction = "SELL_HEAVY" // ask side persistently heavier
)

// AlertDraft is a detector emission before the dispatcher assigns its id.
// BidTotal and AskTotal aggregate the detector's trailing window, not the
// single snapshot that fired.
type AlertDraft struct {
	Symbol          string
	Direction       Direction
	Price           float64
	BidTotal        int64
	AskTotal        int64
	HeavyVenueCount int
	CreatedAt       time.Time
}

// Alert is an AlertDraft with its canonical monotonic id. Immutable once
// created; the id names the event identically on the inline and durable
// delivery paths.
type Alert struct {
	ID int64
	AlertDraft
}
