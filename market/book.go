package market

import "time"

// VenueQuote is one venue's aggregated top-of-book contribution for a symbol.
type VenueQuote struct {
	Venue    string
	BidPrice float64
	BidSize  int64
	AskPrice float64
	AskSize  int64
}

// BookSnapshot is a venue-partitioned view of a symbol's order book at a
// point in time. Snapshots are ephemeral: the detector consumes them
// immediately and nothing persists them.
type BookSnapshot struct {
	Symbol    string
	Venues    []VenueQuote
	Timestamp time.Time
}

// BookMetrics is the flattened per-symbol aggregate the detector works on.
type BookMetrics struct {
	Symbol         string
	TotalBids      int64
	TotalAsks      int64
	BidHeavyVenues int
	AskHeavyVenues int
	ValidVenues    int
	BestBid        float64
	BestAsk        float64
}

// Mid returns the midpoint of the best quotes, or 0 when either side is empty.
func (m BookMetrics) Mid() float64 {
	if m.BestBid <= 0 || m.BestAsk <= 0 {
		return 0
	}
	return (m.BestBid + m.BestAsk) / 2
}

// Normalizer flattens venue-partitioned snapshots into BookMetrics.
type Normalizer struct {
	// MaxRangeCents excludes a venue whose own quoted range is wider than
	// this band; a fast re-price should not count toward an imbalance.
	MaxRangeCents float64
	// HeavyVenueSize is the one-sided displayed size above which a venue
	// counts as heavy on that side.
	HeavyVenueSize int64
}

// Flatten aggregates a snapshot. Venues with a missing side or a quoted
// range beyond MaxRangeCents are dropped from the totals.
func (n Normalizer) Flatten(snap BookSnapshot) BookMetrics {
	m := BookMetrics{Symbol: snap.Symbol}

	for _, v := range snap.Venues {
		if v.BidPrice <= 0 || v.AskPrice <= 0 || v.BidSize <= 0 || v.AskSize <= 0 {
			continue
		}
		spreadCents := (v.AskPrice - v.BidPrice) * 100
		if n.MaxRangeCents > 0 && spreadCents > n.MaxRangeCents {
			continue
		}

		m.ValidVenues++
		m.TotalBids += v.BidSize
		m.TotalAsks += v.AskSize

		if v.BidSize > v.AskSize && v.BidSize >= n.HeavyVenueSize {
			m.BidHeavyVenues++
		} else if v.AskSize > v.BidSize && v.AskSize >= n.HeavyVenueSize {
			m.AskHeavyVenues++
		}

		if v.BidPrice > m.BestBid {
			m.BestBid = v.BidPrice
		}
		if m.BestAsk == 0 || v.AskPrice < m.BestAsk {
			m.BestAsk = v.AskPrice
		}
	}
	return m
}
