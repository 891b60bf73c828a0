package market_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"imbalance-trader-go/market"
)

func TestNormalizerFlatten(t *testing.T) {
	n := market.Normalizer{MaxRangeCents: 5, HeavyVenueSize: 1000}

	snap := market.BookSnapshot{
		Symbol:    "TST",
		Timestamp: time.Now(),
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.99, BidSize: 3000, AskPrice: 100.01, AskSize: 900},
			{Venue: "V2", BidPrice: 99.98, BidSize: 500, AskPrice: 100.02, AskSize: 2000},
			// 20 cent range: excluded entirely
			{Venue: "V3", BidPrice: 99.90, BidSize: 9999, AskPrice: 100.10, AskSize: 9999},
			// one-sided quote: excluded
			{Venue: "V4", BidPrice: 99.99, BidSize: 100, AskPrice: 0, AskSize: 0},
		},
	}

	m := n.Flatten(snap)
	assert.Equal(t, 2, m.ValidVenues)
	assert.Equal(t, int64(3500), m.TotalBids)
	assert.Equal(t, int64(2900), m.TotalAsks)
	assert.Equal(t, 1, m.BidHeavyVenues, "only V1 is bid heavy")
	assert.Equal(t, 1, m.AskHeavyVenues, "only V2 is ask heavy")
	assert.Equal(t, 99.99, m.BestBid)
	assert.Equal(t, 100.01, m.BestAsk)
	assert.Equal(t, 100.0, m.Mid())
}

func TestNormalizerHeavyRequiresDominance(t *testing.T) {
	n := market.Normalizer{HeavyVenueSize: 1000}

	// size above threshold but not above the opposite side
	m := n.Flatten(market.BookSnapshot{
		Symbol: "TST",
		Venues: []market.VenueQuote{
			{Venue: "V1", BidPrice: 99.99, BidSize: 1500, AskPrice: 100.01, AskSize: 1500},
		},
	})
	assert.Equal(t, 0, m.BidHeavyVenues)
	assert.Equal(t, 0, m.AskHeavyVenues)
}

func TestBookMetricsMidEmptySide(t *testing.T) {
	assert.Equal(t, 0.0, market.BookMetrics{BestBid: 100}.Mid())
	assert.Equal(t, 0.0, market.BookMetrics{BestAsk: 100}.Mid())
}
