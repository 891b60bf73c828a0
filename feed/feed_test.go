package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbalance-trader-go/market"
)

func collectSnapshots(c *Client) *[]market.BookSnapshot {
	snaps := &[]market.BookSnapshot{}
	c.handler = func(s market.BookSnapshot) { *snaps = append(*snaps, s) }
	return snaps
}

func TestHandleMessageDecodesSnapshot(t *testing.T) {
	c := NewClient(DefaultConfig(), nil, nil)
	snaps := collectSnapshots(c)

	c.handleMessage([]byte(`{
		"symbol": "TST",
		"ts_ms": 1750000000000,
		"venues": [
			{"venue": "V1", "bid_price": 99.99, "bid_size": 3000, "ask_price": 100.01, "ask_size": 900},
			{"venue": "V2", "bid_price": 99.98, "bid_size": 2800, "ask_price": 100.02, "ask_size": 800}
		]
	}`))

	require.Len(t, *snaps, 1)
	got := (*snaps)[0]
	assert.Equal(t, "TST", got.Symbol)
	assert.Equal(t, time.UnixMilli(1750000000000), got.Timestamp)
	require.Len(t, got.Venues, 2)
	assert.Equal(t, "V1", got.Venues[0].Venue)
	assert.Equal(t, int64(3000), got.Venues[0].BidSize)
	assert.Equal(t, 100.02, got.Venues[1].AskPrice)
}

func TestHandleMessageMissingTimestampUsesNow(t *testing.T) {
	c := NewClient(DefaultConfig(), nil, nil)
	snaps := collectSnapshots(c)

	before := time.Now()
	c.handleMessage([]byte(`{"symbol": "TST", "venues": []}`))
	require.Len(t, *snaps, 1)
	assert.False(t, (*snaps)[0].Timestamp.Before(before))
}

func TestHandleMessageSkipsJunk(t *testing.T) {
	c := NewClient(DefaultConfig(), nil, nil)
	snaps := collectSnapshots(c)

	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"op": "pong"}`)) // no symbol
	c.handleMessage([]byte(`{}`))
	assert.Empty(t, *snaps)
}

func TestStartRequiresURL(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	assert.Error(t, c.Start())
}
