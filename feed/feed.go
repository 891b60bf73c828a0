// Package feed streams per-venue quote snapshots over WebSocket and
// hands them to the imbalance detector. The connection reconnects with
// backoff; a fatal handler fires when retries are exhausted so the
// process can exit instead of trading on a dead feed.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
)

// Config tunes the feed connection.
type Config struct {
	URL          string
	Symbols      []string
	MaxRetries   int
	RetryBackoff time.Duration
	ReadTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		RetryBackoff: 3 * time.Second,
		ReadTimeout:  30 * time.Second,
	}
}

// wireQuote and wireSnapshot mirror the upstream JSON. Unknown fields
// are ignored; a malformed message is logged and skipped, never fatal.
type wireQuote struct {
	Venue    string  `json:"venue"`
	BidPrice float64 `json:"bid_price"`
	BidSize  int64   `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  int64   `json:"ask_size"`
}

type wireSnapshot struct {
	Symbol    string      `json:"symbol"`
	Venues    []wireQuote `json:"venues"`
	Timestamp int64       `json:"ts_ms"`
}

// Client maintains the feed connection and dispatches snapshots.
type Client struct {
	cfg          Config
	handler      func(market.BookSnapshot)
	logger       *logger.Logger
	onFatalError func(error)

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cfg Config, handler func(market.BookSnapshot), lg *logger.Logger) *Client {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Client{cfg: cfg, handler: handler, logger: lg}
}

// SetFatalErrorHandler registers the callback fired when reconnection is
// exhausted.
func (c *Client) SetFatalErrorHandler(fn func(error)) {
	c.onFatalError = fn
}

// Start connects in the background and begins delivering snapshots.
func (c *Client) Start() error {
	if c.cfg.URL == "" {
		return fmt.Errorf("feed: url is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancel = cancel
	go c.run()
	return nil
}

// Stop closes the connection and stops reconnecting.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) run() {
	retries := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			if retries >= c.cfg.MaxRetries {
				fatal := fmt.Errorf("feed: reconnection failed after %d retries: %w", c.cfg.MaxRetries, err)
				c.logger.LogError(fatal, map[string]interface{}{"action": "feed_dial"})
				if c.onFatalError != nil {
					c.onFatalError(fatal)
				}
				return
			}
			retries++
			backoff := time.Duration(retries) * c.cfg.RetryBackoff
			c.logger.LogError(err, map[string]interface{}{
				"action":  "feed_dial",
				"attempt": retries,
				"backoff": backoff.String(),
			})
			time.Sleep(backoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		retries = 0
		c.logger.Info("feed connected")

		if err := c.subscribe(conn); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "feed_subscribe"})
		}
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.logger.Warn("feed disconnected, reconnecting")
		time.Sleep(c.cfg.RetryBackoff)
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	if len(c.cfg.Symbols) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"op":      "subscribe",
		"symbols": c.cfg.Symbols,
	}
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "feed_read"})
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var ws wireSnapshot
	if err := json.Unmarshal(raw, &ws); err != nil || ws.Symbol == "" {
		return // control frame or junk, skip
	}
	snap := market.BookSnapshot{
		Symbol: ws.Symbol,
		Venues: make([]market.VenueQuote, 0, len(ws.Venues)),
	}
	if ws.Timestamp > 0 {
		snap.Timestamp = time.UnixMilli(ws.Timestamp)
	} else {
		snap.Timestamp = time.Now()
	}
	for _, q := range ws.Venues {
		snap.Venues = append(snap.Venues, market.VenueQuote{
			Venue:    q.Venue,
			BidPrice: q.BidPrice,
			BidSize:  q.BidSize,
			AskPrice: q.AskPrice,
			AskSize:  q.AskSize,
		})
	}
	if c.handler != nil {
		c.handler(snap)
	}
}
