package engine

import (
	"sync"

	"imbalance-trader-go/alertlog"
	"imbalance-trader-go/metrics"
	"imbalance-trader-go/order"
)

// PositionBook tracks signed quantity and average cost per symbol.
// Positions change only as a direct consequence of a filled order.
type PositionBook struct {
	mu        sync.Mutex
	positions map[string]*position
}

type position struct {
	quantity float64 // signed; negative = short
	avgCost  float64
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*position)}
}

// Restore loads a checkpointed snapshot, replacing current state.
func (pb *PositionBook) Restore(snap map[string]alertlog.PositionSnapshot) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.positions = make(map[string]*position, len(snap))
	for sym, p := range snap {
		pb.positions[sym] = &position{quantity: p.Quantity, avgCost: p.AvgCost}
		metrics.Position.WithLabelValues(sym).Set(p.Quantity)
	}
}

// Snapshot returns the externally readable exposure map.
func (pb *PositionBook) Snapshot() map[string]alertlog.PositionSnapshot {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make(map[string]alertlog.PositionSnapshot, len(pb.positions))
	for sym, p := range pb.positions {
		out[sym] = alertlog.PositionSnapshot{Quantity: p.quantity, AvgCost: p.avgCost}
	}
	return out
}

// Quantity returns the signed position for a symbol, 0 when flat.
func (pb *PositionBook) Quantity(symbol string) float64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if p, ok := pb.positions[symbol]; ok {
		return p.quantity
	}
	return 0
}

// ApplyFill mutates the position for one filled order. Extending a
// position blends the average cost; reducing leaves it unchanged; a fill
// through zero restarts the cost basis at the fill price.
func (pb *PositionBook) ApplyFill(symbol string, side order.Side, qty, price float64) float64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	p, ok := pb.positions[symbol]
	if !ok {
		p = &position{}
		pb.positions[symbol] = p
	}

	delta := qty
	if side == order.SideSell || side == order.SideShort {
		delta = -qty
	}
	prev := p.quantity
	next := prev + delta

	switch {
	case prev == 0 || (prev > 0) == (next > 0) && abs(next) > abs(prev):
		// extending (or opening): blend cost
		p.avgCost = (p.avgCost*abs(prev) + price*qty) / (abs(prev) + qty)
	case next == 0:
		p.avgCost = 0
	case (prev > 0) != (next > 0):
		// flipped through zero
		p.avgCost = price
	}
	p.quantity = next
	if next == 0 {
		delete(pb.positions, symbol)
	}
	metrics.Position.WithLabelValues(symbol).Set(next)
	return next
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
