package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imbalance-trader-go/broker"
	"imbalance-trader-go/order"
)

type workingOrder struct {
	handle     broker.Handle
	qty        float64
	limitPrice float64
	refPrice   float64
	submitTime time.Time
	result     broker.PollResult
	settled    bool
}

// Broker is the simulated venue. It implements the same submission and
// polling interface the engine uses live, with outcomes drawn from the
// market model. One mutex serializes all venue state, which also keeps
// the model's random stream reproducible under concurrent callers.
type Broker struct {
	mu     sync.Mutex
	model  *Model
	now    func() time.Time
	orders map[string]*workingOrder

	// ForceReject makes every submission fail until cleared; tests use it
	// to drive the limit-to-market fallback path.
	ForceReject bool
}

func NewBroker(model *Model) *Broker {
	return &Broker{
		model:  model,
		now:    time.Now,
		orders: make(map[string]*workingOrder),
	}
}

// SetClock replaces the time source; tests advance it manually.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Broker) SubmitLimit(ctx context.Context, symbol string, side order.Side, qty float64, limitPrice, refPrice float64) (broker.Handle, error) {
	if err := ctx.Err(); err != nil {
		return broker.Handle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.model.Wait(b.model.Latency())
	if b.ForceReject || b.model.Rejects() {
		return broker.Handle{}, &broker.RejectionError{Reason: "venue rejected limit order"}
	}

	h := broker.Handle{
		OrderID: uuid.NewString(),
		Symbol:  symbol,
		Side:    side,
		Type:    order.TypeLimit,
	}
	b.orders[h.OrderID] = &workingOrder{
		handle:     h,
		qty:        qty,
		limitPrice: limitPrice,
		refPrice:   refPrice,
		submitTime: b.now(),
		result:     broker.PollResult{Status: order.StatusPending},
	}
	return h, nil
}

func (b *Broker) SubmitMarket(ctx context.Context, symbol string, side order.Side, qty float64, refPrice float64) (broker.Handle, broker.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.Handle{}, broker.PollResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.model.Wait(b.model.Latency())
	if b.ForceReject {
		return broker.Handle{}, broker.PollResult{}, &broker.RejectionError{Reason: "venue rejected market order"}
	}

	price, bps := b.model.FillPrice(side, refPrice)
	h := broker.Handle{
		OrderID: uuid.NewString(),
		Symbol:  symbol,
		Side:    side,
		Type:    order.TypeMarket,
	}
	res := broker.PollResult{
		Status:      order.StatusFilled,
		FilledQty:   qty,
		AvgPrice:    price,
		SlippageBps: bps,
		FillTime:    b.now(),
	}
	b.orders[h.OrderID] = &workingOrder{
		handle:     h,
		qty:        qty,
		refPrice:   refPrice,
		submitTime: b.now(),
		result:     res,
		settled:    true,
	}
	return h, res, nil
}

// PollStatus re-rolls a working limit order against the model's fill
// probability. Once an order settles its result is fixed.
func (b *Broker) PollStatus(ctx context.Context, h broker.Handle) (broker.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.PollResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	wo, ok := b.orders[h.OrderID]
	if !ok {
		return broker.PollResult{}, fmt.Errorf("sim: unknown order %s", h.OrderID)
	}
	if wo.settled {
		return wo.result, nil
	}

	elapsed := b.now().Sub(wo.submitTime).Seconds()
	bpsDistance := aggressionBps(wo.handle.Side, wo.limitPrice, wo.refPrice)
	p := b.model.LimitFillProb(bpsDistance, wo.qty, elapsed)
	if b.model.Roll() < p {
		wo.result = broker.PollResult{
			Status:    order.StatusFilled,
			FilledQty: wo.qty,
			AvgPrice:  wo.limitPrice,
			FillTime:  b.now(),
		}
		wo.settled = true
	}
	return wo.result, nil
}

// Cancel withdraws a working order. A settled order returns its final
// result unchanged.
func (b *Broker) Cancel(ctx context.Context, h broker.Handle) (broker.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.PollResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	wo, ok := b.orders[h.OrderID]
	if !ok {
		return broker.PollResult{}, fmt.Errorf("sim: unknown order %s", h.OrderID)
	}
	if !wo.settled {
		wo.result = broker.PollResult{Status: order.StatusCancelled}
		wo.settled = true
	}
	return wo.result, nil
}

// OpenOrders lists handles of unsettled orders; the shutdown path uses
// it for cancel-all.
func (b *Broker) OpenOrders() []broker.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Handle
	for _, wo := range b.orders {
		if !wo.settled {
			out = append(out, wo.handle)
		}
	}
	return out
}

// aggressionBps measures how far through the market the limit sits:
// positive when the price improves the chance of a fill.
func aggressionBps(side order.Side, limitPrice, refPrice float64) float64 {
	if refPrice == 0 {
		return 0
	}
	diff := (limitPrice - refPrice) / refPrice * 10000
	switch side {
	case order.SideBuy, order.SideCover:
		return diff
	default:
		return -diff
	}
}
