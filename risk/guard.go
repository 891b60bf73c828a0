package risk

import "imbalance-trader-go/order"

// Guard is the common pre-submission check; the rate limiter and kill
// switch both implement it.
type Guard interface {
	Check(intent order.Intent) error
}

// MultiGuard runs guards in sequence and stops at the first failure.
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) Check(intent order.Intent) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.Check(intent); err != nil {
			return err
		}
	}
	return nil
}
