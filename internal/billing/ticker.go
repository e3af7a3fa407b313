package billing

import "time"

// Ticker delivers the fixed-rate billing clock of one meter.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates the ticker of a new meter.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

// NewTimeTicker wraps time.Ticker, which drops ticks while the receiver is busy.
func NewTimeTicker(interval time.Duration) Ticker {
	return &timeTicker{ticker: time.NewTicker(interval)}
}

func (ticker *timeTicker) C() <-chan time.Time {
	return ticker.ticker.C
}

func (ticker *timeTicker) Stop() {
	ticker.ticker.Stop()
}
