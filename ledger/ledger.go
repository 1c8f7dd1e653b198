// Package ledger tracks the payer's spend against per-transaction and daily
// caps.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrBudgetExceeded   = errors.New("x402gate: budget exceeded")
	ErrPerTxCapExceeded = fmt.Errorf("%w: per-transaction cap", ErrBudgetExceeded)
	ErrDailyCapExceeded = fmt.Errorf("%w: daily cap", ErrBudgetExceeded)
	ErrInvalidAmount    = errors.New("x402gate: invalid payment amount")
)

// Reservation is a provisional debit that can be released if the payment
// is not accepted.
type Reservation struct {
	Amount decimal.Decimal
	Day    time.Time

	released bool
}

// SpendLedger is the payer-side spend counter. Every check-then-reserve runs
// under one mutex; the day rolls over lazily on access.
type SpendLedger struct {
	mu         sync.Mutex
	perTxCap   decimal.Decimal
	dailyCap   decimal.Decimal
	spentToday decimal.Decimal
	dayAnchor  time.Time
	loc        *time.Location
	now        func() time.Time
}

type Option func(*SpendLedger)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *SpendLedger) { l.now = now }
}

// WithLocation sets the time zone whose midnight resets the daily counter.
func WithLocation(loc *time.Location) Option {
	return func(l *SpendLedger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// New returns a ledger with the given caps. A zero cap permits nothing.
func New(perTxCap, dailyCap decimal.Decimal, opts ...Option) *SpendLedger {
	l := &SpendLedger{
		perTxCap: perTxCap,
		dailyCap: dailyCap,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dayAnchor = l.today()
	return l
}

func (l *SpendLedger) today() time.Time {
	t := l.now().In(l.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc)
}

// rollLocked resets the counter when the day has changed. Callers hold mu.
func (l *SpendLedger) rollLocked() {
	if day := l.today(); !day.Equal(l.dayAnchor) {
		l.dayAnchor = day
		l.spentToday = decimal.Zero
	}
}

// Reserve checks amount against both caps and, if both hold, adds it to
// today's spend in the same critical section.
func (l *SpendLedger) Reserve(amount decimal.Decimal) (*Reservation, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if amount.GreaterThan(l.perTxCap) {
		return nil, fmt.Errorf("%w: %s > %s", ErrPerTxCapExceeded, amount, l.perTxCap)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	next := l.spentToday.Add(amount)
	if next.GreaterThan(l.dailyCap) {
		return nil, fmt.Errorf("%w: %s + %s > %s", ErrDailyCapExceeded, l.spentToday, amount, l.dailyCap)
	}
	l.spentToday = next

	return &Reservation{Amount: amount, Day: l.dayAnchor}, nil
}

// Release returns a reservation's amount. Releasing twice, or releasing a
// reservation from a previous day, is a no-op.
func (l *SpendLedger) Release(r *Reservation) {
	if r == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	l.rollLocked()
	if !r.Day.Equal(l.dayAnchor) {
		return
	}
	l.spentToday = l.spentToday.Sub(r.Amount)
	if l.spentToday.IsNegative() {
		l.spentToday = decimal.Zero
	}
}

// SpentToday returns the amount reserved so far today.
func (l *SpendLedger) SpentToday() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.spentToday
}

// Remaining returns how much can still be spent today.
func (l *SpendLedger) Remaining() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.dailyCap.Sub(l.spentToday)
}

func (l *SpendLedger) PerTxCap() decimal.Decimal { return l.perTxCap }
func (l *SpendLedger) DailyCap() decimal.Decimal { return l.dailyCap }
