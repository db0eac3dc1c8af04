// Package reconciliation matches company-issued cheques against bank
// clearings and assembles the tally report.
//
// The engine is a pure, synchronous computation over a complete snapshot of
// both ledgers. It performs no I/O; persisting the result is the caller's
// job (see EncodeResult and port.TallyStore).
package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAmountTolerance is the largest absolute amount difference (exclusive)
// at which a company cheque and a bank clearing still count as the same
// cheque.
var DefaultAmountTolerance = decimal.New(1, -2)

// Config parameterizes an Engine. Zero fields take defaults.
type Config struct {
	// AmountTolerance is compared with |company - bank| using strict less-than.
	AmountTolerance decimal.Decimal
	// Location decides which calendar day "today" is.
	Location *time.Location
	// Now is the clock. Tests pin it.
	Now func() time.Time
}

// Engine runs reconciliations with a fixed configuration.
type Engine struct {
	tolerance decimal.Decimal
	loc       *time.Location
	now       func() time.Time
}

// New creates an engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		tolerance: cfg.AmountTolerance,
		loc:       cfg.Location,
		now:       cfg.Now,
	}
	if !e.tolerance.IsPositive() {
		e.tolerance = DefaultAmountTolerance
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Tolerance returns the amount tolerance in effect.
func (e *Engine) Tolerance() decimal.Decimal { return e.tolerance }

// Today returns the current calendar day as midnight UTC.
func (e *Engine) Today() time.Time {
	y, m, d := e.now().In(e.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
