package models

import (
	"fmt"
	"time"
)

// BudgetEvent is an append-only record of cost incurred by one Invocation.
// The rolling cost window (Store.CostInWindow) is always the live sum of
// BudgetEvent.CostUSD over a time range -- never a cached or retroactively
// adjusted figure. Deleting a Task cascades to its Invocations and
// BudgetEvents, which only ever affects historical attribution, not an
// in-flight window computation (see DESIGN.md open question (a)).
type BudgetEvent struct {
	ID           int64
	InvocationID int64
	CostUSD      float64
	RecordedAt   time.Time
}

// Validate checks structural invariants.
func (b *BudgetEvent) Validate() error {
	if b.InvocationID == 0 {
		return fmt.Errorf("budget event: invocationId is required")
	}
	if b.CostUSD < 0 {
		return fmt.Errorf("budget event %d: costUsd must be non-negative, got %f", b.ID, b.CostUSD)
	}
	return nil
}
