// Package settlement holds the agent-run settlement and agent-wallet
// aggregates: the money side of an agent run, folded from wallet and run
// streams.
package settlement

import (
	"errors"
	"fmt"

	"github.com/settld-labs/settld/pkg/machine"
)

// Run settlement statuses.
const (
	RunLocked   machine.State = "locked"
	RunReleased machine.State = "released"
	RunRefunded machine.State = "refunded"
)

// Run settlement event types.
const (
	EventRunLocked   machine.EventType = "RUN_LOCKED"
	EventRunReleased machine.EventType = "RUN_RELEASED"
	EventRunRefunded machine.EventType = "RUN_REFUNDED"
)

var runTable = machine.New("agent-run-settlement").
	Add(RunLocked, EventRunReleased, RunReleased).
	Add(RunReleased, EventRunRefunded, RunRefunded).
	Terminal(RunRefunded)

// RunTable exposes the settlement transition table.
func RunTable() *machine.Table {
	return runTable
}

var (
	// ErrOverRelease is returned when released+refunded would exceed the
	// locked amount.
	ErrOverRelease = errors.New("settlement: release exceeds locked amount")
	// ErrNotReleased is returned when refunding a settlement that is not in
	// the released state.
	ErrNotReleased = errors.New("settlement: refund only valid from released")
)

// RunSettlement is the settlement record for one agent run.
// Invariant: ReleasedAmountCents + RefundedAmountCents <= AmountCents, and
// each bucket is non-negative, at every point in the lifecycle.
type RunSettlement struct {
	RunID               string        `json:"runId"`
	TenantID            string        `json:"tenantId"`
	AgentID             string        `json:"agentId"`
	PayerAgentID        string        `json:"payerAgentId"`
	AmountCents         int64         `json:"amountCents"`
	Status              machine.State `json:"status"`
	ReleasedAmountCents int64         `json:"releasedAmountCents"`
	RefundedAmountCents int64         `json:"refundedAmountCents"`
	Revision            int64         `json:"revision"`
}

// Lock creates a settlement with the full amount held.
func Lock(tenantID, runID, agentID, payerAgentID string, amountCents int64) (RunSettlement, error) {
	if amountCents <= 0 {
		return RunSettlement{}, fmt.Errorf("settlement: lock amount must be positive, got %d", amountCents)
	}
	return RunSettlement{
		RunID:        runID,
		TenantID:     tenantID,
		AgentID:      agentID,
		PayerAgentID: payerAgentID,
		AmountCents:  amountCents,
		Status:       RunLocked,
		Revision:     1,
	}, nil
}

// Release moves the locked amount into the released bucket. All-or-nothing:
// an invalid release leaves the settlement untouched.
func (s *RunSettlement) Release(amountCents int64) error {
	next, _, err := runTable.Next(s.Status, EventRunReleased)
	if err != nil {
		return err
	}
	if amountCents <= 0 {
		return fmt.Errorf("settlement: release amount must be positive, got %d", amountCents)
	}
	if s.ReleasedAmountCents+s.RefundedAmountCents+amountCents > s.AmountCents {
		return fmt.Errorf("%w: %d released + %d refunded + %d > %d locked",
			ErrOverRelease, s.ReleasedAmountCents, s.RefundedAmountCents, amountCents, s.AmountCents)
	}
	s.Status = next
	s.ReleasedAmountCents += amountCents
	s.Revision++
	return nil
}

// Refund moves the released amount into the refunded bucket, zero-sum within
// the settlement. Only valid from released.
func (s *RunSettlement) Refund() error {
	next, _, err := runTable.Next(s.Status, EventRunRefunded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReleased, err)
	}
	s.Status = next
	s.RefundedAmountCents += s.ReleasedAmountCents
	s.ReleasedAmountCents = 0
	s.Revision++
	return nil
}

// CheckInvariant verifies the bucket identity holds.
func (s *RunSettlement) CheckInvariant() error {
	if s.ReleasedAmountCents < 0 || s.RefundedAmountCents < 0 {
		return fmt.Errorf("settlement: negative bucket on run %s", s.RunID)
	}
	if s.ReleasedAmountCents+s.RefundedAmountCents > s.AmountCents {
		return fmt.Errorf("settlement: buckets exceed locked amount on run %s: %d+%d > %d",
			s.RunID, s.ReleasedAmountCents, s.RefundedAmountCents, s.AmountCents)
	}
	return nil
}
