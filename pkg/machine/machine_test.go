package machine

import (
	"errors"
	"testing"
)

func demoTable() *Table {
	return New("demo").
		Add("DRAFT", "SUBMIT", "PENDING").
		Add("PENDING", "APPROVE", "DONE").
		Add("PENDING", "REJECT", "DRAFT").
		Terminal("DONE")
}

func TestNext_MappedTransition(t *testing.T) {
	tbl := demoTable()
	next, moved, err := tbl.Next("DRAFT", "SUBMIT")
	if err != nil {
		t.Fatal(err)
	}
	if !moved || next != "PENDING" {
		t.Fatalf("expected move to PENDING, got %s (moved=%v)", next, moved)
	}
}

func TestNext_KnownEventInvalidState(t *testing.T) {
	tbl := demoTable()
	_, _, err := tbl.Next("DRAFT", "APPROVE")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNext_UnknownEventIsNoOp(t *testing.T) {
	tbl := demoTable()
	next, moved, err := tbl.Next("PENDING", "HEARTBEAT")
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("unknown event must not move state")
	}
	if next != "PENDING" {
		t.Fatalf("state changed on no-op: %s", next)
	}
}

func TestNext_TerminalRejectsDomainEvents(t *testing.T) {
	tbl := demoTable()
	_, _, err := tbl.Next("DONE", "SUBMIT")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from terminal state, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := demoTable().Validate(); err != nil {
		t.Fatalf("demo table should validate: %v", err)
	}

	bad := New("bad").Add("DONE", "REOPEN", "DRAFT").Terminal("DONE")
	if err := bad.Validate(); err == nil {
		t.Fatal("transition out of terminal state must fail validation")
	}

	if err := New("empty").Validate(); err == nil {
		t.Fatal("empty table must fail validation")
	}
}
