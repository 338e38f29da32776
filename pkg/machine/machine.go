// Package machine provides transition tables for aggregate state machines.
//
// A table is plain data: a finite mapping from (state, event type) to the
// next state. Keeping it as data makes exhaustiveness checkable and lets the
// table be unit-tested independently of folding logic.
package machine

import (
	"errors"
	"fmt"
	"sort"
)

// State is an aggregate status node.
type State string

// EventType is a transition vocabulary entry.
type EventType string

type key struct {
	state State
	event EventType
}

// ErrInvalidTransition is returned when an event type is part of the
// vocabulary but not valid from the current state.
var ErrInvalidTransition = errors.New("machine: invalid transition")

// Table is an explicit transition table for one aggregate type.
type Table struct {
	name        string
	transitions map[key]State
	vocabulary  map[EventType]bool
	terminal    map[State]bool
}

// New creates an empty table. Name appears in error messages only.
func New(name string) *Table {
	return &Table{
		name:        name,
		transitions: make(map[key]State),
		vocabulary:  make(map[EventType]bool),
		terminal:    make(map[State]bool),
	}
}

// Add registers a transition from -> to on event.
func (t *Table) Add(from State, event EventType, to State) *Table {
	t.transitions[key{from, event}] = to
	t.vocabulary[event] = true
	return t
}

// Terminal marks states that accept no further domain transitions.
func (t *Table) Terminal(states ...State) *Table {
	for _, s := range states {
		t.terminal[s] = true
	}
	return t
}

// Known reports whether an event type is part of the transition vocabulary.
// Unknown event types fold as no-ops at the aggregate level.
func (t *Table) Known(event EventType) bool {
	return t.vocabulary[event]
}

// IsTerminal reports whether a state is terminal.
func (t *Table) IsTerminal(s State) bool {
	return t.terminal[s]
}

// Next resolves the transition for (current, event).
//
// Three branches, in order:
//  1. mapped transition        -> (next, true, nil)
//  2. known event, not mapped  -> ("", false, ErrInvalidTransition)
//  3. unknown event            -> (current, false, nil), a no-op fold
func (t *Table) Next(current State, event EventType) (State, bool, error) {
	if next, ok := t.transitions[key{current, event}]; ok {
		return next, true, nil
	}
	if t.vocabulary[event] {
		return "", false, fmt.Errorf("%w: %s cannot apply %s in state %s", ErrInvalidTransition, t.name, event, current)
	}
	return current, false, nil
}

// States returns every state mentioned by the table, sorted.
func (t *Table) States() []State {
	seen := make(map[State]bool)
	for k, to := range t.transitions {
		seen[k.state] = true
		seen[to] = true
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks structural soundness: the table is non-empty and no
// transition leaves a terminal state.
func (t *Table) Validate() error {
	if len(t.transitions) == 0 {
		return fmt.Errorf("machine: %s has no transitions", t.name)
	}
	for k := range t.transitions {
		if t.terminal[k.state] {
			return fmt.Errorf("machine: %s has transition out of terminal state %s on %s", t.name, k.state, k.event)
		}
	}
	return nil
}
