// Package jobs folds job streams into the job aggregate under an explicit
// transition table.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/machine"
)

// Job statuses.
const (
	StatusCreated       machine.State = "CREATED"
	StatusQuoted        machine.State = "QUOTED"
	StatusBooked        machine.State = "BOOKED"
	StatusMatched       machine.State = "MATCHED"
	StatusReserved      machine.State = "RESERVED"
	StatusEnRoute       machine.State = "EN_ROUTE"
	StatusAccessGranted machine.State = "ACCESS_GRANTED"
	StatusExecuting     machine.State = "EXECUTING"
	StatusAssisted      machine.State = "ASSISTED"
	StatusCompleted     machine.State = "COMPLETED"
	StatusSettled       machine.State = "SETTLED"
	StatusCancelled     machine.State = "CANCELLED"
	StatusDisputed      machine.State = "DISPUTED"
)

// Job event types.
const (
	EventCreated       machine.EventType = "JOB_CREATED"
	EventQuoted        machine.EventType = "JOB_QUOTED"
	EventBooked        machine.EventType = "JOB_BOOKED"
	EventMatched       machine.EventType = "JOB_MATCHED"
	EventReserved      machine.EventType = "JOB_RESERVED"
	EventEnRoute       machine.EventType = "JOB_EN_ROUTE"
	EventAccessGranted machine.EventType = "JOB_ACCESS_GRANTED"
	EventExecStarted   machine.EventType = "JOB_EXECUTION_STARTED"
	EventAssistNeeded  machine.EventType = "JOB_ASSIST_REQUESTED"
	EventAssistDone    machine.EventType = "JOB_ASSIST_RESOLVED"
	EventCompleted     machine.EventType = "JOB_COMPLETED"
	EventSettled       machine.EventType = "JOB_SETTLED"
	EventCancelled     machine.EventType = "JOB_CANCELLED"
	EventDisputed      machine.EventType = "JOB_DISPUTED"
)

var table = machine.New("job").
	Add(StatusCreated, EventQuoted, StatusQuoted).
	Add(StatusQuoted, EventBooked, StatusBooked).
	Add(StatusBooked, EventMatched, StatusMatched).
	Add(StatusMatched, EventReserved, StatusReserved).
	Add(StatusReserved, EventEnRoute, StatusEnRoute).
	Add(StatusEnRoute, EventAccessGranted, StatusAccessGranted).
	Add(StatusAccessGranted, EventExecStarted, StatusExecuting).
	Add(StatusExecuting, EventAssistNeeded, StatusAssisted).
	Add(StatusAssisted, EventAssistDone, StatusExecuting).
	Add(StatusExecuting, EventCompleted, StatusCompleted).
	Add(StatusCompleted, EventSettled, StatusSettled).
	Add(StatusCompleted, EventDisputed, StatusDisputed).
	Add(StatusDisputed, EventSettled, StatusSettled).
	Add(StatusCreated, EventCancelled, StatusCancelled).
	Add(StatusQuoted, EventCancelled, StatusCancelled).
	Add(StatusBooked, EventCancelled, StatusCancelled).
	Add(StatusMatched, EventCancelled, StatusCancelled).
	Add(StatusReserved, EventCancelled, StatusCancelled).
	Terminal(StatusSettled, StatusCancelled)

// Table exposes the job transition table for inspection and tests.
func Table() *machine.Table {
	return table
}

// Job is the aggregate folded from a job stream.
type Job struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	TemplateID       string        `json:"templateId,omitempty"`
	CustomerID       string        `json:"customerId,omitempty"`
	SiteID           string        `json:"siteId,omitempty"`
	Status           machine.State `json:"status"`
	Revision         int64         `json:"revision"`
	QuoteAmountCents int64         `json:"quoteAmountCents,omitempty"`
	Currency         string        `json:"currency,omitempty"`
	AgentID          string        `json:"agentId,omitempty"`
	UpdatedAt        string        `json:"updatedAt,omitempty"`
}

// New creates a job aggregate from a JOB_CREATED event.
func New(tenantID string, ev eventchain.Event) (Job, error) {
	if machine.EventType(ev.Type) != EventCreated {
		return Job{}, fmt.Errorf("jobs: stream must start with %s, got %s", EventCreated, ev.Type)
	}
	j := Job{
		ID:       ev.StreamID,
		TenantID: tenantID,
		Status:   StatusCreated,
	}
	absorbPayload(&j, ev)
	j.Revision = 1
	j.UpdatedAt = ev.At
	return j, nil
}

// Apply folds one event into the aggregate. Unknown event types (telemetry,
// heartbeats) leave the status unchanged but still increment the revision:
// every folded event is observable history. Failed applications leave the
// aggregate untouched.
func Apply(j *Job, ev eventchain.Event) error {
	next, _, err := table.Next(j.Status, machine.EventType(ev.Type))
	if err != nil {
		return err
	}
	j.Status = next
	absorbPayload(j, ev)
	j.Revision++
	j.UpdatedAt = ev.At
	return nil
}

// Fold replays a full stream into a job aggregate.
func Fold(tenantID string, events []eventchain.Event) (Job, error) {
	if len(events) == 0 {
		return Job{}, fmt.Errorf("jobs: empty stream")
	}
	j, err := New(tenantID, events[0])
	if err != nil {
		return Job{}, err
	}
	for _, ev := range events[1:] {
		if err := Apply(&j, ev); err != nil {
			return Job{}, err
		}
	}
	return j, nil
}

// absorbPayload copies recognized monetary and assignment fields from the
// event payload into the aggregate.
func absorbPayload(j *Job, ev eventchain.Event) {
	if ev.Payload == nil {
		return
	}
	if v, ok := stringField(ev.Payload, "templateId"); ok {
		j.TemplateID = v
	}
	if v, ok := stringField(ev.Payload, "customerId"); ok {
		j.CustomerID = v
	}
	if v, ok := stringField(ev.Payload, "siteId"); ok {
		j.SiteID = v
	}
	if v, ok := stringField(ev.Payload, "agentId"); ok {
		j.AgentID = v
	}
	if v, ok := stringField(ev.Payload, "currency"); ok {
		j.Currency = v
	}
	if v, ok := intField(ev.Payload, "amountCents"); ok {
		j.QuoteAmountCents = v
	}
}

func stringField(payload map[string]interface{}, key string) (string, bool) {
	v, ok := payload[key].(string)
	return v, ok && v != ""
}

func intField(payload map[string]interface{}, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
