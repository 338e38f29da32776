package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/machine"
)

// Fold rebuilds a run settlement from its event stream. The stream is the
// system of record; any in-memory record is a cache of this fold.
func Fold(tenantID string, events []eventchain.Event) (RunSettlement, error) {
	if len(events) == 0 {
		return RunSettlement{}, fmt.Errorf("settlement: empty run stream")
	}
	first := events[0]
	if machine.EventType(first.Type) != EventRunLocked {
		return RunSettlement{}, fmt.Errorf("settlement: run stream must start with %s, got %s",
			EventRunLocked, first.Type)
	}
	amount, ok := intField(first.Payload, "amountCents")
	if !ok {
		return RunSettlement{}, fmt.Errorf("settlement: %s event missing amountCents", EventRunLocked)
	}
	agentID, _ := stringField(first.Payload, "agentId")
	payerID, _ := stringField(first.Payload, "payerAgentId")

	run, err := Lock(tenantID, first.StreamID, agentID, payerID, amount)
	if err != nil {
		return RunSettlement{}, err
	}
	for _, ev := range events[1:] {
		switch machine.EventType(ev.Type) {
		case EventRunReleased:
			n, ok := intField(ev.Payload, "amountCents")
			if !ok {
				return RunSettlement{}, fmt.Errorf("settlement: %s event missing amountCents", EventRunReleased)
			}
			if err := run.Release(n); err != nil {
				return RunSettlement{}, err
			}
		case EventRunRefunded:
			if err := run.Refund(); err != nil {
				return RunSettlement{}, err
			}
		default:
			// Unknown event types fold as no-ops but remain history.
			run.Revision++
		}
	}
	return run, nil
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
