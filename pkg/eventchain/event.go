// Package eventchain builds, signs, appends, and verifies per-stream hash
// chains of settlement events.
//
// Each event commits to its payload (payloadHash) and to its predecessor
// (chainHash), giving every stream a total order that any holder of the
// events can re-verify offline. Signatures cover chainHash, so a signature
// vouches for the event's position in the stream as well as its content.
package eventchain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/keys"
)

// Genesis is the prevChainHash sentinel for the first event of a stream.
const Genesis = "genesis"

// Actor identifies who produced an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is an immutable, hash-chained settlement event.
type Event struct {
	ID            string                 `json:"id"`
	StreamID      string                 `json:"streamId"`
	Type          string                 `json:"type"`
	Actor         Actor                  `json:"actor"`
	Payload       map[string]interface{} `json:"payload"`
	At            string                 `json:"at"`
	PayloadHash   string                 `json:"payloadHash,omitempty"`
	PrevChainHash string                 `json:"prevChainHash,omitempty"`
	ChainHash     string                 `json:"chainHash,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
	SignerKeyID   string                 `json:"signerKeyId,omitempty"`
}

var (
	// ErrChainMismatch is returned by Append when the new event does not link
	// to the current head. This is a caller bug, not a concurrency conflict.
	ErrChainMismatch = errors.New("eventchain: prevChainHash does not match chain head")
	// ErrAlreadyFinalized is returned when finalizing an event twice.
	ErrAlreadyFinalized = errors.New("eventchain: event already finalized")
)

// NewDraft builds an unsigned event shell. Hashes are computed at Finalize.
func NewDraft(streamID, eventType string, actor Actor, payload map[string]interface{}, at string) Event {
	return Event{
		ID:       uuid.NewString(),
		StreamID: streamID,
		Type:     eventType,
		Actor:    actor,
		Payload:  payload,
		At:       at,
	}
}

// Finalize computes payloadHash and chainHash for a draft and optionally
// signs it. The payload is canonicalized first: undefined object members are
// stripped recursively, undefined array elements are rejected. When signer is
// non-nil, reg gates on current key status; a revoked key cannot finalize.
func Finalize(draft Event, prevChainHash string, signer *keys.Signer, reg *keys.Registry) (Event, error) {
	if draft.ChainHash != "" {
		return Event{}, ErrAlreadyFinalized
	}
	if prevChainHash == "" {
		prevChainHash = Genesis
	}
	if err := ValidatePayload(draft.Type, draft.Payload); err != nil {
		return Event{}, err
	}

	payloadHash, err := canonical.Hash(map[string]interface{}{
		"type":     draft.Type,
		"actor":    draft.Actor,
		"payload":  draft.Payload,
		"at":       draft.At,
		"streamId": draft.StreamID,
	})
	if err != nil {
		return Event{}, fmt.Errorf("eventchain: payload hash: %w", err)
	}

	chainHash, err := canonical.Hash(map[string]interface{}{
		"payloadHash":   payloadHash,
		"prevChainHash": prevChainHash,
	})
	if err != nil {
		return Event{}, fmt.Errorf("eventchain: chain hash: %w", err)
	}

	out := draft
	out.PayloadHash = payloadHash
	out.PrevChainHash = prevChainHash
	out.ChainHash = chainHash

	if signer != nil {
		if reg != nil {
			if err := reg.CheckActive(signer.KeyID); err != nil {
				return Event{}, err
			}
		}
		out.Signature = signer.Sign(chainHash)
		out.SignerKeyID = signer.KeyID
	}

	return out, nil
}

// Append appends a finalized event to a sequence, requiring exact linkage to
// the current head. A mismatch is surfaced, never silently corrected.
func Append(events []Event, ev Event) ([]Event, error) {
	head := Genesis
	if len(events) > 0 {
		head = events[len(events)-1].ChainHash
	}
	if ev.PrevChainHash != head {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChainMismatch, head, ev.PrevChainHash)
	}
	return append(events, ev), nil
}

// Head returns the chain head of a sequence, or Genesis when empty.
func Head(events []Event) string {
	if len(events) == 0 {
		return Genesis
	}
	return events[len(events)-1].ChainHash
}
