// Package stream persists hash-chained event streams with optimistic
// concurrency. Every append names the chain head it extends; a stale head
// loses with a conflict instead of forking the chain.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/settld-labs/settld/pkg/eventchain"
)

// ErrHeadConflict is returned when an append names a chain head that is no
// longer current. The caller re-reads the stream and retries.
var ErrHeadConflict = errors.New("PREV_CHAIN_HASH_MISMATCH")

// ID identifies one event stream within a tenant.
type ID struct {
	TenantID      string
	AggregateType string
	AggregateID   string
}

func (id ID) String() string {
	return id.TenantID + "/" + id.AggregateType + "/" + id.AggregateID
}

// Validate rejects IDs that would collapse distinct streams into one key.
func (id ID) Validate() error {
	if id.TenantID == "" || id.AggregateType == "" || id.AggregateID == "" {
		return fmt.Errorf("stream: incomplete id %q", id.String())
	}
	return nil
}

// Head is the current position of a stream. An empty stream reports the
// genesis sentinel and length zero.
type Head struct {
	ChainHash string `json:"chainHash"`
	Length    int    `json:"length"`
}

// EmptyHead is the head of a stream with no events.
func EmptyHead() Head {
	return Head{ChainHash: eventchain.Genesis, Length: 0}
}

// Store persists event streams. Append is compare-and-swap on the chain
// head: it succeeds only when expectedHead matches the stored head.
type Store interface {
	Head(ctx context.Context, id ID) (Head, error)
	Append(ctx context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error)
	Events(ctx context.Context, id ID) ([]eventchain.Event, error)
}

func headConflict(id ID, expected, actual string) error {
	return fmt.Errorf("%w: stream %s expected head %s, is %s", ErrHeadConflict, id, expected, actual)
}
