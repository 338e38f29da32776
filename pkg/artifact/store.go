package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSourceEventConflict: a different artifact already exists for the
	// same (jobId, artifactType, sourceEventId) within the tenant. Code
	// ARTIFACT_SOURCE_EVENT_CONFLICT. Not retryable.
	ErrSourceEventConflict = errors.New("ARTIFACT_SOURCE_EVENT_CONFLICT")
	// ErrReceiptImmutable: an artifact with this id already exists with
	// different content. Code X402_RECEIPT_IMMUTABLE.
	ErrReceiptImmutable = errors.New("X402_RECEIPT_IMMUTABLE")
	// ErrNotFound is returned for unknown artifact ids.
	ErrNotFound = errors.New("artifact: not found")
)

// Record is a stored artifact: canonical body plus the uniqueness keys the
// store enforces per tenant.
type Record struct {
	TenantID      string    `json:"tenantId"`
	ArtifactID    string    `json:"artifactId"`
	ArtifactType  string    `json:"artifactType"`
	JobID         string    `json:"jobId"`
	SourceEventID string    `json:"sourceEventId"`
	CreatedAt     time.Time `json:"createdAt"`
	Body          []byte    `json:"body"`
}

// Store persists artifact records with tenant-scoped uniqueness.
//
// Put semantics: one artifact per (jobId, artifactType, sourceEventId) per
// tenant and immutability by artifact id, both enforced atomically at the
// point of write. An identical retry succeeds and returns the original
// record unchanged; a conflicting write is rejected with a named error.
type Store interface {
	Put(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, tenantID, artifactID string) (Record, error)
	// List returns a page of a tenant's artifacts ordered by (createdAt, id)
	// descending, plus the cursor for the next page ("" when exhausted).
	List(ctx context.Context, tenantID string, limit int, cursor string) ([]Record, string, error)
}

type sourceKey struct {
	tenantID      string
	jobID         string
	artifactType  string
	sourceEventID string
}

type idKey struct {
	tenantID   string
	artifactID string
}

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[idKey]Record
	bySource map[sourceKey]string // -> artifactID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[idKey]Record),
		bySource: make(map[sourceKey]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := idKey{rec.TenantID, rec.ArtifactID}
	if existing, found := s.byID[ik]; found {
		if bytes.Equal(existing.Body, rec.Body) {
			return existing, nil
		}
		return Record{}, fmt.Errorf("%w: artifact %s", ErrReceiptImmutable, rec.ArtifactID)
	}

	if rec.SourceEventID != "" {
		sk := sourceKey{rec.TenantID, rec.JobID, rec.ArtifactType, rec.SourceEventID}
		if existingID, found := s.bySource[sk]; found {
			existing := s.byID[idKey{rec.TenantID, existingID}]
			if bytes.Equal(existing.Body, rec.Body) {
				return existing, nil
			}
			return Record{}, fmt.Errorf("%w: job %s %s source event %s", ErrSourceEventConflict,
				rec.JobID, rec.ArtifactType, rec.SourceEventID)
		}
		s.bySource[sourceKey{rec.TenantID, rec.JobID, rec.ArtifactType, rec.SourceEventID}] = rec.ArtifactID
	}

	s.byID[ik] = rec
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, artifactID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.byID[idKey{tenantID, artifactID}]
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, limit int, cursor string) ([]Record, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var after *Cursor
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		after = &c
	}

	s.mu.Lock()
	var all []Record
	for k, rec := range s.byID {
		if k.tenantID == tenantID {
			all = append(all, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ArtifactID > all[j].ArtifactID
	})

	// Fetch one past the limit so has-more counts only post-cursor records.
	var page []Record
	for _, rec := range all {
		if after != nil && !recBefore(rec, *after) {
			continue
		}
		page = append(page, rec)
		if len(page) == limit+1 {
			break
		}
	}

	next := ""
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = EncodeCursor("desc", last.CreatedAt, last.ArtifactID)
	}
	return page, next, nil
}

// recBefore reports whether rec sorts strictly after the cursor position in
// descending order. Cursor timestamps are microsecond precision.
func recBefore(rec Record, c Cursor) bool {
	recMicro := rec.CreatedAt.UnixMicro()
	if recMicro != c.CreatedAt {
		return recMicro < c.CreatedAt
	}
	return rec.ArtifactID < c.LastID
}
