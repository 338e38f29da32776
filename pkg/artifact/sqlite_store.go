package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by SQLite. Uniqueness constraints
// live in the schema, so conflicting writes lose at the database, not in Go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		tenant_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		source_event_id TEXT NOT NULL DEFAULT '',
		created_at_micros INTEGER NOT NULL,
		body BLOB NOT NULL,
		PRIMARY KEY (tenant_id, artifact_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_source
		ON artifacts (tenant_id, job_id, artifact_type, source_event_id)
		WHERE source_event_id != '';`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Immutability by id.
	existing, err := getTx(ctx, tx, rec.TenantID, rec.ArtifactID)
	if err == nil {
		if string(existing.Body) == string(rec.Body) {
			return existing, nil
		}
		return Record{}, fmt.Errorf("%w: artifact %s", ErrReceiptImmutable, rec.ArtifactID)
	}

	// Uniqueness per source event.
	if rec.SourceEventID != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT artifact_id, body FROM artifacts
			WHERE tenant_id = ? AND job_id = ? AND artifact_type = ? AND source_event_id = ?`,
			rec.TenantID, rec.JobID, rec.ArtifactType, rec.SourceEventID)
		var existingID string
		var body []byte
		switch err := row.Scan(&existingID, &body); err {
		case nil:
			if string(body) == string(rec.Body) {
				return getTxCommit(ctx, tx, rec.TenantID, existingID)
			}
			return Record{}, fmt.Errorf("%w: job %s %s source event %s", ErrSourceEventConflict,
				rec.JobID, rec.ArtifactType, rec.SourceEventID)
		case sql.ErrNoRows:
		default:
			return Record{}, fmt.Errorf("artifact: source lookup: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (tenant_id, artifact_id, artifact_type, job_id, source_event_id, created_at_micros, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.ArtifactID, rec.ArtifactType, rec.JobID, rec.SourceEventID,
		rec.CreatedAt.UnixMicro(), rec.Body)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("artifact: commit: %w", err)
	}
	rec.CreatedAt = time.UnixMicro(rec.CreatedAt.UnixMicro()).UTC()
	return rec, nil
}

func getTxCommit(ctx context.Context, tx *sql.Tx, tenantID, artifactID string) (Record, error) {
	rec, err := getTx(ctx, tx, tenantID, artifactID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("artifact: commit: %w", err)
	}
	return rec, nil
}

func getTx(ctx context.Context, tx *sql.Tx, tenantID, artifactID string) (Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT tenant_id, artifact_id, artifact_type, job_id, source_event_id, created_at_micros, body
		FROM artifacts WHERE tenant_id = ? AND artifact_id = ?`, tenantID, artifactID)
	return scanRecord(row)
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, artifactID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, artifact_id, artifact_type, job_id, source_event_id, created_at_micros, body
		FROM artifacts WHERE tenant_id = ? AND artifact_id = ?`, tenantID, artifactID)
	return scanRecord(row)
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string, limit int, cursor string) ([]Record, string, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT tenant_id, artifact_id, artifact_type, job_id, source_event_id, created_at_micros, body
		FROM artifacts WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at_micros < ? OR (created_at_micros = ? AND artifact_id < ?))`
		args = append(args, c.CreatedAt, c.CreatedAt, c.LastID)
	}
	query += ` ORDER BY created_at_micros DESC, artifact_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("artifact: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = EncodeCursor("desc", last.CreatedAt, last.ArtifactID)
	}
	return page, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var micros int64
	err := row.Scan(&rec.TenantID, &rec.ArtifactID, &rec.ArtifactType, &rec.JobID,
		&rec.SourceEventID, &micros, &rec.Body)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("artifact: scan: %w", err)
	}
	rec.CreatedAt = time.UnixMicro(micros).UTC()
	return rec, nil
}
