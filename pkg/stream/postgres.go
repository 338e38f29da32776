package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/settld-labs/settld/pkg/eventchain"
)

// PostgresStore is a durable Store backed by PostgreSQL. Same shape as the
// SQLite store; the conditional UPDATE on the head row is what makes
// concurrent appends safe across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS stream_heads (
		stream_key TEXT PRIMARY KEY,
		chain_hash TEXT NOT NULL,
		length BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS stream_events (
		stream_key TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_id TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		body JSONB NOT NULL,
		PRIMARY KEY (stream_key, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Head(ctx context.Context, id ID) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_hash, length FROM stream_heads WHERE stream_key = $1`, id.String())
	var h Head
	err := row.Scan(&h.ChainHash, &h.Length)
	if err == sql.ErrNoRows {
		return EmptyHead(), nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("stream: read head: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) Append(ctx context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	if ev.PrevChainHash != expectedHead {
		return Head{}, fmt.Errorf("stream: event links %s, append names %s", ev.PrevChainHash, expectedHead)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Head{}, fmt.Errorf("stream: encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Head{}, fmt.Errorf("stream: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current Head
	if expectedHead == eventchain.Genesis {
		// First event: the head row must not exist yet. A duplicate insert
		// means another writer created the stream first.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stream_heads (stream_key, chain_hash, length) VALUES ($1, $2, 1)
			 ON CONFLICT (stream_key) DO NOTHING`,
			id.String(), ev.ChainHash)
		if err != nil {
			return Head{}, fmt.Errorf("stream: create head: %w", err)
		}
		row := tx.QueryRowContext(ctx,
			`SELECT chain_hash, length FROM stream_heads WHERE stream_key = $1`, id.String())
		if err := row.Scan(&current.ChainHash, &current.Length); err != nil {
			return Head{}, fmt.Errorf("stream: read head: %w", err)
		}
		if current.ChainHash != ev.ChainHash || current.Length != 1 {
			return Head{}, headConflict(id, expectedHead, current.ChainHash)
		}
		current.Length = 0
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE stream_heads SET chain_hash = $1, length = length + 1
			 WHERE stream_key = $2 AND chain_hash = $3`,
			ev.ChainHash, id.String(), expectedHead)
		if err != nil {
			return Head{}, fmt.Errorf("stream: advance head: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Head{}, fmt.Errorf("stream: advance head: %w", err)
		}
		if n == 0 {
			return Head{}, headConflict(id, expectedHead, "moved")
		}
		row := tx.QueryRowContext(ctx,
			`SELECT length FROM stream_heads WHERE stream_key = $1`, id.String())
		var length int
		if err := row.Scan(&length); err != nil {
			return Head{}, fmt.Errorf("stream: read head: %w", err)
		}
		current.Length = length - 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stream_events (stream_key, seq, event_id, chain_hash, body) VALUES ($1, $2, $3, $4, $5)`,
		id.String(), current.Length, ev.ID, ev.ChainHash, body)
	if err != nil {
		return Head{}, fmt.Errorf("stream: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Head{}, fmt.Errorf("stream: commit: %w", err)
	}
	return Head{ChainHash: ev.ChainHash, Length: current.Length + 1}, nil
}

func (s *PostgresStore) Events(ctx context.Context, id ID) ([]eventchain.Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM stream_events WHERE stream_key = $1 ORDER BY seq ASC`, id.String())
	if err != nil {
		return nil, fmt.Errorf("stream: read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []eventchain.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stream: scan event: %w", err)
		}
		var ev eventchain.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("stream: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
