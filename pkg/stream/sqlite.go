package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/settld-labs/settld/pkg/eventchain"
)

// SQLiteStore is a durable Store backed by SQLite. The head row carries the
// optimistic concurrency token: appends update it with a conditional UPDATE
// and lose cleanly when the head moved.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS stream_heads (
		stream_key TEXT PRIMARY KEY,
		chain_hash TEXT NOT NULL,
		length INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS stream_events (
		stream_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		body BLOB NOT NULL,
		PRIMARY KEY (stream_key, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Head(ctx context.Context, id ID) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT chain_hash, length FROM stream_heads WHERE stream_key = ?`, id.String())
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

func (s *SQLiteStore) Append(ctx context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error) {
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

	row := tx.QueryRowContext(ctx,
		`SELECT chain_hash, length FROM stream_heads WHERE stream_key = ?`, id.String())
	var current Head
	switch err := row.Scan(&current.ChainHash, &current.Length); err {
	case nil:
	case sql.ErrNoRows:
		current = EmptyHead()
	default:
		return Head{}, fmt.Errorf("stream: read head: %w", err)
	}
	if current.ChainHash != expectedHead {
		return Head{}, headConflict(id, expectedHead, current.ChainHash)
	}

	if current.Length == 0 {
		// A concurrent first append races on the head row; the loser's
		// insert hits the existing key and reads back someone else's head.
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`INSERT INTO stream_heads (stream_key, chain_hash, length) VALUES (?, ?, 1)
			 ON CONFLICT (stream_key) DO NOTHING`,
			id.String(), ev.ChainHash)
		if err == nil {
			n, raErr := res.RowsAffected()
			if raErr != nil {
				err = raErr
			} else if n == 0 {
				row := tx.QueryRowContext(ctx,
					`SELECT chain_hash FROM stream_heads WHERE stream_key = ?`, id.String())
				actual := "moved"
				_ = row.Scan(&actual)
				return Head{}, headConflict(id, expectedHead, actual)
			}
		}
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`UPDATE stream_heads SET chain_hash = ?, length = length + 1
			 WHERE stream_key = ? AND chain_hash = ?`,
			ev.ChainHash, id.String(), expectedHead)
		if err == nil {
			n, raErr := res.RowsAffected()
			if raErr != nil {
				err = raErr
			} else if n == 0 {
				return Head{}, headConflict(id, expectedHead, "moved")
			}
		}
	}
	if err != nil {
		return Head{}, fmt.Errorf("stream: advance head: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stream_events (stream_key, seq, event_id, chain_hash, body) VALUES (?, ?, ?, ?, ?)`,
		id.String(), current.Length, ev.ID, ev.ChainHash, body)
	if err != nil {
		return Head{}, fmt.Errorf("stream: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Head{}, fmt.Errorf("stream: commit: %w", err)
	}
	return Head{ChainHash: ev.ChainHash, Length: current.Length + 1}, nil
}

func (s *SQLiteStore) Events(ctx context.Context, id ID) ([]eventchain.Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM stream_events WHERE stream_key = ? ORDER BY seq ASC`, id.String())
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
