package stream

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/eventchain"
)

func newPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stream_heads").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStoreHead(t *testing.T) {
	ctx := context.Background()
	store, mock := newPostgresStore(t)
	id := jobStream("job-1")

	mock.ExpectQuery("SELECT chain_hash, length FROM stream_heads").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash", "length"}).AddRow("abc123", 4))

	head, err := store.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Head{ChainHash: "abc123", Length: 4}, head)

	mock.ExpectQuery("SELECT chain_hash, length FROM stream_heads").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash", "length"}))

	head, err = store.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EmptyHead(), head)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendAdvancesHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store, mock := newPostgresStore(t)
	id := jobStream("job-1")

	prev := f.event(t, "job-1", "JOB_CREATED", eventchain.Genesis, nil)
	ev := f.event(t, "job-1", "JOB_BOOKED", prev.ChainHash, nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE stream_heads SET chain_hash").
		WithArgs(ev.ChainHash, id.String(), prev.ChainHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT length FROM stream_heads").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"length"}).AddRow(2))
	mock.ExpectExec("INSERT INTO stream_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	head, err := store.Append(ctx, id, prev.ChainHash, ev)
	require.NoError(t, err)
	assert.Equal(t, Head{ChainHash: ev.ChainHash, Length: 2}, head)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendStaleHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store, mock := newPostgresStore(t)
	id := jobStream("job-1")

	prev := f.event(t, "job-1", "JOB_CREATED", eventchain.Genesis, nil)
	ev := f.event(t, "job-1", "JOB_BOOKED", prev.ChainHash, nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE stream_heads SET chain_hash").
		WithArgs(ev.ChainHash, id.String(), prev.ChainHash).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.Append(ctx, id, prev.ChainHash, ev)
	require.ErrorIs(t, err, ErrHeadConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreFirstAppendLosesToExistingStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store, mock := newPostgresStore(t)
	id := jobStream("job-1")

	ev := f.event(t, "job-1", "JOB_CREATED", eventchain.Genesis, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stream_heads").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Another writer created the stream first; the read-back shows its head.
	mock.ExpectQuery("SELECT chain_hash, length FROM stream_heads").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash", "length"}).AddRow("someone-else", 1))
	mock.ExpectRollback()

	_, err := store.Append(ctx, id, eventchain.Genesis, ev)
	require.ErrorIs(t, err, ErrHeadConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
