package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-search-crawler/internal/document"
)

func newMockIndex(t *testing.T) (*Index, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	idx, err := NewWithPool(mock, "site_documents")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	idx.now = func() time.Time { return now }
	return idx, mock, now
}

func testDocs(t *testing.T) []document.Document {
	t.Helper()
	a, err := document.New("https://example.com/a", "alpha")
	require.NoError(t, err)
	b, err := document.New("https://example.com/b", "beta")
	require.NoError(t, err)
	return []document.Document{a, b}
}

func TestIndexBatchUpsertsInTransaction(t *testing.T) {
	t.Parallel()

	idx, mock, now := newMockIndex(t)
	docs := testDocs(t)

	mock.ExpectBegin()
	for _, d := range docs {
		mock.ExpectExec("INSERT INTO site_documents").
			WithArgs(d.ID, d.URL, d.Content, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	res, err := idx.IndexBatch(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Submitted)
	assert.Equal(t, 2, res.Succeeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexBatchRollsBackOnError(t *testing.T) {
	t.Parallel()

	idx, mock, now := newMockIndex(t)
	docs := testDocs(t)
	boom := errors.New("unique violation")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO site_documents").
		WithArgs(docs[0].ID, docs[0].URL, docs[0].Content, now).
		WillReturnError(boom)
	mock.ExpectRollback()

	res, err := idx.IndexBatch(context.Background(), docs)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, res.Succeeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexBatchBeginFailure(t *testing.T) {
	t.Parallel()

	idx, mock, _ := newMockIndex(t)
	mock.ExpectBegin().WillReturnError(errors.New("no connection"))

	_, err := idx.IndexBatch(context.Background(), testDocs(t))
	require.ErrorContains(t, err, "begin transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexBatchEmpty(t *testing.T) {
	t.Parallel()

	idx, mock, _ := newMockIndex(t)
	res, err := idx.IndexBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Submitted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "documents; DROP TABLE x")
	require.Error(t, err)
	_, err = NewWithPool(nil, "")
	require.Error(t, err)

	idx, err := NewWithPool(mock, "")
	require.NoError(t, err)
	assert.Equal(t, defaultTable, idx.table)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn")
}
