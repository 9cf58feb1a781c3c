package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

func newMockStore(t *testing.T) (*URLStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewURLStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewURLStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewURLStoreWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewURLStoreWithPool(mock, "urls; DROP TABLE x", "")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewURLStore(context.Background(), URLStoreConfig{})
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tracked_urls").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS deferred_urls").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadURLs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT url FROM tracked_urls WHERE kind").
		WithArgs("timeout").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).
			AddRow("https://a.example/1").
			AddRow("https://b.example/2"))

	urls, err := store.LoadURLs(context.Background(), crawler.URLKindTimeout)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/1", "https://b.example/2"}, urls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadURLsWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT url FROM tracked_urls").
		WithArgs("dead").
		WillReturnError(errors.New("connection refused"))

	_, err := store.LoadURLs(context.Background(), crawler.URLKindDead)
	require.ErrorContains(t, err, "load dead urls: connection refused")
}

func TestSaveURLsReplacesSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	urls := []string{"https://a.example/1", "https://a.example/2"}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tracked_urls WHERE kind").
		WithArgs("failed").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO tracked_urls").
		WithArgs("failed", urls).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, store.SaveURLs(context.Background(), crawler.URLKindFailed, urls))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveURLsRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tracked_urls").
		WithArgs("failed").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err := store.SaveURLs(context.Background(), crawler.URLKindFailed, []string{"https://a.example"})
	require.ErrorContains(t, err, "clear failed urls: lock timeout")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveURLsEmptySetOnlyClears(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tracked_urls").
		WithArgs("timeout").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveURLs(context.Background(), crawler.URLKindTimeout, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	urls := []string{"https://a.example/1"}
	mock.ExpectExec("INSERT INTO deferred_urls").
		WithArgs(101, urls).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CommitPage(context.Background(), 101, urls))
	require.NoError(t, store.CommitPage(context.Background(), 101, nil), "empty commits skip the round trip")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTakePage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("WITH taken AS").
		WithArgs(100, 2).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).
			AddRow("https://a.example/1").
			AddRow("https://a.example/2"))

	urls, err := store.TakePage(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/1", "https://a.example/2"}, urls)

	urls, err = store.TakePage(context.Background(), 100, 0)
	require.NoError(t, err)
	require.Nil(t, urls)
	require.NoError(t, mock.ExpectationsWereMet())
}
