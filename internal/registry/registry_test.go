package registry

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/storeerr"
)

func TestResolveBlockByNumberFiltersMainChain(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "chain_id", "hash", "parent_hash", "number", "ts", "main"}).
		AddRow(int64(1), int64(1), []byte("h2"), []byte("h1"), int64(2), ts, true)
	mock.ExpectQuery("SELECT id, chain_id, hash, parent_hash, number, ts, main FROM block").
		WithArgs(int64(1), true, int64(2)).
		WillReturnRows(rows)

	b, err := ResolveBlock(context.Background(), mock, models.BlockByNumber(1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Number)
	assert.True(t, b.Main)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveBlockByHashIncludesChainPredicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "chain_id", "hash", "parent_hash", "number", "ts", "main"}).
		AddRow(int64(5), int64(3), []byte("hh"), []byte(nil), int64(9), time.Now(), true)
	mock.ExpectQuery("SELECT id, chain_id, hash, parent_hash, number, ts, main FROM block").
		WithArgs(int64(3), []byte("hh")).
		WillReturnRows(rows)

	b, err := ResolveBlock(context.Background(), mock, models.BlockByHash(3, []byte("hh")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.ChainID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveBlockNotFoundTranslatesToStoreerr(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "chain_id", "hash", "parent_hash", "number", "ts", "main"})
	mock.ExpectQuery("SELECT id, chain_id, hash, parent_hash, number, ts, main FROM block").
		WithArgs(int64(1), true, int64(99)).
		WillReturnRows(rows)

	_, err = ResolveBlock(context.Background(), mock, models.BlockByNumber(1, 99))
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveVersionTimestampRejectsFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	v := &models.Version{At: models.LatestBlock(1), Kind: models.VersionKindFirst}
	_, err = ResolveVersionTimestamp(context.Background(), mock, v)
	require.Error(t, err)
}

func TestResolveVersionTimestampPassesThroughBareTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	v := models.VersionLast(models.AtTimestamp(ts))
	got, err := ResolveVersionTimestamp(context.Background(), mock, v)
	require.NoError(t, err)
	assert.Equal(t, ts, got.Ts)
}
