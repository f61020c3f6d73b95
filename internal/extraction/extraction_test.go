package extraction

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/chainstate/internal/storeerr"
)

func TestGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, name, version, chain_id, cursor, attributes FROM extraction_state").
		WithArgs(int64(1), "ethereum-extractor").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "version", "chain_id", "cursor", "attributes"}))

	g := New()
	_, err = g.Get(context.Background(), mock, "ethereum-extractor", 1)
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
}

func TestUpsertIssuesOnConflictUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO extraction_state .*ON CONFLICT \\(name, chain_id\\) DO UPDATE").
		WithArgs("ethereum-extractor", "v1", int64(1), []byte("cursor-1"), []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	g := New()
	err = g.Upsert(context.Background(), mock, UpsertForm{
		Name: "ethereum-extractor", Version: "v1", ChainID: 1, Cursor: []byte("cursor-1"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
