package protocolgw

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/chainstate/internal/models"
)

func TestGetProtocolStatesGroupsAdjacentRowsByComponent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{"external_id", "attribute_name", "attribute_value", "hash"}).
		AddRow("pool-a", "reserve0", []byte{1}, []byte("tx1")).
		AddRow("pool-a", "reserve1", []byte{2}, []byte("tx1")).
		AddRow("pool-a", "reserve0", []byte{9}, []byte("tx2")).
		AddRow("pool-b", "reserve0", []byte{5}, []byte("tx3"))
	mock.ExpectQuery("SELECT pc.external_id, ps.attribute_name, ps.attribute_value, tx.hash FROM protocol_state").
		WillReturnRows(rows)

	g := New()
	states, err := g.GetProtocolStates(context.Background(), mock, 1, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "pool-a", states[0].ComponentExternalID)
	assert.Equal(t, []byte{9}, states[0].Attributes["reserve0"])
	assert.Equal(t, []byte{2}, states[0].Attributes["reserve1"])
	assert.Equal(t, []byte("tx2"), states[0].ModifyTxHash)

	assert.Equal(t, "pool-b", states[1].ComponentExternalID)
	assert.Equal(t, []byte{5}, states[1].Attributes["reserve0"])

	require.NoError(t, mock.ExpectationsWereMet())
	_ = now
}

func TestGetProtocolStatesEmptyResultYieldsNoComponents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"external_id", "attribute_name", "attribute_value", "hash"})
	mock.ExpectQuery("SELECT pc.external_id, ps.attribute_name, ps.attribute_value, tx.hash FROM protocol_state").
		WillReturnRows(rows)

	g := New()
	states, err := g.GetProtocolStates(context.Background(), mock, 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestUpdateProtocolStatesVersionsAttributesAndTombstones(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT external_id, id FROM protocol_component").
		WillReturnRows(pgxmock.NewRows([]string{"external_id", "id"}).AddRow("pool-a", int64(1)))
	mock.ExpectQuery("SELECT t.id, t.index, t.block_id, b.hash, b.ts FROM transaction").
		WithArgs([]byte("tx1")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "index", "block_id", "hash", "ts"}).
			AddRow(int64(5), int64(0), int64(1), []byte("b1"), time.Now()))
	mock.ExpectQuery("SELECT id, protocol_component_id, attribute_name, attribute_value FROM protocol_state").
		WillReturnRows(pgxmock.NewRows([]string{"id", "protocol_component_id", "attribute_name", "attribute_value"}))
	mock.ExpectExec("INSERT INTO protocol_state").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO protocol_state").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	g := New()
	err = g.UpdateProtocolStates(context.Background(), tx, 1, []ProtocolStateDeltaInput{
		{TxHash: []byte("tx1"), ComponentID: "pool-a", Updates: map[string][]byte{"reserve0": {1}}, Deleted: []string{"reserve1"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddProtocolComponentsUsesChainExternalIDConflictTarget(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO protocol_component .*ON CONFLICT \\(chain_id, external_id\\) DO NOTHING").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	g := New()
	err = g.AddProtocolComponents(context.Background(), tx, []models.ProtocolComponent{
		{ChainID: 1, ExternalID: "pool-a", ProtocolTypeID: 1, ProtocolSystemID: 1, CreationTx: 5, CreatedAt: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProtocolTypeIssuesOnConflictUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO protocol_type .*ON CONFLICT \\(name\\) DO UPDATE").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	g := New()
	err = g.UpsertProtocolType(context.Background(), tx, models.ProtocolType{Name: "uniswap_v2_pool"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndGetComponentBalances(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT external_id, id FROM protocol_component").
		WillReturnRows(pgxmock.NewRows([]string{"external_id", "id"}).AddRow("pool-a", int64(1)))
	mock.ExpectQuery("SELECT t.id, t.index, t.block_id, b.hash, b.ts FROM transaction").
		WithArgs([]byte("tx1")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "index", "block_id", "hash", "ts"}).
			AddRow(int64(5), int64(0), int64(1), []byte("b1"), time.Now()))
	mock.ExpectQuery("SELECT id, protocol_component_id, token_id, new_balance FROM component_balance").
		WillReturnRows(pgxmock.NewRows([]string{"id", "protocol_component_id", "token_id", "new_balance"}))
	mock.ExpectExec("INSERT INTO component_balance").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	g := New()
	err = g.UpsertComponentBalances(context.Background(), tx, 1, []BalanceChange{
		{TxHash: []byte("tx1"), ComponentID: "pool-a", TokenID: 2, NewBalance: []byte{1, 0}, BalanceFloat: 256},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectQuery("SELECT external_id, id FROM protocol_component").
		WillReturnRows(pgxmock.NewRows([]string{"external_id", "id"}).AddRow("pool-a", int64(1)))
	mock.ExpectQuery("SELECT protocol_component_id, token_id, new_balance FROM component_balance").
		WillReturnRows(pgxmock.NewRows([]string{"protocol_component_id", "token_id", "new_balance"}).
			AddRow(int64(1), int64(2), []byte{1, 0}))

	balances, err := g.GetComponentBalances(context.Background(), tx, 1, []string{"pool-a"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, balances["pool-a"][2])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshComponentTVLCallsSQLFunction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT refresh_component_tvl\\(\\)").WillReturnResult(pgxmock.NewResult("SELECT", 0))

	g := New()
	err = g.RefreshComponentTVL(context.Background(), mock)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProtocolStateDeltaForwardUsesComponentExternalID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start := models.VersionLast(models.AtTimestamp(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	target := *models.VersionLast(models.AtTimestamp(time.Date(2020, 1, 1, 2, 0, 0, 0, time.UTC)))
	writeTs := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT ps.protocol_component_id, pc.external_id, ps.attribute_name, ps.attribute_value, ps.previous_value, ps.valid_from, tx.index FROM protocol_state").
		WillReturnRows(pgxmock.NewRows([]string{"protocol_component_id", "external_id", "attribute_name", "attribute_value", "previous_value", "valid_from", "index"}).
			AddRow(int64(1), "pool-a", "reserve0", []byte{9}, []byte{1}, writeTs, int64(0)))

	g := New()
	delta, err := g.GetProtocolStateDelta(context.Background(), mock, 1, start, target)
	require.NoError(t, err)
	require.Contains(t, delta, "pool-a")
	assert.Equal(t, []byte{9}, delta["pool-a"]["reserve0"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevertProtocolStateReopensRowsAndUndeletesComponents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	blockTs := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, chain_id, hash, parent_hash, number, ts, main FROM block").
		WithArgs(int64(1), true, int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "chain_id", "hash", "parent_hash", "number", "ts", "main"}).
			AddRow(int64(5), int64(1), []byte("b5"), []byte("b4"), int64(5), blockTs, true))

	mock.ExpectExec("DELETE FROM block").WithArgs(int64(1), int64(5)).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("UPDATE protocol_state").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE component_balance").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE protocol_component_holds_contract").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE protocol_component").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	g := New()
	err = g.RevertProtocolState(context.Background(), tx, 1, models.BlockByNumber(1, 5))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
