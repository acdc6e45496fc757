//go:build integration

package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	dhtesting "github.com/pumpingstationone/deepharbor/containers/testing"
)

func setupChangeLogDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	dsn, cleanup, err := dhtesting.SetupPostgres(ctx, t, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Change{}))
	return db
}

func insertChange(t *testing.T, db *gorm.DB, processed bool, data string) int64 {
	t.Helper()
	c := Change{Data: []byte(data), Processed: processed}
	require.NoError(t, db.Create(&c).Error)
	return c.ID
}

// FetchUnprocessedBatch returns only unprocessed rows, strictly ordered by
// ascending id, never more than the requested limit.
func TestStore_FetchUnprocessedBatch_OrdersAscendingAndRespectsLimit(t *testing.T) {
	db := setupChangeLogDB(t)
	store := NewStore(db)

	insertChange(t, db, true, `{"change":"status"}`)
	id2 := insertChange(t, db, false, `{"change":"status"}`)
	id3 := insertChange(t, db, false, `{"change":"access"}`)
	insertChange(t, db, false, `{"change":"identity"}`)

	rows, err := store.FetchUnprocessedBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, id2, rows[0].ID)
	assert.Equal(t, id3, rows[1].ID)
}

// A committed MarkProcessed is visible to a subsequent fetch.
func TestStore_MarkProcessed_ExcludesRowFromLaterFetch(t *testing.T) {
	db := setupChangeLogDB(t)
	store := NewStore(db)

	id := insertChange(t, db, false, `{"change":"status"}`)

	require.NoError(t, store.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return store.MarkProcessed(context.Background(), tx, id)
	}))

	rows, err := store.FetchUnprocessedBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// DecodePayload extracts change/member_id/body from the documented
// change_log.data envelope shape.
func TestDecodePayload_ExtractsChangeMemberAndBody(t *testing.T) {
	db := setupChangeLogDB(t)
	id := insertChange(t, db, false, `{"change":"status","member_id":"42","status":{"membership_status":"active"}}`)

	var row Change
	require.NoError(t, db.First(&row, id).Error)

	payload, err := DecodePayload(row)
	require.NoError(t, err)
	assert.Equal(t, "status", payload.Change)
	assert.Equal(t, "42", payload.MemberID)
	assert.JSONEq(t, `{"membership_status":"active"}`, string(payload.Body))
}
