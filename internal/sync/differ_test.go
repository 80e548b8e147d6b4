package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRowsToSyncPaginates(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	for i := 0; i < 5; i++ {
		seedRow(t, source, fmt.Sprintf("r%d", i), "n", i, testBase.Add(time.Duration(i)*time.Minute))
	}
	seedRow(t, target, "r0", "already-there", 0, testBase)

	fetcher := NewRowFetcher(source, target, zap.NewNop())
	ctx := context.Background()

	batch, err := fetcher.RowsToSync(ctx, "items", Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)
	assert.True(t, batch.HasMore)
	assert.Equal(t, "r0", fmt.Sprint(batch.Rows[0]["id"]))
	assert.Equal(t, "r1", fmt.Sprint(batch.Rows[1]["id"]))
	assert.Equal(t, "r1", batch.Next.LastRowID)
	require.Contains(t, batch.TargetRows, "r0", "existing target rows are pre-fetched")
	assert.NotContains(t, batch.TargetRows, "r1")

	batch, err = fetcher.RowsToSync(ctx, "items", batch.Next, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, "r2", fmt.Sprint(batch.Rows[0]["id"]))
	assert.Equal(t, "r3", fmt.Sprint(batch.Rows[1]["id"]))

	batch, err = fetcher.RowsToSync(ctx, "items", batch.Next, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.False(t, batch.HasMore)
	assert.Equal(t, "r4", batch.Next.LastRowID)
}

func TestRowsToSyncBreaksTimestampTiesByID(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	// All rows share one timestamp; ordering falls to the id tiebreak.
	for _, id := range []string{"b", "a", "c"} {
		seedRow(t, source, id, "n", 1, testBase)
	}

	fetcher := NewRowFetcher(source, target, zap.NewNop())
	batch, err := fetcher.RowsToSync(context.Background(), "items", Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, "a", fmt.Sprint(batch.Rows[0]["id"]))
	assert.Equal(t, "b", fmt.Sprint(batch.Rows[1]["id"]))

	batch, err = fetcher.RowsToSync(context.Background(), "items", batch.Next, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "c", fmt.Sprint(batch.Rows[0]["id"]))
}

func TestRowsToSyncRejectsUnsafeTableName(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	fetcher := NewRowFetcher(source, target, zap.NewNop())

	_, err := fetcher.RowsToSync(context.Background(), `items"; DROP TABLE items;--`, Cursor{}, 10)
	require.Error(t, err)
}
