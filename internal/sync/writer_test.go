package sync

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/retry"
)

func openWriterDB(t *testing.T, ddl string) *db.Connector {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file:"+sanitize(t.Name())+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.Exec(ddl).Error)
	return &db.Connector{DB: gdb, Name: "target"}
}

func row(id string, qty int) map[string]interface{} {
	return map[string]interface{}{"id": id, "name": "n-" + id, "qty": qty, "updated_at": testBase}
}

func TestWriteBatchUpsertsInChunks(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, qty INTEGER, updated_at DATETIME)`)
	w := newBatchWriter(target, itemsMeta(), 2, zap.NewNop())

	rows := []map[string]interface{}{row("a", 1), row("b", 2), row("c", 3)}
	committed, failures, err := w.writeBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(3), committed)

	// Writing again with changed values exercises the conflict arm.
	rows[1]["qty"] = 20
	committed, failures, err = w.writeBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(3), committed)

	var qty int64
	require.NoError(t, target.DB.Raw(`SELECT qty FROM items WHERE id = 'b'`).Scan(&qty).Error)
	assert.Equal(t, int64(20), qty)
	var count int64
	require.NoError(t, target.DB.Raw(`SELECT COUNT(*) FROM items`).Scan(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestWriteBatchFallsBackRowByRow(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, qty INTEGER CHECK (qty >= 0), updated_at DATETIME)`)
	w := newBatchWriter(target, itemsMeta(), 50, zap.NewNop())

	rows := []map[string]interface{}{row("a", 1), row("bad", -5), row("c", 3)}
	committed, failures, err := w.writeBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed, "good rows survive a poisoned chunk")
	require.Len(t, failures, 1)
	assert.Equal(t, "bad", failures[0].RowID)

	var count int64
	require.NoError(t, target.DB.Raw(`SELECT COUNT(*) FROM items`).Scan(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestWriteBatchRejectsOversizedRows(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, qty INTEGER, updated_at DATETIME)`)
	w := newBatchWriter(target, itemsMeta(), 50, zap.NewNop())

	huge := row("huge", 1)
	huge["name"] = strings.Repeat("x", maxRowBytes+1)
	committed, failures, err := w.writeBatch(context.Background(), []map[string]interface{}{row("ok", 1), huge})
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed)
	require.Len(t, failures, 1)
	assert.Equal(t, "huge", failures[0].RowID)
	assert.Contains(t, failures[0].Reason, "byte limit")
}

func TestWriteBatchWithoutIDUniqueness(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE items (id TEXT, name TEXT, qty INTEGER, updated_at DATETIME)`)
	meta := itemsMeta()
	meta.HasIDUniqueness = false
	w := newBatchWriter(target, meta, 50, zap.NewNop())

	committed, failures, err := w.writeBatch(context.Background(), []map[string]interface{}{row("a", 1)})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(1), committed)

	updated := row("a", 9)
	committed, failures, err = w.writeBatch(context.Background(), []map[string]interface{}{updated})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(1), committed)

	var count int64
	require.NoError(t, target.DB.Raw(`SELECT COUNT(*) FROM items WHERE id = 'a'`).Scan(&count).Error)
	assert.Equal(t, int64(1), count, "update-then-insert fallback must not duplicate rows")
	var qty int64
	require.NoError(t, target.DB.Raw(`SELECT qty FROM items WHERE id = 'a'`).Scan(&qty).Error)
	assert.Equal(t, int64(9), qty)
}

func TestWriteBatchTransientFailureIsTableLevel(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, qty INTEGER CHECK (qty >= 0), updated_at DATETIME)`)
	w := newBatchWriter(target, itemsMeta(), 50, zap.NewNop())
	// Classify every failure as transient; the writer must then surface one
	// table-level error instead of degrading to row-by-row.
	w.retryOpts = retry.Options{MaxRetries: 0, RetryIf: func(error) bool { return true }}

	rows := []map[string]interface{}{row("a", 1), row("bad", -5), row("c", 3)}
	committed, failures, err := w.writeBatch(context.Background(), rows)
	require.Error(t, err)
	assert.Empty(t, failures, "a dead connection must not become per-row errors")
	assert.Equal(t, int64(0), committed)

	var count int64
	require.NoError(t, target.DB.Raw(`SELECT COUNT(*) FROM items`).Scan(&count).Error)
	assert.Equal(t, int64(0), count, "nothing commits when the transaction is abandoned")
}

func TestBuildBulkUpsertOverridesIdentity(t *testing.T) {
	target := openWriterDB(t, `CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT)`)
	meta := &introspect.TableMetadata{
		TableName:             "events",
		Columns:               []string{"id", "name"},
		IdentityAlwaysColumns: []string{"id"},
		HasIDUniqueness:       true,
	}
	w := newBatchWriter(target, meta, 50, zap.NewNop())

	query, args, err := w.buildBulkUpsert([]map[string]interface{}{{"id": int64(7), "name": "x"}})
	require.NoError(t, err)
	assert.Contains(t, query, `INSERT INTO "events" ("id", "name") OVERRIDING SYSTEM VALUE VALUES`,
		"identity ids must travel with the insert or re-runs duplicate the table")
	assert.Contains(t, query, `ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name"`)
	assert.Equal(t, []interface{}{int64(7), "x"}, args)

	// Without identity columns the clause must not appear.
	w.meta = itemsMeta()
	query, _, err = w.buildBulkUpsert([]map[string]interface{}{row("a", 1)})
	require.NoError(t, err)
	assert.NotContains(t, query, "OVERRIDING SYSTEM VALUE")
}

func TestClassifyRowError(t *testing.T) {
	assert.Equal(t, "write failed", classifyRowError(assert.AnError))
}
