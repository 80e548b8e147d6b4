package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
)

var testBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T, role string) *db.Connector {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", sanitize(t.Name()), role)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.Exec(`CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, qty INTEGER, updated_at DATETIME)`).Error)
	return &db.Connector{DB: gdb, Name: role}
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func seedRow(t *testing.T, conn *db.Connector, id, name string, qty int, ts time.Time) {
	t.Helper()
	err := conn.DB.Exec(`INSERT INTO items (id, name, qty, updated_at) VALUES (?, ?, ?, ?)`, id, name, qty, ts).Error
	require.NoError(t, err)
}

func itemsMeta() *introspect.TableMetadata {
	return &introspect.TableMetadata{
		TableName:       "items",
		Columns:         []string{"id", "name", "qty", "updated_at"},
		HasIDUniqueness: true,
	}
}

type syncerOpts struct {
	spec JobSpec
	cfg  TableConfig
	meta *introspect.TableMetadata
}

func newTestSyncer(t *testing.T, source, target *db.Connector, opts syncerOpts) *tableSyncer {
	t.Helper()
	if opts.cfg.Name == "" {
		opts.cfg = TableConfig{Name: "items", Enabled: true, ConflictStrategy: config.ConflictLastWriteWins}
	}
	if opts.meta == nil {
		opts.meta = itemsMeta()
	}
	spec := opts.spec.withDefaults()
	logger := zap.NewNop()
	return &tableSyncer{
		spec:    spec,
		cfg:     opts.cfg,
		meta:    opts.meta,
		fetcher: NewRowFetcher(source, target, logger),
		writer:  newBatchWriter(target, opts.meta, spec.BulkChunkSize, logger),
		token:   NewCancelToken(),
		store:   metrics.NewStore(),
		logger:  logger,
	}
}

func countRows(t *testing.T, conn *db.Connector) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.DB.Raw(`SELECT COUNT(*) FROM items`).Scan(&n).Error)
	return n
}

func fetchName(t *testing.T, conn *db.Connector, id string) string {
	t.Helper()
	var name string
	require.NoError(t, conn.DB.Raw(`SELECT name FROM items WHERE id = ?`, id).Scan(&name).Error)
	return name
}

func TestTableSyncInsertsMissingRows(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	for i := 0; i < 3; i++ {
		seedRow(t, source, fmt.Sprintf("r%d", i), fmt.Sprintf("name-%d", i), i, testBase.Add(time.Duration(i)*time.Minute))
	}

	syncer := newTestSyncer(t, source, target, syncerOpts{})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.True(t, result.Completed)
	assert.Equal(t, int64(3), result.Inserted)
	assert.Equal(t, int64(0), result.Updated)
	assert.Equal(t, int64(3), result.Processed)
	assert.Equal(t, int64(3), countRows(t, target))
}

func TestTableSyncUpdatesAndSkips(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")

	// newer on source: must be updated
	seedRow(t, source, "upd", "new-name", 1, testBase.Add(2*time.Hour))
	seedRow(t, target, "upd", "old-name", 1, testBase)
	// newer on target under one-way: left alone
	seedRow(t, source, "stale", "stale-src", 1, testBase)
	seedRow(t, target, "stale", "fresh-tgt", 1, testBase.Add(2*time.Hour))
	// identical: nothing to do
	seedRow(t, source, "same", "same-name", 5, testBase)
	seedRow(t, target, "same", "same-name", 5, testBase)

	syncer := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{Direction: config.DirectionOneWay},
	})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.True(t, result.Completed)
	assert.Equal(t, int64(1), result.Updated)
	assert.Equal(t, int64(0), result.Inserted)
	assert.Equal(t, int64(1), result.Skipped.AlreadySynced)
	assert.Equal(t, int64(1), result.Skipped.NoChanges)
	assert.Equal(t, "new-name", fetchName(t, target, "upd"))
	assert.Equal(t, "fresh-tgt", fetchName(t, target, "stale"), "one-way must not clobber a newer target row")
}

func TestTwoWayManualStrategyFlagsConflict(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	seedRow(t, source, "c1", "src-version", 1, testBase)
	seedRow(t, target, "c1", "tgt-version", 1, testBase.Add(time.Hour))

	syncer := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{Direction: config.DirectionTwoWay},
		cfg:  TableConfig{Name: "items", Enabled: true, ConflictStrategy: config.ConflictManual},
	})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Skipped.Conflict)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "c1", result.Conflicts[0].RowID)
	assert.Equal(t, ResolutionPending, result.Conflicts[0].Resolution)
	assert.Equal(t, "tgt-version", fetchName(t, target, "c1"), "manual strategy must not touch the target")
}

func TestTwoWaySourceWinsOverwritesNewerTarget(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	seedRow(t, source, "c1", "src-version", 1, testBase)
	seedRow(t, target, "c1", "tgt-version", 1, testBase.Add(time.Hour))

	syncer := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{Direction: config.DirectionTwoWay},
		cfg:  TableConfig{Name: "items", Enabled: true, ConflictStrategy: config.ConflictSourceWins},
	})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Updated)
	assert.Equal(t, "src-version", fetchName(t, target, "c1"))
}

func TestCheckpointCadence(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	for i := 0; i < 6; i++ {
		seedRow(t, source, fmt.Sprintf("r%d", i), "n", i, testBase.Add(time.Duration(i)*time.Minute))
	}

	syncer := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{BatchSize: 2, CheckpointInterval: 2},
	})
	var checkpoints []Cursor
	syncer.onCheckpoint = func(table string, cursor Cursor) {
		assert.Equal(t, "items", table)
		checkpoints = append(checkpoints, cursor)
	}

	result := syncer.run(context.Background(), Cursor{})
	require.NoError(t, result.Err)
	assert.True(t, result.Completed)
	require.Len(t, checkpoints, 3, "six rows at interval two means three checkpoints")
	assert.Equal(t, "r1", checkpoints[0].LastRowID)
	assert.Equal(t, "r3", checkpoints[1].LastRowID)
	assert.Equal(t, "r5", checkpoints[2].LastRowID)
}

func TestCancellationAndResume(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	for i := 0; i < 5; i++ {
		seedRow(t, source, fmt.Sprintf("r%d", i), "n", i, testBase.Add(time.Duration(i)*time.Minute))
	}

	syncer := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{BatchSize: 2},
	})
	token := NewCancelToken()
	syncer.token = token
	syncer.onBatch = func(snapshot TableResult) {
		// Trip the token after the first committed batch.
		token.Cancel()
	}

	result := syncer.run(context.Background(), Cursor{})
	require.ErrorIs(t, result.Err, errCancelled)
	assert.False(t, result.Completed)
	assert.Equal(t, int64(2), result.Processed)
	assert.Equal(t, "r1", result.LastCursor.LastRowID, "cursor must point at the last committed batch")

	// Resuming from the returned cursor finishes the table without
	// re-writing the committed rows.
	resumed := newTestSyncer(t, source, target, syncerOpts{
		spec: JobSpec{BatchSize: 2},
	})
	final := resumed.run(context.Background(), result.LastCursor)
	require.NoError(t, final.Err)
	assert.True(t, final.Completed)
	assert.Equal(t, int64(3), final.Processed)
	assert.Equal(t, int64(5), countRows(t, target))
}

func TestResumeIsIdempotent(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	for i := 0; i < 4; i++ {
		seedRow(t, source, fmt.Sprintf("r%d", i), "n", i, testBase.Add(time.Duration(i)*time.Minute))
	}

	first := newTestSyncer(t, source, target, syncerOpts{spec: JobSpec{BatchSize: 2}})
	require.True(t, first.run(context.Background(), Cursor{}).Completed)

	// Re-running from an earlier cursor re-processes rows without
	// duplicating or corrupting them.
	second := newTestSyncer(t, source, target, syncerOpts{spec: JobSpec{BatchSize: 2}})
	result := second.run(context.Background(), Cursor{LastUpdatedAt: testBase.Add(time.Minute), LastRowID: "r1"})
	require.NoError(t, result.Err)
	assert.True(t, result.Completed)
	assert.Equal(t, int64(4), countRows(t, target))
}

func TestRowsMissingIDAreSkipped(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	seedRow(t, source, "ok", "n", 1, testBase)
	require.NoError(t, source.DB.Exec(
		`INSERT INTO items (id, name, qty, updated_at) VALUES (NULL, 'orphan', 2, ?)`, testBase.Add(time.Minute)).Error)

	syncer := newTestSyncer(t, source, target, syncerOpts{})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Skipped.NoID)
	assert.Equal(t, int64(1), countRows(t, target))
}

func TestNotNullPrevalidationSkipsRow(t *testing.T) {
	source := openTestDB(t, "source")
	target := openTestDB(t, "target")
	seedRow(t, source, "good", "present", 1, testBase)
	require.NoError(t, source.DB.Exec(
		`INSERT INTO items (id, name, qty, updated_at) VALUES ('bad', NULL, 2, ?)`, testBase.Add(time.Minute)).Error)

	meta := itemsMeta()
	meta.NotNullColumns = []string{"name"}
	syncer := newTestSyncer(t, source, target, syncerOpts{meta: meta})
	result := syncer.run(context.Background(), Cursor{})

	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Skipped.Error)
	require.Len(t, result.ErrorSamples, 1)
	assert.Contains(t, result.ErrorSamples[0], "NOT NULL")
	assert.Equal(t, int64(1), countRows(t, target))
}
