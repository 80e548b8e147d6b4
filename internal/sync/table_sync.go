package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/retry"
)

// errCancelled distinguishes cooperative cancellation from other failures so
// the orchestrator can classify the terminal state.
var errCancelled = fmt.Errorf("sync cancelled")

// batchPacing is the idle gap between batches. It keeps a large table from
// monopolizing the source database.
const batchPacing = 100 * time.Millisecond

// tableSyncer runs the fetch/categorize/write loop for exactly one table.
// Both the sequential and the concurrent scheduler construct one of these
// per table; there is no second sync code path.
type tableSyncer struct {
	spec    JobSpec
	cfg     TableConfig
	meta    *introspect.TableMetadata
	fetcher RowFetcher
	writer  *batchWriter
	token   *CancelToken
	store   *metrics.Store
	logger  *zap.Logger

	// onBatch is called after every committed batch with the table's
	// running result, so the scheduler can aggregate progress.
	onBatch func(snapshot TableResult)
	// onCheckpoint fires on the checkpoint cadence with the committed
	// cursor; the scheduler adds the cross-table context.
	onCheckpoint func(table string, cursor Cursor)
}

// run drives the table from the given cursor until exhaustion, error,
// timeout or cancellation. The returned LastCursor always points at the last
// committed batch boundary.
func (t *tableSyncer) run(ctx context.Context, start Cursor) TableResult {
	began := time.Now()
	result := TableResult{Table: t.cfg.Name, LastCursor: start}
	log := t.logger.With(zap.String("table", t.cfg.Name))

	retryOpts := retry.DefaultOptions()
	retryOpts.OnRetry = func(attempt int, err error) {
		log.Warn("Retrying batch fetch", zap.Int("attempt", attempt), zap.Error(err))
	}

	rowsSinceCheckpoint := 0
	cursor := start
	for {
		if t.token.Cancelled() {
			result.Err = errCancelled
			break
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		batch, err := retry.Do(ctx, retryOpts, func(ctx context.Context) (*RowBatch, error) {
			return retry.WithTimeout(ctx, t.spec.FetchTimeout, fmt.Sprintf("batch fetch for %s", t.cfg.Name),
				func(ctx context.Context) (*RowBatch, error) {
					return t.fetcher.RowsToSync(ctx, t.cfg.Name, cursor, t.spec.BatchSize)
				})
		})
		if err != nil {
			t.store.SyncErrorsTotal.WithLabelValues("fetch", t.cfg.Name).Inc()
			result.Err = fmt.Errorf("fetch failed for %s: %w", t.cfg.Name, err)
			break
		}
		if len(batch.Rows) == 0 {
			result.Completed = true
			break
		}

		toWrite, insertIDs := t.categorize(batch, &result)

		writeStart := time.Now()
		_, failures, werr := t.writer.writeBatch(ctx, toWrite)
		if werr != nil {
			t.store.BatchProcessingDuration.WithLabelValues(t.cfg.Name, "error").Observe(time.Since(writeStart).Seconds())
			t.store.BatchErrorsTotal.WithLabelValues(t.cfg.Name).Inc()
			if t.token.Cancelled() {
				result.Err = errCancelled
			} else {
				result.Err = fmt.Errorf("batch write failed for %s: %w", t.cfg.Name, werr)
			}
			// The cursor stays at the previous committed boundary; resume
			// re-processes this batch idempotently.
			break
		}
		t.store.BatchProcessingDuration.WithLabelValues(t.cfg.Name, "ok").Observe(time.Since(writeStart).Seconds())

		failed := make(map[string]string, len(failures))
		for _, f := range failures {
			failed[f.RowID] = f.String()
		}
		for _, row := range toWrite {
			id := fmt.Sprint(row["id"])
			if msg, bad := failed[id]; bad {
				result.recordRowError(msg)
				t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "error").Inc()
				continue
			}
			if insertIDs[id] {
				result.Inserted++
				t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "inserted").Inc()
			} else {
				result.Updated++
				t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "updated").Inc()
			}
		}
		result.Processed += int64(len(batch.Rows))

		cursor = batch.Next
		result.LastCursor = cursor
		if t.onBatch != nil {
			t.onBatch(result)
		}

		rowsSinceCheckpoint += len(batch.Rows)
		if rowsSinceCheckpoint >= t.spec.CheckpointInterval {
			rowsSinceCheckpoint = 0
			t.store.CheckpointsTotal.Inc()
			if t.onCheckpoint != nil {
				t.onCheckpoint(t.cfg.Name, cursor)
			}
		}

		if !batch.HasMore {
			result.Completed = true
			break
		}

		timer := time.NewTimer(batchPacing)
		select {
		case <-timer.C:
		case <-t.token.Done():
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}

	result.Duration = time.Since(began)
	t.store.TableSyncDuration.WithLabelValues(t.cfg.Name).Observe(result.Duration.Seconds())
	if result.Completed && result.Skipped.Error == 0 {
		t.store.TableSyncSuccessTotal.WithLabelValues(t.cfg.Name).Inc()
	}
	log.Info("Table sync finished",
		zap.Bool("completed", result.Completed),
		zap.Int64("processed", result.Processed),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated),
		zap.Int64("skipped", result.Skipped.total()),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Err))
	return result
}

// categorize splits a fetched batch into rows to write and rows to skip,
// applying the direction and conflict rules. insertIDs marks which of the
// returned rows have no target counterpart yet.
func (t *tableSyncer) categorize(batch *RowBatch, result *TableResult) ([]map[string]interface{}, map[string]bool) {
	toWrite := make([]map[string]interface{}, 0, len(batch.Rows))
	insertIDs := make(map[string]bool)

	for _, row := range batch.Rows {
		id, ok := row["id"]
		if !ok || id == nil {
			result.Skipped.NoID++
			t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "skipped").Inc()
			continue
		}
		idKey := fmt.Sprint(id)

		target, exists := batch.TargetRows[idKey]
		if !exists {
			toWrite = append(toWrite, row)
			insertIDs[idKey] = true
			continue
		}

		srcTs, srcOK := NormalizeTimestamp(row["updated_at"])
		tgtTs, tgtOK := NormalizeTimestamp(target["updated_at"])

		// Neither side has a usable timestamp, so neither side can win.
		// Flag it rather than overwrite on a guess.
		if !srcOK && !tgtOK {
			t.flagConflict(result, idKey, row, target, srcTs, tgtTs)
			continue
		}

		if tgtTs.After(srcTs) {
			if t.spec.Direction == config.DirectionTwoWay {
				switch ResolveConflict(t.cfg.ConflictStrategy, srcTs, tgtTs) {
				case DecisionApply:
					toWrite = append(toWrite, row)
				case DecisionManual:
					t.flagConflict(result, idKey, row, target, srcTs, tgtTs)
				default:
					result.Skipped.AlreadySynced++
					t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "skipped").Inc()
				}
				continue
			}
			result.Skipped.AlreadySynced++
			t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "skipped").Inc()
			continue
		}

		if srcTs.Equal(tgtTs) && rowsEquivalent(row, target) {
			result.Skipped.NoChanges++
			t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "skipped").Inc()
			continue
		}

		toWrite = append(toWrite, row)
	}
	return toWrite, insertIDs
}

func (t *tableSyncer) flagConflict(result *TableResult, id string, source, target map[string]interface{}, srcTs, tgtTs time.Time) {
	result.Skipped.Conflict++
	result.Conflicts = append(result.Conflicts, Conflict{
		TableName:       t.cfg.Name,
		RowID:           id,
		SourceData:      source,
		TargetData:      target,
		SourceUpdatedAt: srcTs,
		TargetUpdatedAt: tgtTs,
		Resolution:      ResolutionPending,
	})
	t.store.ConflictsTotal.WithLabelValues(t.cfg.Name).Inc()
	t.store.RowsProcessedTotal.WithLabelValues(t.cfg.Name, "skipped").Inc()
}
