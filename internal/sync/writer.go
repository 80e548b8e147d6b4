package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/retry"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/sqlsafe"
)

// maxRowBytes rejects pathological rows before they can blow up a bulk
// statement. Measured on the JSON rendering, which overestimates slightly.
const maxRowBytes = 1 << 20

// rowFailure describes one row that could not be written.
type rowFailure struct {
	RowID  string
	Reason string
	Err    error
}

func (f rowFailure) String() string {
	if f.Err != nil {
		return fmt.Sprintf("row %s: %s: %v", f.RowID, f.Reason, f.Err)
	}
	return fmt.Sprintf("row %s: %s", f.RowID, f.Reason)
}

// batchWriter owns the write path for one table. All SQL it produces goes
// through the identifier quoting layer; values always travel as bind
// parameters.
type batchWriter struct {
	target    *db.Connector
	meta      *introspect.TableMetadata
	chunkSize int
	// deferredConstraints are FK constraint names pushed to commit time at
	// the start of each transaction. Used for tables inside FK cycles.
	deferredConstraints []string
	// statementTimeout is applied per transaction under concurrent
	// scheduling so one stuck statement cannot hold a pool slot forever.
	statementTimeout string
	retryOpts        retry.Options
	logger           *zap.Logger
}

func newBatchWriter(target *db.Connector, meta *introspect.TableMetadata, chunkSize int, logger *zap.Logger) *batchWriter {
	if chunkSize <= 0 {
		chunkSize = 50
	}
	return &batchWriter{
		target:    target,
		meta:      meta,
		chunkSize: chunkSize,
		retryOpts: retry.DefaultOptions(),
		logger:    logger.Named("writer").With(zap.String("table", meta.TableName)),
	}
}

// writeBatch upserts rows inside a single transaction and returns the number
// committed. When the transaction fails for a non-transient reason it
// degrades to per-row transactions so one bad row cannot sink the batch.
// Transient failures that survive the retry budget never degrade: the
// connection is gone, so re-driving every row would only convert one outage
// into a pile of row-level errors. They surface as a table-level error and
// the caller resumes from the last committed boundary.
func (w *batchWriter) writeBatch(ctx context.Context, rows []map[string]interface{}) (int64, []rowFailure, error) {
	if len(rows) == 0 {
		return 0, nil, nil
	}

	valid, failures := w.prevalidate(rows)
	if len(valid) == 0 {
		return 0, failures, nil
	}

	runTx := func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		db := w.target.DB.WithContext(ctx)
		// Read-committed is pinned only under concurrent scheduling, where
		// several workers write at once.
		if w.statementTimeout != "" {
			return db.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		}
		return db.Transaction(fn)
	}

	_, err := retry.Do(ctx, w.retryOpts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, runTx(ctx, func(tx *gorm.DB) error {
			w.prepareTx(tx)
			for _, chunk := range chunkRows(valid, w.chunkSize) {
				if err := w.upsertChunk(tx, chunk); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err == nil {
		return int64(len(valid)), failures, nil
	}
	if ctx.Err() != nil {
		return 0, failures, ctx.Err()
	}
	if w.transient(err) {
		return 0, failures, fmt.Errorf("write transaction failed: %w", err)
	}

	w.logger.Warn("Bulk transaction failed, degrading to row-by-row", zap.Error(err))
	committed, rowFailures := w.writeRowByRow(ctx, valid)
	return committed, append(failures, rowFailures...), ctx.Err()
}

// transient applies the same classification the retry loop uses, so the
// degrade decision and the retry decision never disagree.
func (w *batchWriter) transient(err error) bool {
	if w.retryOpts.RetryIf != nil {
		return w.retryOpts.RetryIf(err)
	}
	return retry.Transient(err)
}

// prevalidate drops rows that would fail anyway: missing values for NOT NULL
// columns without defaults, and rows over the size cap.
func (w *batchWriter) prevalidate(rows []map[string]interface{}) ([]map[string]interface{}, []rowFailure) {
	valid := make([]map[string]interface{}, 0, len(rows))
	var failures []rowFailure
	for _, row := range rows {
		if fail, bad := w.checkRow(row); bad {
			failures = append(failures, fail)
			continue
		}
		valid = append(valid, row)
	}
	return valid, failures
}

func (w *batchWriter) checkRow(row map[string]interface{}) (rowFailure, bool) {
	id := fmt.Sprint(row["id"])
	for _, col := range w.meta.NotNullColumns {
		if w.meta.IsGenerated(col) {
			continue
		}
		if v, ok := row[col]; !ok || v == nil {
			return rowFailure{RowID: id, Reason: fmt.Sprintf("missing value for NOT NULL column %q", col)}, true
		}
	}
	if encoded, err := json.Marshal(row); err == nil && len(encoded) > maxRowBytes {
		return rowFailure{RowID: id, Reason: fmt.Sprintf("row exceeds %d byte limit (%d bytes)", maxRowBytes, len(encoded))}, true
	}
	return rowFailure{}, false
}

// prepareTx applies the per-transaction session settings. Both statements
// are best effort: they exist on Postgres and are simply skipped where the
// backend does not support them.
func (w *batchWriter) prepareTx(tx *gorm.DB) {
	if w.statementTimeout != "" {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = '%s'", w.statementTimeout)).Error; err != nil {
			w.logger.Debug("statement_timeout not applied", zap.Error(err))
		}
	}
	for _, name := range w.deferredConstraints {
		quoted, err := sqlsafe.QuoteIdentifier(name)
		if err != nil {
			w.logger.Warn("Skipping constraint with unsafe name", zap.String("constraint", name))
			continue
		}
		if err := tx.Exec(fmt.Sprintf("SET CONSTRAINTS %s DEFERRED", quoted)).Error; err != nil {
			w.logger.Debug("Constraint deferral not applied", zap.String("constraint", name), zap.Error(err))
		}
	}
}

// upsertChunk writes one chunk with a single multi-row statement.
func (w *batchWriter) upsertChunk(tx *gorm.DB, chunk []map[string]interface{}) error {
	if w.meta.HasIDUniqueness {
		query, args, err := w.buildBulkUpsert(chunk)
		if err != nil {
			return err
		}
		return tx.Exec(query, args...).Error
	}
	// Without a unique constraint on id there is nothing for ON CONFLICT to
	// land on, so each row gets an UPDATE-then-INSERT round trip.
	for _, row := range chunk {
		if err := w.upsertWithoutConstraint(tx, row); err != nil {
			return err
		}
	}
	return nil
}

// buildBulkUpsert renders INSERT ... VALUES (...),(...) ON CONFLICT ("id")
// DO UPDATE SET for one chunk. Identifiers are validated and quoted, values
// are bind parameters.
func (w *batchWriter) buildBulkUpsert(chunk []map[string]interface{}) (string, []interface{}, error) {
	cols := w.writableColumns()
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("table %s has no writable columns", w.meta.TableName)
	}

	qTable, err := sqlsafe.QuoteTableName(w.meta.TableName)
	if err != nil {
		return "", nil, err
	}
	qCols := make([]string, len(cols))
	for i, col := range cols {
		if qCols[i], err = sqlsafe.QuoteIdentifier(col); err != nil {
			return "", nil, err
		}
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	placeholders := make([]string, len(chunk))
	args := make([]interface{}, 0, len(chunk)*len(cols))
	for i, row := range chunk {
		placeholders[i] = rowPlaceholder
		for _, col := range cols {
			args = append(args, row[col])
		}
	}

	var updates []string
	for i, col := range cols {
		if col == "id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", qCols[i], qCols[i]))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s)%s VALUES %s", qTable, strings.Join(qCols, ", "), w.overridingClause(), strings.Join(placeholders, ", "))
	if len(updates) == 0 {
		sb.WriteString(` ON CONFLICT ("id") DO NOTHING`)
	} else {
		fmt.Fprintf(&sb, ` ON CONFLICT ("id") DO UPDATE SET %s`, strings.Join(updates, ", "))
	}
	return sb.String(), args, nil
}

func (w *batchWriter) upsertWithoutConstraint(tx *gorm.DB, row map[string]interface{}) error {
	cols := w.writableColumns()
	qTable, err := sqlsafe.QuoteTableName(w.meta.TableName)
	if err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	for _, col := range cols {
		if col == "id" {
			continue
		}
		qCol, err := sqlsafe.QuoteIdentifier(col)
		if err != nil {
			return err
		}
		sets = append(sets, qCol+" = ?")
		args = append(args, row[col])
	}
	if len(sets) > 0 {
		args = append(args, row["id"])
		update := tx.Exec(fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ?`, qTable, strings.Join(sets, ", ")), args...)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected > 0 {
			return nil
		}
	}

	qCols := make([]string, len(cols))
	insertArgs := make([]interface{}, len(cols))
	for i, col := range cols {
		if qCols[i], err = sqlsafe.QuoteIdentifier(col); err != nil {
			return err
		}
		insertArgs[i] = row[col]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return tx.Exec(fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)", qTable, strings.Join(qCols, ", "), w.overridingClause(), placeholders), insertArgs...).Error
}

// overridingClause keeps source-provided values for GENERATED ALWAYS AS
// IDENTITY columns. Without it the target mints fresh identities, ON
// CONFLICT ("id") never fires and every re-run duplicates the table.
func (w *batchWriter) overridingClause() string {
	if len(w.meta.IdentityAlwaysColumns) > 0 {
		return " OVERRIDING SYSTEM VALUE"
	}
	return ""
}

// writeRowByRow is the fallback after a failed bulk transaction. Each row
// commits alone so failures stay isolated and classifiable.
func (w *batchWriter) writeRowByRow(ctx context.Context, rows []map[string]interface{}) (int64, []rowFailure) {
	var committed int64
	var failures []rowFailure
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		err := w.target.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			w.prepareTx(tx)
			return w.upsertChunk(tx, []map[string]interface{}{row})
		})
		if err != nil {
			failures = append(failures, rowFailure{
				RowID:  fmt.Sprint(row["id"]),
				Reason: classifyRowError(err),
				Err:    err,
			})
			continue
		}
		committed++
	}
	return committed, failures
}

// writableColumns is the column list for INSERT/UPDATE: everything the
// source provides except database-generated columns.
func (w *batchWriter) writableColumns() []string {
	cols := make([]string, 0, len(w.meta.Columns))
	for _, col := range w.meta.Columns {
		if w.meta.IsGenerated(col) {
			continue
		}
		cols = append(cols, col)
	}
	return cols
}

// classifyRowError maps driver errors to the skip-reason vocabulary used in
// results and logs.
func classifyRowError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23502":
			return "not-null violation"
		case "23503":
			return "foreign-key violation"
		case "23505":
			return "unique violation"
		case "23514":
			return "check-constraint violation"
		case "22001":
			return "value too long for column"
		}
		if pqErr.Code.Class() == "22" {
			return "invalid value"
		}
	}
	return "write failed"
}

func chunkRows(rows []map[string]interface{}, size int) [][]map[string]interface{} {
	var chunks [][]map[string]interface{}
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
