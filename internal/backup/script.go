package backup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/sqlsafe"
)

// scriptPageSize bounds how many rows are held in memory while dumping one
// table.
const scriptPageSize = 500

// scriptPlan fixes the table order and per-table schema facts for one script.
// Order is parent-before-child so the rendered script restores cleanly under
// foreign keys; meta may be sparse when no schema source is available.
type scriptPlan struct {
	order []string
	meta  map[string]*introspect.TableMetadata
}

// generateScript renders a restorable SQL script: a header, all DELETEs in
// child-before-parent order, then per table the INSERTs in parent-before-child
// order, the whole body wrapped in BEGIN/COMMIT so a restore is
// all-or-nothing. Emptying children before parents and refilling parents
// before children keeps every intermediate state FK-consistent.
func generateScript(ctx context.Context, conn *db.Connector, meta *Metadata, plan scriptPlan, logger *zap.Logger) (string, int64, error) {
	quoted := make([]string, len(plan.order))
	for i, table := range plan.order {
		qTable, err := sqlsafe.QuoteTableName(table)
		if err != nil {
			return "", 0, err
		}
		quoted[i] = qTable
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "-- Backup ID: %s\n", meta.ID)
	fmt.Fprintf(&sb, "-- Sync Job: %s\n", meta.SyncJobID)
	fmt.Fprintf(&sb, "-- Created: %s\n", meta.CreatedAt.UTC().Format(time.RFC3339))
	sb.WriteString("BEGIN;\n")

	for i := len(quoted) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "DELETE FROM %s;\n", quoted[i])
	}

	var totalRows int64
	for i, table := range plan.order {
		fmt.Fprintf(&sb, "-- Table: %s\n", table)

		rows, err := dumpTable(ctx, conn, quoted[i])
		if err != nil {
			return "", 0, fmt.Errorf("failed to dump %s: %w", table, err)
		}
		for _, row := range rows {
			stmt, err := renderInsert(quoted[i], row, plan.meta[table])
			if err != nil {
				return "", 0, fmt.Errorf("failed to render row in %s: %w", table, err)
			}
			sb.WriteString(stmt)
			sb.WriteByte('\n')
		}
		totalRows += int64(len(rows))
		logger.Debug("Table dumped", zap.String("table", table), zap.Int("rows", len(rows)))
	}

	sb.WriteString("COMMIT;\n")
	return sb.String(), totalRows, nil
}

func dumpTable(ctx context.Context, conn *db.Connector, qTable string) ([]map[string]interface{}, error) {
	var all []map[string]interface{}
	offset := 0
	for {
		var page []map[string]interface{}
		query := fmt.Sprintf(`SELECT * FROM %s ORDER BY CAST("id" AS TEXT) ASC LIMIT ? OFFSET ?`, qTable)
		if err := conn.DB.WithContext(ctx).Raw(query, scriptPageSize, offset).Scan(&page).Error; err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < scriptPageSize {
			return all, nil
		}
		offset += scriptPageSize
	}
}

// renderInsert produces a single-line INSERT with inlined literals. Columns
// are sorted so scripts are deterministic and diffable. Expression-generated
// columns are dropped since the database refuses explicit values for them;
// identity-ALWAYS ids are kept and the statement carries OVERRIDING SYSTEM
// VALUE so the restored rows keep their original ids.
func renderInsert(qTable string, row map[string]interface{}, tm *introspect.TableMetadata) (string, error) {
	cols := make([]string, 0, len(row))
	for col := range row {
		if tm != nil && tm.IsGenerated(col) {
			continue
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return "", fmt.Errorf("row has no writable columns")
	}

	qCols := make([]string, len(cols))
	vals := make([]string, len(cols))
	for i, col := range cols {
		qCol, err := sqlsafe.QuoteIdentifier(col)
		if err != nil {
			return "", err
		}
		qCols[i] = qCol
		vals[i] = renderLiteral(row[col])
	}
	overriding := ""
	if tm != nil && len(tm.IdentityAlwaysColumns) > 0 {
		overriding = " OVERRIDING SYSTEM VALUE"
	}
	return fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s);", qTable, strings.Join(qCols, ", "), overriding, strings.Join(vals, ", ")), nil
}

// renderLiteral inlines one value. Strings pass through the quoting layer;
// everything else has an unambiguous textual form.
func renderLiteral(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return sqlsafe.QuoteLiteral(t.UTC().Format("2006-01-02 15:04:05.999999999+00:00"))
	case []byte:
		return sqlsafe.QuoteLiteral(string(t))
	case string:
		return sqlsafe.QuoteLiteral(t)
	default:
		return sqlsafe.QuoteLiteral(fmt.Sprint(t))
	}
}
