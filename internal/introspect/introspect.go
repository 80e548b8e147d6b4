// Package introspect discovers syncable tables and the per-table schema
// facts the writer needs when building statements: generated columns,
// NOT NULL columns without defaults, unique and check constraints, triggers
// and foreign-key edges.
package introspect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/sqlsafe"
)

type UniqueConstraint struct {
	Name    string
	Columns []string
}

type CheckConstraint struct {
	Name   string
	Clause string
}

// TableMetadata is derived once per table per job and read-only afterwards.
type TableMetadata struct {
	TableName        string
	Columns          []string
	GeneratedColumns []string
	// IdentityAlwaysColumns are GENERATED ALWAYS AS IDENTITY columns. Unlike
	// expression-generated columns they stay in the INSERT column list, but
	// the statement must carry OVERRIDING SYSTEM VALUE or the database mints
	// a fresh identity and the incoming id is lost.
	IdentityAlwaysColumns []string
	NotNullColumns        []string // NOT NULL and no default: must be present in incoming rows
	UniqueConstraints []UniqueConstraint
	CheckConstraints  []CheckConstraint
	Triggers          []string
	// HasIDUniqueness reports whether ON CONFLICT (id) has a constraint to
	// land on. Without it the writer falls back to per-row existence checks.
	HasIDUniqueness bool
}

// IsGenerated reports whether col is database-generated and must be excluded
// from INSERT/UPDATE column lists.
func (m *TableMetadata) IsGenerated(col string) bool {
	for _, g := range m.GeneratedColumns {
		if g == col {
			return true
		}
	}
	return false
}

type Introspector struct {
	conn   *db.Connector
	logger *zap.Logger
}

func New(conn *db.Connector, logger *zap.Logger) *Introspector {
	return &Introspector{conn: conn, logger: logger.Named("introspect").With(zap.String("db", conn.Name))}
}

// SyncableTables lists base tables that carry both an `id` and an
// `updated_at` column. Tables missing either cannot be diffed or upserted
// and are excluded up front.
func (i *Introspector) SyncableTables(ctx context.Context) ([]string, error) {
	query := `
		SELECT t.table_name
		FROM information_schema.tables t
		WHERE t.table_schema = current_schema()
		  AND t.table_type = 'BASE TABLE'
		  AND t.table_name NOT LIKE 'pg_%' AND t.table_name NOT LIKE 'sql_%'
		  AND EXISTS (
			SELECT 1 FROM information_schema.columns c
			WHERE c.table_schema = t.table_schema AND c.table_name = t.table_name
			  AND c.column_name = 'id')
		  AND EXISTS (
			SELECT 1 FROM information_schema.columns c
			WHERE c.table_schema = t.table_schema AND c.table_name = t.table_name
			  AND c.column_name = 'updated_at')
		ORDER BY t.table_name;`

	var tables []string
	if err := i.conn.DB.WithContext(ctx).Raw(query).Scan(&tables).Error; err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during table listing: %w (db error: %v)", ctx.Err(), err)
		}
		return nil, fmt.Errorf("failed to list syncable tables: %w", err)
	}

	// The catalog query already filters system prefixes; re-checking through
	// the safety layer keeps the invariant local instead of trusting the
	// query text.
	filtered := make([]string, 0, len(tables))
	for _, t := range tables {
		if sqlsafe.IsValidTableName(t) {
			filtered = append(filtered, t)
		} else {
			i.logger.Warn("Skipping table with unsafe name", zap.String("table", t))
		}
	}
	i.logger.Debug("Syncable tables discovered", zap.Int("count", len(filtered)))
	return filtered, nil
}

// TableMetadata gathers the schema facts for one table.
func (i *Introspector) TableMetadata(ctx context.Context, table string) (*TableMetadata, error) {
	if !sqlsafe.IsValidTableName(table) {
		return nil, &sqlsafe.SecurityError{Name: table, Reason: "not a valid user table name"}
	}
	log := i.logger.With(zap.String("table", table))

	meta := &TableMetadata{TableName: table}

	var columnsData []struct {
		ColumnName    string `gorm:"column:column_name"`
		IsNullable    string `gorm:"column:is_nullable"`
		ColumnDefault string `gorm:"column:column_default"`
		IsIdentity    string `gorm:"column:is_identity"`
		IsGenerated   string `gorm:"column:is_generated"`
	}
	colQuery := `
		SELECT column_name, is_nullable,
		       COALESCE(column_default, '') AS column_default,
		       COALESCE(is_identity, 'NO') AS is_identity,
		       COALESCE(is_generated, 'NEVER') AS is_generated
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position;`
	if err := i.conn.DB.WithContext(ctx).Raw(colQuery, table).Scan(&columnsData).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch columns for %s: %w", table, err)
	}
	if len(columnsData) == 0 {
		return nil, fmt.Errorf("table %s not found in current schema", table)
	}
	for _, c := range columnsData {
		meta.Columns = append(meta.Columns, c.ColumnName)
		if c.IsGenerated == "ALWAYS" {
			meta.GeneratedColumns = append(meta.GeneratedColumns, c.ColumnName)
			continue
		}
		if c.IsIdentity == "YES" && isIdentityAlways(ctx, i, table, c.ColumnName) {
			meta.IdentityAlwaysColumns = append(meta.IdentityAlwaysColumns, c.ColumnName)
			continue
		}
		if c.IsNullable == "NO" && c.ColumnDefault == "" && c.IsIdentity == "NO" {
			meta.NotNullColumns = append(meta.NotNullColumns, c.ColumnName)
		}
	}

	var uniqueRows []struct {
		ConstraintName string `gorm:"column:constraint_name"`
		ColumnName     string `gorm:"column:column_name"`
	}
	uniqueQuery := `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema()
		  AND tc.table_name = $1
		  AND tc.constraint_type IN ('UNIQUE', 'PRIMARY KEY')
		ORDER BY tc.constraint_name, kcu.ordinal_position;`
	if err := i.conn.DB.WithContext(ctx).Raw(uniqueQuery, table).Scan(&uniqueRows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch unique constraints for %s: %w", table, err)
	}
	byName := map[string]*UniqueConstraint{}
	var order []string
	for _, r := range uniqueRows {
		uc, ok := byName[r.ConstraintName]
		if !ok {
			uc = &UniqueConstraint{Name: r.ConstraintName}
			byName[r.ConstraintName] = uc
			order = append(order, r.ConstraintName)
		}
		uc.Columns = append(uc.Columns, r.ColumnName)
	}
	for _, name := range order {
		uc := *byName[name]
		meta.UniqueConstraints = append(meta.UniqueConstraints, uc)
		if len(uc.Columns) == 1 && uc.Columns[0] == "id" {
			meta.HasIDUniqueness = true
		}
	}

	var checkRows []struct {
		ConstraintName string `gorm:"column:constraint_name"`
		CheckClause    string `gorm:"column:check_clause"`
	}
	checkQuery := `
		SELECT tc.constraint_name, cc.check_clause
		FROM information_schema.table_constraints tc
		JOIN information_schema.check_constraints cc
		  ON tc.constraint_name = cc.constraint_name
		 AND tc.constraint_schema = cc.constraint_schema
		WHERE tc.table_schema = current_schema()
		  AND tc.table_name = $1
		  AND tc.constraint_type = 'CHECK'
		  AND cc.check_clause NOT LIKE '%IS NOT NULL%'
		ORDER BY tc.constraint_name;`
	if err := i.conn.DB.WithContext(ctx).Raw(checkQuery, table).Scan(&checkRows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch check constraints for %s: %w", table, err)
	}
	for _, r := range checkRows {
		meta.CheckConstraints = append(meta.CheckConstraints, CheckConstraint{Name: r.ConstraintName, Clause: r.CheckClause})
	}

	trigQuery := `
		SELECT DISTINCT trigger_name
		FROM information_schema.triggers
		WHERE event_object_schema = current_schema() AND event_object_table = $1
		ORDER BY trigger_name;`
	if err := i.conn.DB.WithContext(ctx).Raw(trigQuery, table).Scan(&meta.Triggers).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch triggers for %s: %w", table, err)
	}

	log.Debug("Table metadata collected",
		zap.Int("columns", len(meta.Columns)),
		zap.Int("generated_columns", len(meta.GeneratedColumns)),
		zap.Int("identity_always_columns", len(meta.IdentityAlwaysColumns)),
		zap.Int("not_null_columns", len(meta.NotNullColumns)),
		zap.Int("unique_constraints", len(meta.UniqueConstraints)),
		zap.Int("check_constraints", len(meta.CheckConstraints)),
		zap.Int("triggers", len(meta.Triggers)),
		zap.Bool("id_uniqueness", meta.HasIDUniqueness))
	return meta, nil
}

// isIdentityAlways distinguishes GENERATED ALWAYS AS IDENTITY (which rejects
// explicit values) from BY DEFAULT identities (which accept them).
func isIdentityAlways(ctx context.Context, i *Introspector, table, column string) bool {
	var generation string
	query := `
		SELECT COALESCE(identity_generation, '')
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2;`
	if err := i.conn.DB.WithContext(ctx).Raw(query, table, column).Scan(&generation).Error; err != nil {
		return false
	}
	return generation == "ALWAYS"
}

// FKParents maps each table in the set to the tables it references via
// foreign keys. Edges to tables outside the set are kept; the resolver drops
// them.
func (i *Introspector) FKParents(ctx context.Context, tables []string) (map[string][]string, error) {
	if len(tables) == 0 {
		return map[string][]string{}, nil
	}
	for _, t := range tables {
		if !sqlsafe.IsValidTableName(t) {
			return nil, &sqlsafe.SecurityError{Name: t, Reason: "not a valid user table name"}
		}
	}

	var edges []struct {
		ChildTable  string `gorm:"column:child_table"`
		ParentTable string `gorm:"column:parent_table"`
	}
	query := `
		SELECT tc.table_name AS child_table, ccu.table_name AS parent_table
		FROM information_schema.table_constraints tc
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = current_schema()
		  AND tc.table_name IN ?
		ORDER BY tc.table_name, ccu.table_name;`
	if err := i.conn.DB.WithContext(ctx).Raw(query, tables).Scan(&edges).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch FK dependencies: %w", err)
	}

	parents := make(map[string][]string)
	for _, e := range edges {
		parents[e.ChildTable] = append(parents[e.ChildTable], e.ParentTable)
	}
	i.logger.Debug("FK dependency edges fetched", zap.Int("edge_count", len(edges)))
	return parents, nil
}

// DeferrableFKConstraints lists FK constraints on table that were declared
// DEFERRABLE. Only these can be pushed to commit time via SET CONSTRAINTS.
func (i *Introspector) DeferrableFKConstraints(ctx context.Context, table string) ([]string, error) {
	if !sqlsafe.IsValidTableName(table) {
		return nil, &sqlsafe.SecurityError{Name: table, Reason: "not a valid user table name"}
	}
	var names []string
	query := `
		SELECT constraint_name
		FROM information_schema.table_constraints
		WHERE table_schema = current_schema()
		  AND table_name = $1
		  AND constraint_type = 'FOREIGN KEY'
		  AND is_deferrable = 'YES'
		ORDER BY constraint_name;`
	if err := i.conn.DB.WithContext(ctx).Raw(query, table).Scan(&names).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch deferrable constraints for %s: %w", table, err)
	}
	return names, nil
}
