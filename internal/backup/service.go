package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/deps"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
)

// SchemaSource supplies the FK edges and per-table schema facts that shape a
// restore script. A nil source keeps the caller's table order and dumps every
// column, which is only safe for FK-free tables.
type SchemaSource interface {
	FKParents(ctx context.Context, tables []string) (map[string][]string, error)
	TableMetadata(ctx context.Context, table string) (*introspect.TableMetadata, error)
}

// Status is the backup lifecycle state. Transitions are forward-only; a
// failed or restored backup never goes back to an earlier state.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRestoring Status = "restoring"
	StatusRestored  Status = "restored"
)

var allowedTransitions = map[Status][]Status{
	StatusCreating:  {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRestoring},
	StatusRestoring: {StatusRestored, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata describes one backup artifact. The copy in the object store is
// authoritative; the in-memory cache only skips a round trip.
type Metadata struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	SyncJobID  string    `json:"syncJobId"`
	Tables     []string  `json:"tables"`
	ScriptKey  string    `json:"scriptKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	RowCount   int64     `json:"rowCount"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func metadataKey(id string) string {
	return "meta/" + id + ".json"
}

// scriptKey builds the artifact path: {userId}/{date}/{syncJobId}/{backupId}.sql
func scriptKey(userID, syncJobID, backupID string, createdAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.sql", userID, createdAt.UTC().Format("2006-01-02"), syncJobID, backupID)
}

// Service creates and restores safety snapshots of target tables.
type Service struct {
	conn      *db.Connector
	store     ObjectStore
	stats     *metrics.Store
	schema    SchemaSource
	logger    *zap.Logger
	userID    string
	retention time.Duration

	mu    sync.Mutex
	cache map[string]*Metadata
}

func NewService(conn *db.Connector, store ObjectStore, stats *metrics.Store, schema SchemaSource, userID string, retention time.Duration, logger *zap.Logger) *Service {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if userID == "" {
		userID = "local"
	}
	return &Service{
		conn:      conn,
		store:     store,
		stats:     stats,
		schema:    schema,
		logger:    logger.Named("backup"),
		userID:    userID,
		retention: retention,
		cache:     map[string]*Metadata{},
	}
}

// CreateBackup snapshots the given tables into one SQL script and returns
// the completed metadata. On failure the metadata is persisted in failed
// state so the attempt stays visible.
func (s *Service) CreateBackup(ctx context.Context, syncJobID string, tables []string) (*Metadata, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to back up")
	}

	meta := &Metadata{
		ID:        uuid.NewString(),
		UserID:    s.userID,
		SyncJobID: syncJobID,
		Tables:    append([]string(nil), tables...),
		Status:    StatusCreating,
		CreatedAt: time.Now().UTC(),
	}
	meta.ScriptKey = scriptKey(meta.UserID, meta.SyncJobID, meta.ID, meta.CreatedAt)
	if err := s.persist(ctx, meta); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("backup_id", meta.ID), zap.String("sync_job_id", syncJobID))
	log.Info("Creating backup", zap.Strings("tables", tables))

	var script string
	var rows int64
	plan, err := s.planScript(ctx, tables)
	if err == nil {
		script, rows, err = generateScript(ctx, s.conn, meta, plan, log)
	}
	if err == nil {
		err = s.store.Put(ctx, meta.ScriptKey, []byte(script))
	}
	if err != nil {
		s.finish(ctx, meta, StatusFailed, err)
		s.stats.BackupsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return nil, fmt.Errorf("backup %s failed: %w", meta.ID, err)
	}

	meta.SizeBytes = int64(len(script))
	meta.RowCount = rows
	s.finish(ctx, meta, StatusCompleted, nil)
	s.stats.BackupBytesWritten.Add(float64(meta.SizeBytes))
	s.stats.BackupsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	log.Info("Backup completed", zap.Int64("rows", rows), zap.Int64("bytes", meta.SizeBytes))
	return meta, nil
}

// planScript orders the tables parent-before-child and collects their schema
// facts. A script in the wrong order aborts on an FK violation at restore
// time, exactly when it is needed, so a failed lookup fails the backup
// instead of producing an unrestorable artifact.
func (s *Service) planScript(ctx context.Context, tables []string) (scriptPlan, error) {
	plan := scriptPlan{order: tables, meta: map[string]*introspect.TableMetadata{}}
	if s.schema == nil {
		return plan, nil
	}
	parents, err := s.schema.FKParents(ctx, tables)
	if err != nil {
		return plan, fmt.Errorf("failed to order tables for restore: %w", err)
	}
	plan.order = deps.Resolve(tables, parents).Order
	for _, table := range plan.order {
		tm, err := s.schema.TableMetadata(ctx, table)
		if err != nil {
			return plan, fmt.Errorf("failed to inspect %s for restore: %w", table, err)
		}
		plan.meta[table] = tm
	}
	return plan, nil
}

// Restore replays a completed backup script against the database. The script
// carries its own BEGIN/COMMIT, so the restore is atomic.
func (s *Service) Restore(ctx context.Context, backupID string) (*Metadata, error) {
	meta, err := s.Lookup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, meta, StatusRestoring); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("backup_id", meta.ID))
	log.Info("Restoring backup", zap.Strings("tables", meta.Tables))

	script, err := s.store.Get(ctx, meta.ScriptKey)
	if err == nil {
		err = s.conn.DB.WithContext(ctx).Exec(string(script)).Error
	}
	if err != nil {
		s.finish(ctx, meta, StatusFailed, err)
		s.stats.BackupsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return nil, fmt.Errorf("restore of backup %s failed: %w", backupID, err)
	}

	s.finish(ctx, meta, StatusRestored, nil)
	s.stats.BackupsTotal.WithLabelValues(string(StatusRestored)).Inc()
	log.Info("Backup restored")
	return meta, nil
}

// Lookup returns the metadata for one backup, preferring the cache but
// falling back to the store.
func (s *Service) Lookup(ctx context.Context, backupID string) (*Metadata, error) {
	s.mu.Lock()
	if cached, ok := s.cache[backupID]; ok {
		copied := *cached
		s.mu.Unlock()
		return &copied, nil
	}
	s.mu.Unlock()

	data, err := s.store.Get(ctx, metadataKey(backupID))
	if err != nil {
		return nil, fmt.Errorf("backup %s not found: %w", backupID, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("backup %s has corrupt metadata: %w", backupID, err)
	}
	s.remember(&meta)
	return &meta, nil
}

// Cleanup removes backups older than the retention window. Individual
// failures do not stop the sweep; they are aggregated into one error.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	infos, err := s.store.List(ctx, "meta/")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.retention)

	removed := 0
	var errs error
	for _, info := range infos {
		data, err := s.store.Get(ctx, info.Key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("corrupt metadata at %s: %w", info.Key, err))
			continue
		}
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, meta.ScriptKey); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := s.store.Delete(ctx, info.Key); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.forget(meta.ID)
		removed++
		s.logger.Info("Expired backup removed",
			zap.String("backup_id", meta.ID),
			zap.Time("created_at", meta.CreatedAt))
	}
	return removed, errs
}

func (s *Service) transition(ctx context.Context, meta *Metadata, to Status) error {
	if !canTransition(meta.Status, to) {
		return fmt.Errorf("backup %s cannot move from %s to %s", meta.ID, meta.Status, to)
	}
	meta.Status = to
	return s.persist(ctx, meta)
}

// finish moves meta to a terminal-ish state, best-effort persisting it; a
// persistence failure here must not mask the primary outcome.
func (s *Service) finish(ctx context.Context, meta *Metadata, to Status, cause error) {
	if !canTransition(meta.Status, to) {
		s.logger.Error("Illegal backup state transition dropped",
			zap.String("backup_id", meta.ID),
			zap.String("from", string(meta.Status)),
			zap.String("to", string(to)))
		return
	}
	meta.Status = to
	meta.FinishedAt = time.Now().UTC()
	if cause != nil {
		meta.Error = cause.Error()
	}
	if err := s.persist(ctx, meta); err != nil {
		s.logger.Error("Failed to persist backup metadata", zap.String("backup_id", meta.ID), zap.Error(err))
	}
}

func (s *Service) persist(ctx context.Context, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup metadata: %w", err)
	}
	if err := s.store.Put(ctx, metadataKey(meta.ID), data); err != nil {
		return fmt.Errorf("failed to persist backup metadata: %w", err)
	}
	s.remember(meta)
	return nil
}

func (s *Service) remember(meta *Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *meta
	s.cache[meta.ID] = &copied
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}
