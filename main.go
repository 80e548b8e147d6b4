package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/backup"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/health"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/logger"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/retry"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/secrets"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/server"
	syncer "github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/sync"
)

func main() {
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	resumeFlag := flag.Bool("resume", false, "resume from the last saved checkpoint")
	parallelFlag := flag.Bool("parallel", false, "sync independent tables concurrently")
	tablesFlag := flag.String("tables", "", "comma-separated table list (default: all syncable tables)")
	directionFlag := flag.String("direction", "", "sync direction: one_way or two_way")
	restoreFlag := flag.String("restore", "", "restore the given backup ID and exit")
	flag.Parse()

	if err := godotenv.Overload(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *debugFlag, *resumeFlag, *parallelFlag, *tablesFlag, *directionFlag)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.DebugMode, cfg.EnableJsonLogging); err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Log.Sync() }()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, *restoreFlag, log))
}

// run carries the whole lifecycle so deferred cleanups fire before the
// process exits.
func run(ctx context.Context, cfg *config.Config, restoreID string, log *zap.Logger) int {
	store := metrics.NewStore()

	if err := resolveURLs(ctx, cfg, log); err != nil {
		log.Error("Failed to resolve database URLs", zap.Error(err))
		return 1
	}

	source, err := connect(ctx, cfg.SourceURL, "source", cfg, log)
	if err != nil {
		log.Error("Source connection failed", zap.Error(err))
		return 1
	}
	defer source.Close()
	target, err := connect(ctx, cfg.TargetURL, "target", cfg, log)
	if err != nil {
		log.Error("Target connection failed", zap.Error(err))
		return 1
	}
	defer target.Close()

	monitors := startMonitors(ctx, cfg, store, log, source, target)
	for name, mon := range monitors {
		if state := mon.Check(ctx); !state.Usable() {
			log.Error("Database is unhealthy, refusing to start",
				zap.String("db", name), zap.String("error", state.LastError))
			return 1
		}
	}

	srv := server.New(server.Options{Port: cfg.MetricsPort, EnablePprof: cfg.EnablePprof}, store, monitors, log)
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	backupSvc, err := buildBackupService(ctx, cfg, target, store, log)
	if err != nil {
		log.Error("Backup store initialization failed", zap.Error(err))
		return 1
	}

	if restoreID != "" {
		if backupSvc == nil {
			log.Error("Restore requested but backups are not enabled")
			return 1
		}
		if _, err := backupSvc.Restore(ctx, restoreID); err != nil {
			log.Error("Restore failed", zap.String("backup_id", restoreID), zap.Error(err))
			return 1
		}
		log.Info("Restore finished", zap.String("backup_id", restoreID))
		return 0
	}

	spec := buildJobSpec(cfg)
	log.Info("Job prepared",
		zap.String("job_id", spec.JobID),
		zap.String("direction", string(spec.Direction)),
		zap.Int("configured_tables", len(spec.Tables)),
		zap.Bool("parallel", spec.Parallel))

	if backupSvc != nil {
		if err := preSyncBackup(ctx, cfg, spec, backupSvc, target, log); err != nil {
			log.Error("Pre-sync backup failed, refusing to sync without a safety net", zap.Error(err))
			return 1
		}
		if removed, err := backupSvc.Cleanup(ctx); err != nil {
			log.Warn("Backup retention sweep finished with errors", zap.Int("removed", removed), zap.Error(err))
		}
	}

	var resume *syncer.Checkpoint
	if cfg.Resume {
		resume, err = loadCheckpoint(cfg.CheckpointFile)
		if err != nil {
			log.Error("Cannot resume", zap.String("file", cfg.CheckpointFile), zap.Error(err))
			return 1
		}
		if resume != nil {
			log.Info("Resuming from checkpoint",
				zap.String("last_table", resume.LastTable),
				zap.String("last_row_id", resume.LastRowID),
				zap.Int("processed_tables", len(resume.ProcessedTables)))
		}
	}

	token := syncer.NewCancelToken()
	go func() {
		<-ctx.Done()
		log.Info("Shutdown signal received, cancelling job")
		token.Cancel()
	}()

	hooks := syncer.Hooks{
		OnProgress: func(p syncer.Progress) {
			log.Debug("Progress",
				zap.String("table", p.CurrentTable),
				zap.Int64("processed", p.ProcessedRows),
				zap.Int64("inserted", p.InsertedRows),
				zap.Int64("updated", p.UpdatedRows),
				zap.Int64("skipped", p.SkippedRows),
				zap.Int64("errors", p.Errors))
		},
		OnCheckpoint: func(cp syncer.Checkpoint) {
			if err := saveCheckpoint(cfg.CheckpointFile, &cp); err != nil {
				log.Warn("Failed to persist checkpoint", zap.Error(err))
			}
		},
		OnComplete: func(success bool, cp *syncer.Checkpoint) {
			if success {
				if err := os.Remove(cfg.CheckpointFile); err != nil && !os.IsNotExist(err) {
					log.Warn("Failed to remove checkpoint file", zap.Error(err))
				}
				return
			}
			if cp != nil {
				if err := saveCheckpoint(cfg.CheckpointFile, cp); err != nil {
					log.Warn("Failed to persist final checkpoint", zap.Error(err))
				}
			}
		},
	}

	orch := syncer.NewOrchestrator(source, target, store, hooks, log)
	result := orch.Run(ctx, spec, token, resume)

	reportResult(result, log)
	switch result.State {
	case syncer.StateCompleted:
		return 0
	case syncer.StateCancelled:
		return 130
	default:
		return 1
	}
}

func applyFlags(cfg *config.Config, debug, resume, parallel bool, tables, direction string) {
	if debug {
		cfg.DebugMode = true
	}
	if resume {
		cfg.Resume = true
	}
	if parallel {
		cfg.Parallel = true
	}
	if tables != "" {
		cfg.Tables = nil
		for _, t := range strings.Split(tables, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Tables = append(cfg.Tables, t)
			}
		}
	}
	if direction != "" {
		cfg.Direction = config.Direction(strings.ToLower(direction))
	}
}

// resolveURLs fills in database URLs from Vault when they are not set
// directly.
func resolveURLs(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.SourceURL != "" && cfg.TargetURL != "" {
		return nil
	}
	vm, err := secrets.NewVaultManager(cfg, log)
	if err != nil {
		return err
	}
	if cfg.SourceURL == "" {
		if cfg.SourceURL, err = vm.DecryptURL(ctx, cfg.SourceSecretPath, cfg.SecretURLKey); err != nil {
			return fmt.Errorf("source URL: %w", err)
		}
	}
	if cfg.TargetURL == "" {
		if cfg.TargetURL, err = vm.DecryptURL(ctx, cfg.TargetSecretPath, cfg.SecretURLKey); err != nil {
			return fmt.Errorf("target URL: %w", err)
		}
	}
	return nil
}

func connect(ctx context.Context, url, name string, cfg *config.Config, log *zap.Logger) (*db.Connector, error) {
	opts := retry.Options{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryInterval,
		RetryIf:      retry.Transient,
		OnRetry: func(attempt int, err error) {
			log.Warn("Retrying database connection",
				zap.String("db", name), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	conn, err := retry.Do(ctx, opts, func(ctx context.Context) (*db.Connector, error) {
		c, err := db.Connect(url, name, logger.GetGormLogger())
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Optimize(cfg.ConnPoolSize, cfg.ConnMaxLifetime); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info("Database connected", zap.String("db", name))
	return conn, nil
}

func startMonitors(ctx context.Context, cfg *config.Config, store *metrics.Store, log *zap.Logger, conns ...*db.Connector) map[string]*health.Monitor {
	monitors := map[string]*health.Monitor{}
	onChange := func(name string, s health.State) {
		value := 0.0
		switch s.Status {
		case health.StatusHealthy:
			value = 1
		case health.StatusDegraded:
			value = 0.5
		}
		store.ConnectionHealthy.WithLabelValues(name).Set(value)
	}
	for _, conn := range conns {
		m := health.NewMonitor(conn.Name, conn, cfg.HealthCheckInterval, log, onChange)
		m.Start(ctx)
		monitors[conn.Name] = m
	}
	return monitors
}

func buildBackupService(ctx context.Context, cfg *config.Config, target *db.Connector, store *metrics.Store, log *zap.Logger) (*backup.Service, error) {
	if !cfg.BackupEnabled {
		return nil, nil
	}
	var objects backup.ObjectStore
	var err error
	if cfg.BackupEndpoint != "" {
		objects, err = backup.NewMinioStore(ctx, cfg.BackupEndpoint, cfg.BackupAccessKey, cfg.BackupSecretKey, cfg.BackupUseSSL, cfg.BackupBucket)
	} else {
		objects, err = backup.NewFileStore(cfg.BackupBucket)
	}
	if err != nil {
		return nil, err
	}
	return backup.NewService(target, objects, store, introspect.New(target, log), cfg.UserID, cfg.BackupRetention, log), nil
}

// preSyncBackup snapshots the target tables the job is about to touch.
func preSyncBackup(ctx context.Context, cfg *config.Config, spec syncer.JobSpec, svc *backup.Service, target *db.Connector, log *zap.Logger) error {
	tables := make([]string, 0, len(spec.Tables))
	for _, tc := range spec.Tables {
		if tc.Enabled {
			tables = append(tables, tc.Name)
		}
	}
	if len(tables) == 0 {
		discovered, err := introspect.New(target, log).SyncableTables(ctx)
		if err != nil {
			return err
		}
		tables = discovered
	}
	if len(tables) == 0 {
		log.Warn("Nothing to back up: target has no syncable tables")
		return nil
	}
	meta, err := svc.CreateBackup(ctx, spec.JobID, tables)
	if err != nil {
		return err
	}
	log.Info("Pre-sync backup stored",
		zap.String("backup_id", meta.ID),
		zap.String("key", meta.ScriptKey),
		zap.Int64("rows", meta.RowCount))
	return nil
}

func buildJobSpec(cfg *config.Config) syncer.JobSpec {
	tables := make([]syncer.TableConfig, 0, len(cfg.Tables))
	for _, name := range cfg.Tables {
		tables = append(tables, syncer.TableConfig{
			Name:             name,
			Enabled:          true,
			ConflictStrategy: cfg.ConflictStrategy,
		})
	}
	return syncer.JobSpec{
		JobID:              uuid.NewString(),
		SourceURL:          cfg.SourceURL,
		TargetURL:          cfg.TargetURL,
		Tables:             tables,
		Direction:          cfg.Direction,
		BatchSize:          cfg.BatchSize,
		BulkChunkSize:      cfg.BulkChunkSize,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxConcurrency:     cfg.MaxConcurrency,
		Parallel:           cfg.Parallel,
		JobTimeout:         cfg.JobTimeout,
		FetchTimeout:       cfg.FetchTimeout,
	}
}

func loadCheckpoint(path string) (*syncer.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp syncer.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint file: %w", err)
	}
	return &cp, nil
}

func saveCheckpoint(path string, cp *syncer.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func reportResult(result *syncer.JobResult, log *zap.Logger) {
	fields := []zap.Field{
		zap.String("state", string(result.State)),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
		zap.Int64("processed", result.Progress.ProcessedRows),
		zap.Int64("inserted", result.Progress.InsertedRows),
		zap.Int64("updated", result.Progress.UpdatedRows),
		zap.Int64("skipped", result.Progress.SkippedRows),
		zap.Int64("row_errors", result.Progress.Errors),
	}
	if len(result.Cycles) > 0 {
		for _, cycle := range result.Cycles {
			log.Warn("Tables form a foreign-key cycle", zap.Strings("tables", cycle))
		}
	}
	for name, tr := range result.Tables {
		if tr.SkipReason != "" {
			log.Warn("Table was not synced", zap.String("table", name), zap.String("reason", tr.SkipReason))
		}
		for _, sample := range tr.ErrorSamples {
			log.Warn("Row error", zap.String("table", name), zap.String("detail", sample))
		}
		if len(tr.Conflicts) > 0 {
			log.Warn("Unresolved conflicts need manual attention",
				zap.String("table", name), zap.Int("count", len(tr.Conflicts)))
		}
	}
	if result.Success {
		log.Info("Sync completed", fields...)
	} else {
		log.Error("Sync did not complete cleanly", fields...)
	}
}
