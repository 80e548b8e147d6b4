package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/db"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/deps"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/introspect"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/metrics"
	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/retry"
)

// Orchestrator coordinates a whole sync run: planning, scheduling tables in
// FK dependency order, aggregating progress and classifying the terminal
// state. One Orchestrator handles one pair of connections and may run jobs
// sequentially; concurrent jobs get their own instance.
type Orchestrator struct {
	source  *db.Connector
	target  *db.Connector
	inspect *introspect.Introspector
	fetcher RowFetcher
	store   *metrics.Store
	hooks   Hooks
	logger  *zap.Logger
}

func NewOrchestrator(source, target *db.Connector, store *metrics.Store, hooks Hooks, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		source: source,
		target: target,
		// Constraints live where the writes land, so planning introspects
		// the target.
		inspect: introspect.New(target, logger),
		fetcher: NewRowFetcher(source, target, logger),
		store:   store,
		hooks:   hooks,
		logger:  logger.Named("orchestrator"),
	}
}

// tablePlan is the per-table execution plan derived before any row moves.
type tablePlan struct {
	cfg  TableConfig
	meta *introspect.TableMetadata
	// parents are FK parents inside the enabled set, minus members of the
	// same cycle. The concurrent scheduler gates on these.
	parents  []string
	inCycle  bool
	deferred []string
	start    Cursor
	skip     string // table-level skip reason; empty means runnable
	done     bool   // satisfied by a resume checkpoint, nothing to do
}

// Run executes one job. The token is this job's cancellation handle; resume,
// when non-nil, is a checkpoint from an earlier interrupted run of the same
// job.
func (o *Orchestrator) Run(ctx context.Context, spec JobSpec, token *CancelToken, resume *Checkpoint) *JobResult {
	spec = spec.withDefaults()
	began := time.Now()
	log := o.logger.With(zap.String("job_id", spec.JobID))

	o.store.SyncRunning.Set(1)
	defer o.store.SyncRunning.Set(0)

	jobCtx, cancel := context.WithTimeout(ctx, spec.JobTimeout)
	defer cancel()

	result := &JobResult{State: StateFailed, Tables: map[string]TableResult{}}
	finish := func() *JobResult {
		result.Duration = time.Since(began)
		o.store.SyncDuration.Observe(result.Duration.Seconds())
		o.hooks.emitComplete(result.Success, result.Checkpoint)
		log.Info("Sync job finished",
			zap.String("state", string(result.State)),
			zap.Bool("success", result.Success),
			zap.Int64("processed", result.Progress.ProcessedRows),
			zap.Int64("errors", result.Progress.Errors),
			zap.Duration("duration", result.Duration))
		return result
	}

	log.Info("Sync job starting",
		zap.String("direction", string(spec.Direction)),
		zap.Bool("parallel", spec.Parallel),
		zap.Bool("resume", resume != nil))
	o.hooks.emitLog("info", "sync job starting", map[string]interface{}{"jobId": spec.JobID})

	if err := o.verifyConnections(jobCtx); err != nil {
		o.store.SyncErrorsTotal.WithLabelValues("connect", "").Inc()
		result.State = classifyInterruption(jobCtx, token, err)
		log.Error("Connection verification failed", zap.Error(err))
		o.hooks.emitLog("error", fmt.Sprintf("connection verification failed: %v", err), nil)
		return finish()
	}

	plan, cycles, err := o.buildPlan(jobCtx, spec, resume)
	if err != nil {
		o.store.SyncErrorsTotal.WithLabelValues("plan", "").Inc()
		result.State = classifyInterruption(jobCtx, token, err)
		log.Error("Planning failed", zap.Error(err))
		return finish()
	}
	result.Cycles = cycles

	agg := newAggregator()
	for _, tp := range plan {
		if tp.done {
			agg.markCompleted(tp.cfg.Name)
			result.Tables[tp.cfg.Name] = TableResult{Table: tp.cfg.Name, Completed: true, SkipReason: "already synced before resume"}
		}
	}

	if spec.Parallel && spec.MaxConcurrency > 1 {
		o.runPool(jobCtx, spec, token, plan, agg, result)
	} else {
		o.runSequential(jobCtx, spec, token, plan, agg, result)
	}

	result.Progress = agg.progress()
	o.classify(jobCtx, token, result)
	return finish()
}

func (o *Orchestrator) verifyConnections(ctx context.Context) error {
	opts := retry.DefaultOptions()
	for _, conn := range []*db.Connector{o.source, o.target} {
		conn := conn
		if _, err := retry.Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, conn.Ping(ctx)
		}); err != nil {
			return fmt.Errorf("database %s is unreachable: %w", conn.Name, err)
		}
	}
	return nil
}

// buildPlan resolves the table set, fetches schema facts, orders the tables
// by FK dependencies and folds in the resume checkpoint.
func (o *Orchestrator) buildPlan(ctx context.Context, spec JobSpec, resume *Checkpoint) ([]*tablePlan, [][]string, error) {
	enabled := make([]TableConfig, 0, len(spec.Tables))
	for _, tc := range spec.Tables {
		if tc.Enabled {
			enabled = append(enabled, tc)
		}
	}
	if len(enabled) == 0 {
		discovered, err := o.sourceIntrospector().SyncableTables(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range discovered {
			enabled = append(enabled, TableConfig{Name: name, Enabled: true, ConflictStrategy: config.ConflictLastWriteWins})
		}
	}
	if len(enabled) == 0 {
		return nil, nil, fmt.Errorf("no syncable tables: need base tables with both id and updated_at columns")
	}

	targetTables, err := o.inspect.SyncableTables(ctx)
	if err != nil {
		return nil, nil, err
	}
	onTarget := make(map[string]bool, len(targetTables))
	for _, t := range targetTables {
		onTarget[t] = true
	}

	names := make([]string, len(enabled))
	byName := make(map[string]*tablePlan, len(enabled))
	for i, tc := range enabled {
		if tc.ConflictStrategy == "" {
			tc.ConflictStrategy = config.ConflictLastWriteWins
		}
		names[i] = tc.Name
		byName[tc.Name] = &tablePlan{cfg: tc}
	}

	parents, err := o.inspect.FKParents(ctx, presentNames(names, onTarget))
	if err != nil {
		return nil, nil, err
	}
	order := deps.Resolve(names, parents)
	if order.HasCycles() {
		o.logger.Warn("Foreign-key cycles detected; constraints will be deferred where possible",
			zap.Int("cycle_count", len(order.Cycles)))
	}
	inCycle := map[string]bool{}
	cycleOf := map[string]int{}
	for i, cycle := range order.Cycles {
		for _, name := range cycle {
			inCycle[name] = true
			cycleOf[name] = i
		}
	}

	var plan []*tablePlan
	for _, name := range order.Order {
		tp := byName[name]
		if !onTarget[name] {
			tp.skip = "table missing on target"
			plan = append(plan, tp)
			continue
		}
		meta, err := o.inspect.TableMetadata(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		tp.meta = meta
		tp.inCycle = inCycle[name]
		for _, parent := range parents[name] {
			if parent == name {
				continue
			}
			if _, enabledParent := byName[parent]; !enabledParent {
				continue
			}
			if tp.inCycle && inCycle[parent] && cycleOf[parent] == cycleOf[name] {
				continue
			}
			tp.parents = append(tp.parents, parent)
		}
		if tp.inCycle {
			deferred, err := o.inspect.DeferrableFKConstraints(ctx, name)
			if err != nil {
				return nil, nil, err
			}
			tp.deferred = deferred
			if len(deferred) == 0 {
				o.logger.Warn("Table is in an FK cycle but has no deferrable constraints; row errors are possible",
					zap.String("table", name))
			}
		}
		plan = append(plan, tp)
	}

	if resume != nil {
		processed := make(map[string]bool, len(resume.ProcessedTables))
		for _, t := range resume.ProcessedTables {
			processed[t] = true
		}
		for _, tp := range plan {
			if processed[tp.cfg.Name] {
				tp.done = true
			}
			if tp.cfg.Name == resume.LastTable {
				tp.start = Cursor{LastUpdatedAt: resume.LastUpdatedAt, LastRowID: resume.LastRowID}
			}
		}
	}
	return plan, order.Cycles, nil
}

func (o *Orchestrator) sourceIntrospector() *introspect.Introspector {
	return introspect.New(o.source, o.logger)
}

func presentNames(names []string, present map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if present[n] {
			out = append(out, n)
		}
	}
	return out
}

// newSyncer wires the shared per-table primitive for one planned table.
func (o *Orchestrator) newSyncer(spec JobSpec, tp *tablePlan, agg *aggregator, parallel bool) *tableSyncer {
	writer := newBatchWriter(o.target, tp.meta, spec.BulkChunkSize, o.logger)
	writer.deferredConstraints = tp.deferred
	if parallel {
		writer.statementTimeout = "30s"
	}
	return &tableSyncer{
		spec:    spec,
		cfg:     tp.cfg,
		meta:    tp.meta,
		fetcher: o.fetcher,
		writer:  writer,
		store:   o.store,
		logger:  o.logger,
		onBatch: func(snapshot TableResult) {
			agg.update(snapshot)
			o.hooks.emitProgress(agg.progress())
		},
		onCheckpoint: func(table string, cursor Cursor) {
			o.hooks.emitCheckpoint(Checkpoint{
				LastTable:       table,
				LastRowID:       cursor.LastRowID,
				LastUpdatedAt:   cursor.LastUpdatedAt,
				ProcessedTables: agg.completedTables(),
			})
		},
	}
}

// runSequential processes tables one at a time in dependency order.
func (o *Orchestrator) runSequential(ctx context.Context, spec JobSpec, token *CancelToken, plan []*tablePlan, agg *aggregator, result *JobResult) {
	for _, tp := range plan {
		if tp.done {
			continue
		}
		if token.Cancelled() || ctx.Err() != nil {
			result.Tables[tp.cfg.Name] = TableResult{Table: tp.cfg.Name, SkipReason: "not started"}
			continue
		}
		if tp.skip != "" {
			o.logger.Warn("Skipping table", zap.String("table", tp.cfg.Name), zap.String("reason", tp.skip))
			result.Tables[tp.cfg.Name] = TableResult{Table: tp.cfg.Name, SkipReason: tp.skip}
			agg.update(TableResult{Table: tp.cfg.Name, SkipReason: tp.skip})
			continue
		}

		agg.setCurrent(tp.cfg.Name)
		syncer := o.newSyncer(spec, tp, agg, false)
		syncer.token = token
		tr := syncer.run(ctx, tp.start)
		agg.update(tr)
		if tr.Completed {
			agg.markCompleted(tp.cfg.Name)
		}
		result.Tables[tp.cfg.Name] = tr
		o.hooks.emitProgress(agg.progress())
	}
	agg.setCurrent("")
}

// classify fills in the terminal state, overall success flag and the final
// checkpoint for interrupted runs.
func (o *Orchestrator) classify(ctx context.Context, token *CancelToken, result *JobResult) {
	success := true
	var interrupted *TableResult
	for name := range result.Tables {
		tr := result.Tables[name]
		if !tr.Completed || tr.Skipped.Error > 0 {
			success = false
		}
		if tr.Err != nil && interrupted == nil {
			interrupted = &tr
		}
	}
	result.Success = success

	switch {
	case success:
		result.State = StateCompleted
		result.Checkpoint = nil
	case interrupted != nil:
		result.State = classifyInterruption(ctx, token, interrupted.Err)
		result.Checkpoint = &Checkpoint{
			LastTable:       interrupted.Table,
			LastRowID:       interrupted.LastCursor.LastRowID,
			LastUpdatedAt:   interrupted.LastCursor.LastUpdatedAt,
			ProcessedTables: result.Progress.CompletedTables,
		}
	case token.Cancelled():
		result.State = StateCancelled
		result.Checkpoint = &Checkpoint{ProcessedTables: result.Progress.CompletedTables}
	case ctx.Err() != nil:
		result.State = StateTimedOut
		result.Checkpoint = &Checkpoint{ProcessedTables: result.Progress.CompletedTables}
	default:
		// Tables finished but with row errors or table-level skips.
		result.State = StateFailed
	}
}

// classifyInterruption distinguishes cancellation and timeout from plain
// failure.
func classifyInterruption(ctx context.Context, token *CancelToken, err error) JobState {
	if token.Cancelled() || errors.Is(err, errCancelled) {
		return StateCancelled
	}
	var te *retry.TimeoutError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &te) {
		return StateTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return StateCancelled
	}
	return StateFailed
}

// aggregator folds per-table snapshots into job-level progress. It is safe
// for concurrent use by pool workers.
type aggregator struct {
	mu        gosync.Mutex
	snapshots map[string]TableResult
	completed []string
	current   string
}

func newAggregator() *aggregator {
	return &aggregator{snapshots: map[string]TableResult{}}
}

func (a *aggregator) update(snapshot TableResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots[snapshot.Table] = snapshot
}

func (a *aggregator) markCompleted(table string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.completed {
		if t == table {
			return
		}
	}
	a.completed = append(a.completed, table)
}

func (a *aggregator) completedTables() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.completed))
	copy(out, a.completed)
	return out
}

func (a *aggregator) setCurrent(table string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = table
}

func (a *aggregator) progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := Progress{CurrentTable: a.current}
	p.CompletedTables = make([]string, len(a.completed))
	copy(p.CompletedTables, a.completed)
	for _, s := range a.snapshots {
		p.ProcessedRows += s.Processed
		p.InsertedRows += s.Inserted
		p.UpdatedRows += s.Updated
		p.SkippedRows += s.Skipped.total()
		p.Errors += s.Skipped.Error
		if s.Err != nil || s.SkipReason != "" {
			p.Errors++
		}
	}
	return p
}
