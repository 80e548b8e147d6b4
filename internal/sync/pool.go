package sync

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// runPool processes tables with up to MaxConcurrency workers. A table
// becomes eligible only when every FK parent inside the job has completed,
// so referential integrity holds at every point in time even across
// concurrent workers. Tables inside the same FK cycle do not gate on each
// other; their constraints are deferred instead.
func (o *Orchestrator) runPool(ctx context.Context, spec JobSpec, token *CancelToken, plan []*tablePlan, agg *aggregator, result *JobResult) {
	pending := map[string]*tablePlan{}
	completed := map[string]bool{}
	finished := map[string]bool{}

	for _, tp := range plan {
		if tp.done {
			completed[tp.cfg.Name] = true
			finished[tp.cfg.Name] = true
			continue
		}
		if tp.skip != "" {
			o.logger.Warn("Skipping table", zap.String("table", tp.cfg.Name), zap.String("reason", tp.skip))
			tr := TableResult{Table: tp.cfg.Name, SkipReason: tp.skip}
			result.Tables[tp.cfg.Name] = tr
			agg.update(tr)
			finished[tp.cfg.Name] = true
			continue
		}
		pending[tp.cfg.Name] = tp
	}

	results := make(chan TableResult, len(pending))
	running := 0
	stopLaunching := false

	record := func(tr TableResult) {
		agg.update(tr)
		if tr.Completed {
			completed[tr.Table] = true
			agg.markCompleted(tr.Table)
		}
		finished[tr.Table] = true
		result.Tables[tr.Table] = tr
		o.hooks.emitProgress(agg.progress())
	}

	for {
		if token.Cancelled() || ctx.Err() != nil {
			stopLaunching = true
		}

		launched := 0
		if !stopLaunching {
			for name, tp := range pending {
				if running+launched >= spec.MaxConcurrency {
					break
				}
				ready, blockedBy := o.readiness(tp, completed, finished)
				if blockedBy != "" {
					delete(pending, name)
					record(TableResult{Table: name, SkipReason: "parent table " + blockedBy + " did not complete"})
					continue
				}
				if !ready {
					continue
				}
				delete(pending, name)
				launched++
				syncer := o.newSyncer(spec, tp, agg, true)
				syncer.token = token
				go func(tp *tablePlan) {
					results <- syncer.run(ctx, tp.start)
				}(tp)
			}
			running += launched
		}

		if stopLaunching {
			break
		}

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			if launched == 0 {
				// Nothing running, nothing launchable, tables remain:
				// the dependency graph cannot make progress.
				o.logger.Error("Dependency stall detected",
					zap.Strings("stalled_tables", mapKeys(pending)))
				for name := range pending {
					record(TableResult{Table: name, SkipReason: "dependency stall: FK parents never completed"})
				}
				break
			}
			continue
		}

		select {
		case tr := <-results:
			running--
			record(tr)
		case <-token.Done():
			stopLaunching = true
		case <-ctx.Done():
			stopLaunching = true
		}
	}

	// Workers poll the cancel token between batches; wait for the ones
	// already in flight so no goroutine outlives the run.
	for running > 0 {
		tr := <-results
		running--
		record(tr)
	}
	for name := range pending {
		result.Tables[name] = TableResult{Table: name, SkipReason: "not started"}
	}
}

// readiness reports whether tp can start. blockedBy names a parent that
// finished without completing, which permanently blocks the child.
func (o *Orchestrator) readiness(tp *tablePlan, completed, finished map[string]bool) (bool, string) {
	for _, parent := range tp.parents {
		if completed[parent] {
			continue
		}
		if finished[parent] {
			return false, parent
		}
		return false, ""
	}
	return true, ""
}

func mapKeys(m map[string]*tablePlan) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
