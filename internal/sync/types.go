// Package sync implements the synchronization engine: diffing, conflict
// resolution, dependency-ordered execution, checkpointing and the bulk write
// path against the target database.
package sync

import (
	"sync"
	"time"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
)

// TableConfig selects one table for synchronization.
type TableConfig struct {
	Name             string                  `json:"tableName"`
	Enabled          bool                    `json:"enabled"`
	ConflictStrategy config.ConflictStrategy `json:"conflictStrategy"`
}

// JobSpec describes one sync run. It is immutable once Run starts.
type JobSpec struct {
	JobID     string           `json:"jobId"`
	SourceURL string           `json:"sourceUrl"`
	TargetURL string           `json:"targetUrl"`
	Tables    []TableConfig    `json:"tables"`
	Direction config.Direction `json:"direction"`

	BatchSize          int           `json:"batchSize"`
	BulkChunkSize      int           `json:"bulkChunkSize"`
	CheckpointInterval int           `json:"checkpointInterval"`
	MaxConcurrency     int           `json:"maxConcurrency"`
	Parallel           bool          `json:"parallel"`
	JobTimeout         time.Duration `json:"jobTimeout"`
	FetchTimeout       time.Duration `json:"fetchTimeout"`
}

// withDefaults returns a copy with unset knobs filled in. The originals
// match the documented defaults: batch 100, chunk 50, checkpoint every 50
// rows, 2h job / 2m fetch timeouts, concurrency 3.
func (s JobSpec) withDefaults() JobSpec {
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.BulkChunkSize <= 0 {
		s.BulkChunkSize = 50
	}
	if s.CheckpointInterval <= 0 {
		s.CheckpointInterval = 50
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = 3
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = 2 * time.Hour
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 2 * time.Minute
	}
	if s.Direction == "" {
		s.Direction = config.DirectionOneWay
	}
	return s
}

// Checkpoint marks safely committed progress. ProcessedTables never contains
// the in-progress table; LastRowID/LastUpdatedAt always reference the last
// row of a committed batch, never one from an in-flight transaction.
type Checkpoint struct {
	LastTable       string    `json:"lastTable"`
	LastRowID       string    `json:"lastRowId"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
	ProcessedTables []string  `json:"processedTables"`
}

// Progress carries the monotonic per-job counters. Counters only grow within
// a job and reset between jobs.
type Progress struct {
	ProcessedRows   int64    `json:"processedRows"`
	InsertedRows    int64    `json:"insertedRows"`
	UpdatedRows     int64    `json:"updatedRows"`
	SkippedRows     int64    `json:"skippedRows"`
	Errors          int64    `json:"errors"`
	CurrentTable    string   `json:"currentTable"`
	CompletedTables []string `json:"completedTables"`
}

// SkipReasons breaks skipped rows down by cause.
type SkipReasons struct {
	AlreadySynced int64 `json:"alreadySynced"`
	NoChanges     int64 `json:"noChanges"`
	Conflict      int64 `json:"conflict"`
	Error         int64 `json:"error"`
	NoID          int64 `json:"noId"`
}

func (s SkipReasons) total() int64 {
	return s.AlreadySynced + s.NoChanges + s.Conflict + s.Error + s.NoID
}

// Conflict records a two-way divergence left for manual resolution.
type Conflict struct {
	TableName       string                 `json:"tableName"`
	RowID           string                 `json:"rowId"`
	SourceData      map[string]interface{} `json:"sourceData"`
	TargetData      map[string]interface{} `json:"targetData"`
	SourceUpdatedAt time.Time              `json:"sourceUpdatedAt"`
	TargetUpdatedAt time.Time              `json:"targetUpdatedAt"`
	Resolution      string                 `json:"resolution"` // always "pending" when created here
}

const ResolutionPending = "pending"

// maxErrorSamples bounds detailed row-error messages per table; past that
// only the counters grow.
const maxErrorSamples = 10

// TableResult is the outcome of syncing a single table.
type TableResult struct {
	Table        string
	Inserted     int64
	Updated      int64
	Processed    int64
	Skipped      SkipReasons
	Conflicts    []Conflict
	ErrorSamples []string
	Duration     time.Duration

	// Completed means the table ran to the end of its cursor; row-level
	// errors may still have occurred (see Skipped.Error).
	Completed  bool
	SkipReason string
	Err        error

	// LastCursor is the committed resume position when the table was
	// interrupted mid-way.
	LastCursor Cursor
}

func (r *TableResult) recordRowError(msg string) {
	r.Skipped.Error++
	if len(r.ErrorSamples) < maxErrorSamples {
		r.ErrorSamples = append(r.ErrorSamples, msg)
	}
}

// JobState is the terminal classification of a run.
type JobState string

const (
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateTimedOut  JobState = "timed_out"
	StateFailed    JobState = "failed"
)

// JobResult is returned by Orchestrator.Run. Success requires every enabled
// table to complete with zero row-level errors.
type JobResult struct {
	State      JobState
	Success    bool
	Progress   Progress
	Checkpoint *Checkpoint
	Tables     map[string]TableResult
	Cycles     [][]string
	Duration   time.Duration
}

// Hooks are the caller-facing callbacks. Any of them may be nil.
type Hooks struct {
	OnProgress   func(Progress)
	OnLog        func(level, message string, metadata map[string]interface{})
	OnCheckpoint func(Checkpoint)
	OnComplete   func(success bool, checkpoint *Checkpoint)
}

func (h Hooks) emitProgress(p Progress) {
	if h.OnProgress != nil {
		h.OnProgress(p)
	}
}

func (h Hooks) emitLog(level, message string, metadata map[string]interface{}) {
	if h.OnLog != nil {
		h.OnLog(level, message, metadata)
	}
}

func (h Hooks) emitCheckpoint(cp Checkpoint) {
	if h.OnCheckpoint != nil {
		h.OnCheckpoint(cp)
	}
}

func (h Hooks) emitComplete(success bool, cp *Checkpoint) {
	if h.OnComplete != nil {
		h.OnComplete(success, cp)
	}
}

// CancelToken is the per-job cooperative cancellation flag. It replaces any
// process-wide job registry: the caller holds the token, the job polls it
// before each batch fetch and before advancing to the next table.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. Safe to call multiple times and from any
// goroutine.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the trip channel for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
