package sync

import (
	"time"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
)

// Decision is the outcome of conflict resolution for one row.
type Decision int

const (
	// DecisionApply writes the source row to the target.
	DecisionApply Decision = iota
	// DecisionSkip leaves the target row untouched.
	DecisionSkip
	// DecisionManual records a pending conflict and touches nothing.
	DecisionManual
)

// ResolveConflict decides what to do when the target row is newer than the
// source row during two-way sync. An empty strategy behaves like
// last_write_wins. Equal timestamps never count as "newer", so
// last_write_wins skips on ties.
func ResolveConflict(strategy config.ConflictStrategy, sourceTs, targetTs time.Time) Decision {
	switch strategy {
	case config.ConflictSourceWins:
		return DecisionApply
	case config.ConflictTargetWins:
		return DecisionSkip
	case config.ConflictManual:
		return DecisionManual
	case config.ConflictLastWriteWins, "":
		if sourceTs.After(targetTs) {
			return DecisionApply
		}
		return DecisionSkip
	default:
		// Unrecognized strategies never overwrite data.
		return DecisionManual
	}
}

// timestampLayouts covers the representations seen in the wild: driver-native
// time.Time, RFC 3339 strings, and space-separated Postgres text output with
// or without zone or fractional seconds.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp coerces a scanned updated_at value into a time.Time.
// Missing or unparseable values yield (epoch, false) so comparison logic can
// proceed without ever panicking on dirty data.
func NormalizeTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Unix(0, 0).UTC(), false
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Unix(0, 0).UTC(), false
		}
		return NormalizeTimestamp(*t)
	case string:
		return parseTimestamp(t)
	case []byte:
		return parseTimestamp(string(t))
	default:
		return time.Unix(0, 0).UTC(), false
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Unix(0, 0).UTC(), false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Unix(0, 0).UTC(), false
}
