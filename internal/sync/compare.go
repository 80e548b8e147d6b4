package sync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// rowsEquivalent reports whether the source and target rows hold the same
// data for every column present in the source row. Column sets can differ
// when the target schema drifted; only shared columns are compared, missing
// ones count as a difference.
func rowsEquivalent(source, target map[string]interface{}) bool {
	for col, sv := range source {
		tv, ok := target[col]
		if !ok {
			return false
		}
		if !valuesEqual(sv, tv) {
			return false
		}
	}
	return true
}

// valuesEqual compares two scanned column values across the representation
// differences the drivers introduce: []byte vs string, int64 vs float64 vs
// numeric strings, and timezone-shifted timestamps.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
		if bt, bok := NormalizeTimestamp(b); bok {
			return at.UTC().Equal(bt)
		}
		return false
	}
	if _, bok := b.(time.Time); bok {
		return valuesEqual(b, a)
	}

	if ab, ok := a.([]byte); ok {
		a = string(ab)
	}
	if bb, ok := b.([]byte); ok {
		b = string(bb)
	}

	if ad, ok := asDecimal(a); ok {
		if bd, bok := asDecimal(b); bok {
			return ad.Cmp(bd) == 0
		}
		return false
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

// asDecimal converts numeric representations to an arbitrary-precision
// decimal so 1, 1.0 and "1.00" compare equal without float rounding.
func asDecimal(v interface{}) (*apd.Decimal, bool) {
	var d apd.Decimal
	switch n := v.(type) {
	case int:
		d.SetInt64(int64(n))
		return &d, true
	case int32:
		d.SetInt64(int64(n))
		return &d, true
	case int64:
		d.SetInt64(n)
		return &d, true
	case uint64:
		// Values above MaxInt64 do not fit SetInt64; go through the string
		// form to keep them exact.
		if _, _, err := d.SetString(strconv.FormatUint(n, 10)); err != nil {
			return nil, false
		}
		return &d, true
	case float32:
		if _, err := d.SetFloat64(float64(n)); err != nil {
			return nil, false
		}
		return &d, true
	case float64:
		if _, err := d.SetFloat64(n); err != nil {
			return nil, false
		}
		return &d, true
	case string:
		if _, _, err := d.SetString(n); err != nil {
			return nil, false
		}
		return &d, true
	default:
		return nil, false
	}
}
