package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/provflow/internal/ir"
)

// marshalAttributes converts attributes to canonical JSON TEXT. Canonical form
// keeps sealed nodes byte-identical across reads and lets equality be
// checked on bytes.
func marshalAttributes(attrs ir.Object) (string, error) {
	if attrs == nil {
		attrs = ir.Object{}
	}
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(data), nil
}

// unmarshalAttributes parses canonical JSON TEXT to an Object.
func unmarshalAttributes(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	v, err := ir.ParseJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal attributes: not an object")
	}
	return obj, nil
}

// mergeAttributes extends base with add. Keys already present must carry an
// identical value.
func mergeAttributes(base, add ir.Object) (ir.Object, bool, error) {
	merged := base.Clone()
	changed := false
	for _, k := range add.SortedKeys() {
		v := add[k]
		if old, ok := base[k]; ok {
			if !ir.Equal(old, v) {
				return nil, false, fmt.Errorf("%w: key %q", ErrAttributeRewrite, k)
			}
			continue
		}
		merged[k] = v
		changed = true
	}
	return merged, changed, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nullableNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}
