package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sheetsync/internal/timeparse"
	"sheetsync/pkg/records"
)

// errNeedsYear marks a month/day date whose year comes from another column.
var errNeedsYear = errors.New("date without year")

// coerceFunc converts one non-empty raw value into its typed form.
type coerceFunc func(v records.Value) (any, error)

// coercers holds one compiled coercer per data type.
type coercers map[records.DataType]coerceFunc

var (
	defaultTruthy = []string{"1", "t", "true", "yes", "y", "是", "開立"}
	defaultFalsy  = []string{"0", "f", "false", "no", "n", "否", "未開立"}
)

func compileCoercers(loc *time.Location, truthy, falsy []string) coercers {
	if len(truthy) == 0 {
		truthy = defaultTruthy
	}
	if len(falsy) == 0 {
		falsy = defaultFalsy
	}
	yes, no := lowerSet(truthy), lowerSet(falsy)

	return coercers{
		records.TypeString: func(v records.Value) (any, error) {
			return strings.TrimSpace(v.Text()), nil
		},
		records.TypeInteger: func(v records.Value) (any, error) {
			if v.Kind == records.KindBool {
				return nil, fmt.Errorf("boolean %v is not an integer", v.Bool)
			}
			s := stripThousands(v.Text())
			i, ok := toIntFast(s)
			if !ok {
				return nil, fmt.Errorf("%q is not an integer", v.Text())
			}
			return i, nil
		},
		records.TypeFloat: func(v records.Value) (any, error) {
			if v.Kind == records.KindBool {
				return nil, fmt.Errorf("boolean %v is not a number", v.Bool)
			}
			f, err := strconv.ParseFloat(stripThousands(v.Text()), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v.Text())
			}
			return f, nil
		},
		records.TypeBoolean: func(v records.Value) (any, error) {
			if v.Kind == records.KindBool {
				return v.Bool, nil
			}
			b, ok := toBoolFast(strings.TrimSpace(v.Text()), yes, no)
			if !ok {
				return nil, fmt.Errorf("%q is not a recognized boolean", v.Text())
			}
			return b, nil
		},
		records.TypeDate: func(v records.Value) (any, error) {
			s := strings.TrimSpace(v.Text())
			if timeparse.IsPlaceholder(s) {
				return nil, fmt.Errorf("%q is a placeholder, not a date", s)
			}
			if t, ok := timeparse.ParseDate(s, loc); ok {
				return t, nil
			}
			if isMonthDay(s) {
				return nil, errNeedsYear
			}
			return nil, fmt.Errorf("%q is not a date", s)
		},
		records.TypeTimestamp: func(v records.Value) (any, error) {
			s := strings.TrimSpace(v.Text())
			if timeparse.IsPlaceholder(s) {
				return nil, fmt.Errorf("%q is a placeholder, not a timestamp", s)
			}
			t, ok := timeparse.Parse(s, loc)
			if !ok {
				return nil, fmt.Errorf("%q is not a timestamp", s)
			}
			return t.UTC(), nil
		},
		records.TypeJSON: func(v records.Value) (any, error) {
			if v.Kind == records.KindString {
				if json.Valid([]byte(v.Str)) {
					return v.Str, nil
				}
			}
			b, err := v.MarshalJSON()
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	}
}

// coerce applies the coercer for t. Empty values become NULL.
func (c coercers) coerce(t records.DataType, v records.Value) (any, error) {
	if v.IsEmpty() {
		return nil, nil
	}
	fn, ok := c[t]
	if !ok {
		fn = c[records.TypeString]
	}
	return fn(v)
}

// isMonthDay reports whether s looks like "3/15" or "03-15".
func isMonthDay(s string) bool {
	i := strings.IndexAny(s, "/-")
	if i <= 0 || i > 2 || len(s)-i-1 < 1 || len(s)-i-1 > 2 {
		return false
	}
	for j, r := range s {
		if j != i && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func stripThousands(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

// lowerSet builds a lowercased membership set.
func lowerSet(in []string) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return m
}

// toIntFast parses integers quickly and only falls back to float parsing when
// the field contains a '.' (supporting inputs like "42.0").
func toIntFast(s string) (int64, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f == float64(int64(f)) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

// toBoolFast resolves booleans against the configured vocabularies.
func toBoolFast(s string, truthy, falsy map[string]struct{}) (bool, bool) {
	ls := strings.ToLower(s)
	if ls == "" {
		return false, false
	}
	if _, ok := truthy[ls]; ok {
		return true, true
	}
	if _, ok := falsy[ls]; ok {
		return false, true
	}
	return false, false
}
