package store

import (
	"strconv"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// String returns the column as a string, or "" when absent
func (r Record) String(column string) string {
	return toString(r[column])
}

// Int64 returns the column as an integer, or 0 when absent or not numeric
func (r Record) Int64(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

// Float64 returns the column as a float, or 0 when absent or not numeric
func (r Record) Float64(column string) float64 {
	switch v := r[column].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Bool returns the column as a boolean
func (r Record) Bool(column string) bool {
	switch v := r[column].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time returns the column as a time. Integer columns are read as unix
// milliseconds.
func (r Record) Time(column string) time.Time {
	switch v := r[column].(type) {
	case time.Time:
		return v
	case int64:
		return time.UnixMilli(v).UTC()
	case string:
		return ParseTime(v)
	default:
		return time.Time{}
	}
}

// ParseTime parses the textual time formats SQLite hands back. It returns the
// zero time when nothing matches.
func ParseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
