// Package diff decides whether a source record changed enough to need
// derived work. It is pure: no I/O, no clock.
package diff

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Strategy selects how stored and incoming values are compared.
type Strategy string

const (
	ContentHash Strategy = "content_hash"
	UpdatedAt   Strategy = "updated_at"
	Version     Strategy = "version"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ContentHash, UpdatedAt, Version:
		return true
	}
	return false
}

// ParseStrategy maps a config string to a Strategy. Unknown names are kept
// as-is so ShouldProcess can fail open on them.
func ParseStrategy(s string) Strategy {
	return Strategy(strings.ToLower(strings.TrimSpace(s)))
}

// ShouldProcess reports whether incoming differs from stored under strategy.
//
// An absent incoming value never triggers processing. An unknown strategy
// always does: reprocessing is recoverable, silently skipping is not.
func ShouldProcess(strategy Strategy, stored, incoming any) bool {
	if isNil(incoming) {
		return false
	}

	switch strategy {
	case ContentHash:
		return isNil(stored) || toText(stored) != toText(incoming)

	case UpdatedAt:
		in, ok := toTime(incoming)
		if !ok {
			return false
		}
		if isNil(stored) {
			return true
		}
		since, ok := toTime(stored)
		if !ok {
			return true
		}
		return in.After(since)

	case Version:
		in, ok := toNumber(incoming)
		if !ok {
			return false
		}
		if isNil(stored) {
			return true
		}
		prev, ok := toNumber(stored)
		if !ok {
			return true
		}
		return in.Cmp(prev) > 0

	default:
		return true
	}
}

func isNil(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case *string:
		return typed == nil
	case *time.Time:
		return typed == nil
	case *int64:
		return typed == nil
	}
	return false
}

func toText(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case *string:
		return *typed
	case []byte:
		return string(typed)
	default:
		b, _ := json.Marshal(typed)
		return string(b)
	}
}

func toTime(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case time.Time:
		return typed, !typed.IsZero()
	case *time.Time:
		return *typed, !typed.IsZero()
	case string:
		if typed == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return t, true
		}
		if secs, err := strconv.ParseInt(typed, 10, 64); err == nil {
			return time.Unix(secs, 0), true
		}
		return time.Time{}, false
	case *string:
		return toTime(*typed)
	case int:
		return time.Unix(int64(typed), 0), true
	case int64:
		return time.Unix(typed, 0), true
	case *int64:
		return time.Unix(*typed, 0), true
	case float64:
		sec := int64(typed)
		return time.Unix(sec, int64((typed-float64(sec))*1e9)), true
	}
	return time.Time{}, false
}

// toNumber compares versions exactly, including integers beyond float64 precision.
func toNumber(v any) (*big.Float, bool) {
	f := new(big.Float).SetPrec(128)
	switch typed := v.(type) {
	case int:
		return f.SetInt64(int64(typed)), true
	case int32:
		return f.SetInt64(int64(typed)), true
	case int64:
		return f.SetInt64(typed), true
	case *int64:
		return f.SetInt64(*typed), true
	case uint64:
		return f.SetUint64(typed), true
	case float64:
		return f.SetFloat64(typed), true
	case json.Number:
		return toNumber(typed.String())
	case string:
		if _, ok := f.SetString(strings.TrimSpace(typed)); ok {
			return f, true
		}
	case *string:
		return toNumber(*typed)
	}
	return nil, false
}
