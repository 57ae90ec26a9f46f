package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Result is what a probe observed. A probe returns an error when it could not
// observe at all (transport failure, bad arguments); an unmet assertion is a
// Result with Available=false and a Message.
type Result struct {
	Available bool
	Message   string
}

// Probe checks one resource described by args. Implementations carry their
// own timeout.
type Probe interface {
	Check(ctx context.Context, args Args) (Result, error)
}

// Args is the opaque argument bag of a check definition. Values arrive from
// JSON (numbers as float64) or YAML (numbers as int), so accessors accept both.
type Args map[string]any

func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Seconds reads a duration given in (possibly fractional) seconds.
func (a Args) Seconds(key string, def time.Duration) time.Duration {
	switch v := a[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

// StringMap reads a flat object of string values, e.g. request headers.
func (a Args) StringMap(key string) map[string]string {
	raw, ok := a[key].(map[string]any)
	if !ok {
		if m, ok := a[key].(map[string]string); ok {
			return m
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
