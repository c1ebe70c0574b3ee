package backend

import (
	"fmt"
	"strconv"
	"time"
)

// Option names that older hosts pass under different names. They never reach
// the transport.
const (
	legacyTimeout        = "timeout"
	legacyStartupTimeout = "startup_timeout"
)

// Normalize returns a copy of o with the legacy timeout options removed from
// Extra. A legacy "timeout" is used as the execution timeout when none is
// set; "startup_timeout" always loses to StartTimeout.
func (o Options) Normalize() Options {
	if len(o.Extra) == 0 {
		return o
	}
	extra := make(map[string]any, len(o.Extra))
	for k, v := range o.Extra {
		extra[k] = v
	}
	if v, ok := extra[legacyTimeout]; ok {
		if d, err := ParseDuration(v); err == nil && o.ExecutionTimeout == 0 {
			o.ExecutionTimeout = d
		}
		delete(extra, legacyTimeout)
	}
	delete(extra, legacyStartupTimeout)
	o.Extra = extra
	return o
}

// ParseDuration reads a duration given as a Go duration string ("90s"), or
// as a number of seconds. Nil is zero.
func ParseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", t)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration of type %T", v)
	}
}

// ExtraString returns Extra[key] as a string.
func (o Options) ExtraString(key string) string {
	switch v := o.Extra[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ExtraInt returns Extra[key] as an int, accepting JSON numbers and numeric
// strings.
func (o Options) ExtraInt(key string) (int, bool) {
	switch v := o.Extra[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}
