package logging

import (
	"fmt"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	log "github.com/sirupsen/logrus"
)

// RedactedValue replaces the value of every sensitive field
const RedactedValue = "[REDACTED]"

// DefaultRedactKeys are the field names treated as sensitive when the
// settings do not provide their own list. Entries may be glob patterns
var DefaultRedactKeys = []string{
	"password",
	"passwd",
	"pass",
	"api_key",
	"api_token",
	"access_key",
	"secret_key",
	"private_key",
	"secret",
	"token",
}

// Concern is a single warning or validation failure produced while loading
// settings or extensions. Fields may contain sensitive values and must go
// through Redact before they are logged
type Concern struct {
	Message string
	Fields  map[string]any
}

// NewConcern builds a Concern from alternating key/value pairs
func NewConcern(message string, kv ...any) Concern {
	c := Concern{Message: message, Fields: map[string]any{}}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		c.Fields[k] = kv[i+1]
	}
	return c
}

// IsSensitive reports whether key matches one of the patterns. Matching is
// case-insensitive
func IsSensitive(key string, patterns []string) bool {
	k := strings.ToLower(key)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == k {
			return true
		}
		if ok, err := path.Match(p, k); err == nil && ok {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of fields with every sensitive value replaced
// by RedactedValue. Nested maps, slices, pointers and structs are walked.
// Typed maps and structs come back as map[string]any when something in
// them was redacted, and unchanged otherwise
func Redact(fields map[string]any, patterns []string) map[string]any {
	out, _ := redactMap(fields, patterns, maxRedactDepth)
	return out
}

// values nested deeper than this are left as they are, which also ends
// pointer cycles
const maxRedactDepth = 16

func redactMap(fields map[string]any, patterns []string, depth int) (map[string]any, bool) {
	if fields == nil {
		return nil, false
	}

	changed := false
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitive(k, patterns) {
			out[k] = RedactedValue
			changed = true
			continue
		}

		var c bool
		out[k], c = redactValue(v, patterns, depth-1)
		changed = changed || c
	}
	return out, changed
}

func redactValue(v any, patterns []string, depth int) (any, bool) {
	if depth <= 0 {
		return v, false
	}

	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return redactMap(val, patterns, depth)
	case log.Fields:
		return redactMap(val, patterns, depth)
	case []any:
		changed := false
		out := make([]any, len(val))
		for i, item := range val {
			var c bool
			out[i], c = redactValue(item, patterns, depth-1)
			changed = changed || c
		}
		return out, changed
	case []map[string]any:
		changed := false
		out := make([]map[string]any, len(val))
		for i, item := range val {
			var c bool
			out[i], c = redactMap(item, patterns, depth-1)
			changed = changed || c
		}
		return out, changed
	case string, []byte, bool, int, int64, float64, time.Time, time.Duration:
		return v, false
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		if out, changed := redactMap(m, patterns, depth); changed {
			return out, true
		}
	case reflect.Slice, reflect.Array:
		changed := false
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			var c bool
			out[i], c = redactValue(rv.Index(i).Interface(), patterns, depth-1)
			changed = changed || c
		}
		if changed {
			return out, true
		}
	case reflect.Pointer, reflect.Interface:
		if !rv.IsNil() {
			if out, changed := redactValue(rv.Elem().Interface(), patterns, depth-1); changed {
				return out, true
			}
		}
	case reflect.Struct:
		var m map[string]any
		if err := mapstructure.Decode(v, &m); err != nil {
			return v, false
		}
		if out, changed := redactMap(m, patterns, depth); changed {
			return out, true
		}
	}

	return v, false
}

// LogConcerns writes each concern at the given level. The message goes in
// the entry message and the redacted fields become entry fields. Fatal
// and panic levels are logged without exiting or panicking; callers own
// the termination policy
func LogConcerns(logger log.FieldLogger, concerns []Concern, level log.Level, patterns []string) {
	for _, c := range concerns {
		entry := logger.WithFields(log.Fields(Redact(c.Fields, patterns)))
		Log(entry, level, c.Message)
	}
}

// Log writes msg at level. FatalLevel and PanicLevel entries are written
// as plain entries so that logrus does not exit or panic
func Log(entry *log.Entry, level log.Level, msg string) {
	if level == log.PanicLevel {
		level = log.FatalLevel
	}
	entry.Log(level, msg)
}
