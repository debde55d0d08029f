package domain

import (
	"bytes"
	"reflect"
	"time"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// MergeResults folds a stage's output into the results accumulated so far.
// Nested objects merge key by key with later values winning and arrays
// concatenate. Neither input is modified.
func MergeResults(current, results map[string]interface{}) (map[string]interface{}, error) {
	merged := deepCopy(current)
	if err := mergo.Merge(&merged, deepCopy(results),
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, NewInternalError("merge results", err, WithOperation("merge_results"))
	}
	return merged, nil
}

func deepCopy(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(tv)
		case []interface{}:
			out[k] = append([]interface{}(nil), tv...)
		default:
			out[k] = v
		}
	}
	return out
}

// ApplySettings overlays a loosely typed settings map onto a config struct
// using its json field names. Nested objects merge, durations may be given
// as strings such as "30s", and unknown keys are rejected. dst
// is left untouched on error.
func ApplySettings(dst interface{}, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	raw, err := json.Marshal(dst)
	if err != nil {
		return NewInternalError("marshal current settings", err, WithOperation("apply_settings"))
	}

	var current map[string]interface{}
	if err := json.Unmarshal(raw, &current); err != nil {
		return NewInternalError("decode current settings", err, WithOperation("apply_settings"))
	}
	if current == nil {
		current = make(map[string]interface{})
	}

	overlay := normalizeDurations(settings)
	if err := mergo.Merge(&current, overlay, mergo.WithOverride); err != nil {
		return NewConfigurationError("merge settings", err, WithOperation("apply_settings"))
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return NewConfigurationError("marshal merged settings", err, WithOperation("apply_settings"))
	}

	target := reflect.ValueOf(dst)
	if target.Kind() != reflect.Ptr || target.IsNil() {
		return NewValidationError("settings target must be a non-nil pointer", nil, WithOperation("apply_settings"))
	}
	next := reflect.New(target.Elem().Type())
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next.Interface()); err != nil {
		return NewConfigurationError("invalid settings", err, WithOperation("apply_settings"))
	}
	target.Elem().Set(next.Elem())
	return nil
}

// normalizeDurations rewrites duration strings as nanosecond counts so they
// decode into time.Duration fields. Other strings pass through untouched.
func normalizeDurations(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case string:
			if d, err := time.ParseDuration(tv); err == nil {
				out[k] = int64(d)
			} else {
				out[k] = tv
			}
		case map[string]interface{}:
			out[k] = normalizeDurations(tv)
		default:
			out[k] = v
		}
	}
	return out
}
