package logging

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strings"
)

const clipLimit = 240

func Truncate(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	if value == "" {
		return "<empty>"
	}
	if len(value) > clipLimit {
		return value[:clipLimit] + "..."
	}
	return value
}

func FormatEventLine(event Event) string {
	ts := event.Time.Format("15:04:05")
	level := strings.ToUpper(event.Level.String())
	fields := ""
	if len(event.Fields) > 0 {
		keys := orderedFieldKeys(event.Level, event.Fields)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, formatFieldValue(event.Fields[key])))
		}
		fields = " " + strings.Join(parts, " ")
	}
	if event.Component != "" {
		return fmt.Sprintf("%s [%s] %s: %s%s\n", ts, level, event.Component, event.Message, fields)
	}
	return fmt.Sprintf("%s [%s] %s%s\n", ts, level, event.Message, fields)
}

func formatFieldValue(value any) string {
	if value == nil {
		return "<nil>"
	}
	if pretty, ok := prettyJSONString(value); ok {
		return pretty
	}
	switch v := value.(type) {
	case string:
		return maybePrettyJSONString(v)
	case []byte:
		return maybePrettyJSONString(string(v))
	default:
		kind := reflect.ValueOf(value).Kind()
		switch kind {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
			if payload, err := marshalPrettyJSON(value); err == nil {
				return payload
			}
		}
		return fmt.Sprintf("%v", value)
	}
}

func maybePrettyJSONString(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return input
	}
	// Decode JSON-shaped strings only; leave normal text untouched.
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "\"") {
		return FormatPayload([]byte(trimmed))
	}
	return input
}

func marshalPrettyJSON(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func prettyJSONString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	if errValue, ok := value.(error); ok && errValue != nil {
		return prettyJSONString(errValue.Error())
	}
	if textValue, ok := value.(encoding.TextMarshaler); ok {
		if text, err := textValue.MarshalText(); err == nil {
			return prettyJSONString(string(text))
		}
	}

	rv := reflect.ValueOf(value)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	if rv.IsValid() {
		value = rv.Interface()
	}

	switch v := value.(type) {
	case string:
		if out, ok := parseJSONStringCandidate(v); ok {
			return out, true
		}
	case []byte:
		return prettyJSONString(string(v))
	default:
		kind := reflect.ValueOf(value).Kind()
		switch kind {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
			if out, err := marshalPrettyJSON(value); err == nil {
				return out, true
			}
		}
	}
	return "", false
}

func parseJSONStringCandidate(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}

	if decoded, ok := decodeJSONContainer(trimmed); ok {
		if out, err := marshalPrettyJSON(decoded); err == nil {
			return out, true
		}
	}
	return "", false
}

func decodeJSONContainer(input string) (any, bool) {
	var decoded any
	if err := json.Unmarshal([]byte(input), &decoded); err != nil {
		return nil, false
	}
	switch decoded.(type) {
	case map[string]any, []any:
		return decoded, true
	default:
		return nil, false
	}
}

// leadingFieldKeys identify what a line is about and print first.
var leadingFieldKeys = []string{"name", "event", "method", "url", "path", "state"}

// trailingFieldKeys carry wire data and print last, after other JSON fields.
var trailingFieldKeys = map[string]bool{
	"payload":       true,
	"response":      true,
	"body":          true,
	"topics":        true,
	"subscriptions": true,
}

// orderedFieldKeys puts identifying keys first, then the remaining inline
// values sorted, then JSON values, then wire payloads.
func orderedFieldKeys(_ slog.Level, fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ordered := make([]string, 0, len(keys))
	for _, key := range leadingFieldKeys {
		if _, ok := fields[key]; ok && !isWireFieldKey(key) {
			if _, isJSON := prettyJSONString(fields[key]); !isJSON {
				ordered = append(ordered, key)
			}
		}
	}
	var jsonKeys, wireKeys []string
	for _, key := range keys {
		switch {
		case slices.Contains(ordered, key):
		case isWireFieldKey(key):
			wireKeys = append(wireKeys, key)
		default:
			if _, ok := prettyJSONString(fields[key]); ok {
				jsonKeys = append(jsonKeys, key)
				continue
			}
			ordered = append(ordered, key)
		}
	}
	ordered = append(ordered, jsonKeys...)
	return append(ordered, wireKeys...)
}

func isWireFieldKey(key string) bool {
	return trailingFieldKeys[strings.ToLower(strings.TrimSpace(key))]
}
