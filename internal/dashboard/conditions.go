package dashboard

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// QuoteEscape replaces every single quote inside a string literal.
const QuoteEscape = "''"

// Conditions maps a concept address to the value it must match.
type Conditions map[string]any

// BuildFilterExpression renders a single set of conditions as AND-joined conjuncts.
// Keys are emitted in sorted order so equal inputs give equal output.
func BuildFilterExpression(c Conditions) string {
	if len(c) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c))
	for _, key := range slices.Sorted(maps.Keys(c)) {
		parts = append(parts, formatCondition(key, c[key]))
	}
	return strings.Join(parts, " AND ")
}

// BuildGroupedFilterExpression renders several condition sets. Values are grouped by
// key in first-appearance order; a key contributed by more than one set becomes a
// parenthesized OR group. Groups are joined with AND.
func BuildGroupedFilterExpression(list []Conditions) string {
	var order []string
	groups := make(map[string][]any)
	for _, c := range list {
		for _, key := range slices.Sorted(maps.Keys(c)) {
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], c[key])
		}
	}

	parts := make([]string, 0, len(order))
	for _, key := range order {
		values := groups[key]
		if len(values) == 1 {
			parts = append(parts, formatCondition(key, values[0]))
			continue
		}
		ors := make([]string, len(values))
		for i, v := range values {
			ors[i] = formatCondition(key, v)
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(parts, " AND ")
}

func formatCondition(key string, value any) string {
	if isNull(value) {
		return key + " IS NULL"
	}

	switch v := value.(type) {
	case string, time.Time, *time.Time, bool, json.Number:
		return key + "=" + formatLiteral(v)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return key + "=" + formatLiteral(value)
	case reflect.Slice, reflect.Array:
		// A sequence value is range shorthand over its first and last element.
		if rv.Len() == 0 {
			return key + " IS NULL"
		}
		first := rv.Index(0).Interface()
		last := rv.Index(rv.Len() - 1).Interface()
		return fmt.Sprintf("%s between %s and %s", key, formatLiteral(first), formatLiteral(last))
	default:
		return key + "='" + escapeQuotes(jsonText(value)) + "'"
	}
}

// formatLiteral renders a scalar the way it appears on the right side of a comparison.
func formatLiteral(value any) string {
	if isNull(value) {
		return "NULL"
	}

	switch v := value.(type) {
	case string:
		return "'''" + escapeQuotes(v) + "'''"
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return "'" + v.Format(time.DateOnly) + "'::date"
	case *time.Time:
		return "'" + v.Format(time.DateOnly) + "'::date"
	case json.Number:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	default:
		return "'" + escapeQuotes(jsonText(value)) + "'"
	}
}

func isNull(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", QuoteEscape)
}

func jsonText(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(b)
}
