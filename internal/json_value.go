package internal

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Int reads an integer out of a decoded JSON value. Numbers may arrive as
// json.Number, float64 or native ints depending on how the tree was built.
func Int(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
			return int(f), true
		}
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case float32:
		return Int(float64(n))
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// String renders scalar JSON values as strings. Objects, arrays and nil
// report false.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}
