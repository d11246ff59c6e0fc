package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidPID reports a pid that is not a positive 32-bit integer.
var ErrInvalidPID = errors.New("schema: invalid pid")

// Kind classifies a payload value.
type Kind int

const (
	KindUnknown Kind = iota
	KindNull
	KindString
	KindNumber
	KindBool
	KindObject
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Payload is the free-form structured detail attached to an event.
// Values decoded from JSON are strings, float64, bool, nil, maps and slices;
// anything else classifies as KindUnknown and is treated as malformed by consumers.
type Payload map[string]any

// KindOf classifies a single payload value.
func KindOf(v any) Kind {
	switch t := v.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return KindUnknown
		}
		return KindNumber
	case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return KindNumber
	case bool:
		return KindBool
	case map[string]any, Payload:
		return KindObject
	case []any, []string:
		return KindList
	}
	return KindUnknown
}

// Kind returns the kind of the value stored under key, or KindUnknown if absent.
func (p Payload) Kind(key string) Kind {
	v, ok := p[key]
	if !ok {
		return KindUnknown
	}
	return KindOf(v)
}

// String returns the value under key if it is a string.
func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Int returns the value under key as an integer. Numeric strings are accepted;
// fractional or non-numeric values report ok=false.
func (p Payload) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func floatToInt(v float64) (int64, bool) {
	if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	if v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

// PID returns the process id under "pid". An absent pid is 0 with a nil error.
// Anything that is not an integer in [1, MaxInt32] is ErrInvalidPID.
func (p Payload) PID() (int32, error) {
	raw, ok := p["pid"]
	if !ok || raw == nil {
		return 0, nil
	}
	n, ok := p.Int("pid")
	if !ok || n <= 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPID, raw)
	}
	return int32(n), nil
}

// Keys returns the number of top-level keys.
func (p Payload) Keys() int {
	return len(p)
}

// Canonical serializes the payload with sorted keys. An empty payload serializes
// to the empty string.
func (p Payload) Canonical() (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unknown returns the keys whose values cannot be classified.
func (p Payload) Unknown() []string {
	var keys []string
	for k, v := range p {
		if KindOf(v) == KindUnknown {
			keys = append(keys, k)
		}
	}
	return keys
}
