package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Value is a raw property as returned by the telemetry bus. The zero Value is absent.
type Value struct {
	raw   any
	valid bool
}

var Absent = Value{}

func NewValue(raw any) Value {
	if raw == nil {
		return Absent
	}
	return Value{raw: raw, valid: true}
}

func (v Value) IsAbsent() bool {
	return !v.valid
}

func (v Value) Raw() any {
	return v.raw
}

// Float converts numeric and boolean payloads. Strings are parsed when they hold a number.
func (v Value) Float() (float64, bool) {
	if !v.valid {
		return 0, false
	}
	switch n := v.raw.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (v Value) Text() (string, bool) {
	if !v.valid {
		return "", false
	}
	switch s := v.raw.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return fmt.Sprintf("%v", v.raw), true
}

// Reading is the numeric view of a Value.
func (v Value) Reading() Reading {
	f, ok := v.Float()
	if !ok {
		return Missing
	}
	return Some(f)
}

// Reading is a numeric field that may be missing for the current cycle.
type Reading struct {
	Value float64
	Valid bool
}

var Missing = Reading{}

func Some(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

// Or returns the value, or def when the reading is missing.
func (r Reading) Or(def float64) float64 {
	if !r.Valid {
		return def
	}
	return r.Value
}

func (r Reading) String() string {
	if !r.Valid {
		return "n/a"
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}
