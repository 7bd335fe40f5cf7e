// Package args normalizes proposed action arguments and clamps them to an
// action's schema hint. It never fails: values it cannot interpret are left
// as they are and reported as corrections.
package args

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"smarthub/internal/model"
)

// ValueKey is the argument that carries an action's primary value.
const ValueKey = "value"

// Vocabulary maps level words to numeric values.
var Vocabulary = map[string]int{
	"low":    25,
	"medium": 50,
	"med":    50,
	"high":   75,
	"max":    100,
}

// Correction records one adjustment, or one failed attempt at one.
type Correction struct {
	Key    string
	From   any
	To     any
	Reason string
}

func (c Correction) String() string {
	return fmt.Sprintf("%s: %v -> %v (%s)", c.Key, c.From, c.To, c.Reason)
}

// Normalizer applies Normalize and Clamp and logs every correction.
type Normalizer struct {
	Logger zerolog.Logger
}

// Apply normalizes args and clamps them to hint. The input map is never
// modified.
func (n Normalizer) Apply(args map[string]any, hint model.SchemaHint) map[string]any {
	out, corrections := Apply(args, hint)
	for _, c := range corrections {
		n.Logger.Debug().
			Str("arg", c.Key).
			Interface("from", c.From).
			Interface("to", c.To).
			Str("reason", c.Reason).
			Msg("argument corrected")
	}
	return out
}

// Apply is Normalize followed by Clamp.
func Apply(args map[string]any, hint model.SchemaHint) (map[string]any, []Correction) {
	normalized, corrections := Normalize(args)
	clamped, more := Clamp(normalized, hint)
	return clamped, append(corrections, more...)
}

// Normalize maps a string "value" argument to a number: level words via
// Vocabulary, anything else parsed as a float and truncated to an integer.
// Unparseable strings are left untouched. The result is always a fresh map.
func Normalize(args map[string]any) (map[string]any, []Correction) {
	out := copyArgs(args)
	raw, ok := out[ValueKey].(string)
	if !ok {
		return out, nil
	}

	word := strings.ToLower(strings.TrimSpace(raw))
	if v, known := Vocabulary[word]; known {
		out[ValueKey] = v
		return out, []Correction{{Key: ValueKey, From: raw, To: v, Reason: "level word"}}
	}

	f, err := strconv.ParseFloat(word, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return out, []Correction{{Key: ValueKey, From: raw, To: raw, Reason: "not a number; left as is"}}
	}
	// Beyond the exact-integer range the value stays a float; Clamp bounds it.
	v := numeric(math.Trunc(f))
	out[ValueKey] = v
	return out, []Correction{{Key: ValueKey, From: raw, To: v, Reason: "parsed number"}}
}

// Clamp limits a numeric "value" argument to the hint's inclusive range.
// Toggle hints, empty hints and non-numeric values leave args unchanged.
// The result is always a fresh map; integral results are ints.
func Clamp(args map[string]any, hint model.SchemaHint) (map[string]any, []Correction) {
	out := copyArgs(args)
	if hint.Toggle || hint.ValueRange == nil {
		return out, nil
	}
	raw, present := out[ValueKey]
	if !present {
		return out, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return out, []Correction{{Key: ValueKey, From: raw, To: raw, Reason: "not numeric; clamp skipped"}}
	}

	lo, hi := hint.ValueRange[0], hint.ValueRange[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	clamped := math.Max(lo, math.Min(hi, f))
	if clamped == f {
		return out, nil
	}
	v := numeric(clamped)
	out[ValueKey] = v
	return out, []Correction{{Key: ValueKey, From: raw, To: v, Reason: fmt.Sprintf("clamped to [%v, %v]", lo, hi)}}
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func numeric(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}
