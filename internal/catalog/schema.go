package catalog

import (
	"strings"

	"smarthub/internal/model"
)

// preferredValueFields names the arguments that carry "the" value of an
// action when several numeric fields are declared.
var preferredValueFields = []string{
	"brightness_pct", "percentage", "volume_level", "position", "temperature",
}

// DeriveSchemaHint derives the permitted value shape of a service from its
// declared fields. A numeric field with bounds yields a value_range hint and
// the name of that field; a service with no fields, or only boolean fields,
// yields a toggle hint. Anything else carries no constraint.
func DeriveSchemaHint(spec model.ServiceSpec) (model.SchemaHint, string) {
	if len(spec.Fields) == 0 {
		return model.ToggleHint(), ""
	}

	ranges := make(map[string][2]float64)
	allBoolean := true
	for name, field := range spec.Fields {
		if lo, hi, ok := numberBounds(field.Selector); ok {
			ranges[name] = [2]float64{lo, hi}
		}
		if _, ok := field.Selector["boolean"]; !ok {
			allBoolean = false
		}
	}

	for _, name := range preferredValueFields {
		if r, ok := ranges[name]; ok {
			return model.RangeHint(r[0], r[1]), name
		}
	}
	if len(ranges) > 0 {
		name := sortedKeys(ranges)[0]
		r := ranges[name]
		return model.RangeHint(r[0], r[1]), name
	}
	if allBoolean {
		return model.ToggleHint(), ""
	}
	return model.SchemaHint{}, ""
}

func numberBounds(selector map[string]any) (lo, hi float64, ok bool) {
	raw, present := selector["number"]
	if !present {
		return 0, 0, false
	}
	num, isMap := raw.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	lo, okLo := toFloat(num["min"])
	hi, okHi := toFloat(num["max"])
	if !okLo || !okHi || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// splitAction breaks an action id "<domain>.<service>" into its parts.
func splitAction(actionID string) (domain, service string, ok bool) {
	domain, service, ok = strings.Cut(strings.TrimSpace(actionID), ".")
	if !ok || domain == "" || service == "" {
		return "", "", false
	}
	return domain, service, true
}
