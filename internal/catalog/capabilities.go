package catalog

import (
	"math"
	"sort"
	"strings"
)

// CapabilityTableVersion identifies the bit tables below. The tables are an
// external contract with the live system's supported_features encoding;
// bump the version when they change.
const CapabilityTableVersion = "1"

var fanBits = map[int]string{
	1: "can_set_speed",
	2: "can_oscillate",
	4: "can_set_direction",
	8: "has_preset_modes",
}

var lightFeatureBits = map[int]string{
	4:  "has_effects",
	8:  "can_flash",
	32: "has_transition",
}

var mediaPlayerBits = map[int]string{
	1 << 0:  "can_pause",
	1 << 1:  "can_seek",
	1 << 3:  "can_next_track",
	1 << 4:  "can_previous_track",
	1 << 5:  "can_turn_on",
	1 << 6:  "can_turn_off",
	1 << 7:  "can_volume_set",
	1 << 8:  "can_volume_mute",
	1 << 9:  "can_volume_step",
	1 << 10: "can_select_source",
	1 << 11: "can_select_sound_mode",
}

// DecodeCapabilities maps a domain's supported_features bitmask (and for
// lights, the supported color modes) to named capability tags. Unknown
// domains yield no tags. The result is de-duplicated in first-seen order.
func DecodeCapabilities(domain string, attrs map[string]any) []string {
	var feats []string
	mask, hasMask := featureMask(attrs["supported_features"])

	switch strings.ToLower(strings.TrimSpace(domain)) {
	case "fan":
		if hasMask {
			feats = append(feats, decodeBits(mask, fanBits)...)
		}
	case "media_player":
		if hasMask {
			feats = append(feats, decodeBits(mask, mediaPlayerBits)...)
		}
	case "light":
		feats = append(feats, colorModeTags(attrs["supported_color_modes"])...)
		if hasMask {
			feats = append(feats, decodeBits(mask, lightFeatureBits)...)
		}
	}
	return dedupe(feats)
}

func decodeBits(mask int, table map[int]string) []string {
	bits := make([]int, 0, len(table))
	for bit := range table {
		bits = append(bits, bit)
	}
	sort.Ints(bits)

	var out []string
	for _, bit := range bits {
		if mask&bit != 0 {
			out = append(out, table[bit])
		}
	}
	return out
}

func colorModeTags(raw any) []string {
	modes, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			for _, s := range strs {
				modes = append(modes, s)
			}
		} else {
			return nil
		}
	}

	present := make(map[string]bool, len(modes))
	for _, m := range modes {
		if s, ok := m.(string); ok {
			present[strings.ToLower(s)] = true
		}
	}

	var out []string
	if present["brightness"] {
		out = append(out, "has_brightness")
	}
	if present["color_temp"] {
		out = append(out, "has_color_temperature")
	}
	for _, m := range []string{"hs", "xy", "rgb", "rgbw", "rgbww"} {
		if present[m] {
			out = append(out, "has_color")
			break
		}
	}
	if present["white"] {
		out = append(out, "has_white")
	}
	return out
}

// featureMask accepts the integral encodings a JSON decoder may produce.
// Non-integral floats are not a valid bitmask.
func featureMask(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.Abs(v) >= 1<<53 {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
