// Package fingerprint computes deterministic content hashes used to decide
// whether a descriptor needs re-embedding.
//
// Values are canonicalized before hashing: mapping keys are sorted at every
// level, strings are NFC-normalized, integral floats print as integers and
// unordered collections (Set, map[string]struct{}, map[string]bool) print as
// sorted arrays. Separators are fixed to "," and ":" with no whitespace.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Set is an unordered collection of strings. It canonicalizes as a sorted,
// de-duplicated array so that element order never affects the digest.
type Set []string

// Canonical returns the canonical serialization of v. It never fails:
// values of unsupported kinds fall back to their JSON encoding, and failing
// that to their fmt representation.
func Canonical(v any) []byte {
	var buf bytes.Buffer
	writeValue(&buf, reflect.ValueOf(v))
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v reflect.Value) {
	if !v.IsValid() {
		buf.WriteString("null")
		return
	}

	switch val := v.Interface().(type) {
	case Set:
		writeSet(buf, val)
		return
	case json.Number:
		writeNumberString(buf, val.String())
		return
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return
		}
		writeValue(buf, v.Elem())
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		writeFloat(buf, v.Float())
	case reflect.String:
		writeString(buf, v.String())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			buf.WriteString("null")
			return
		}
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, v.Index(i))
		}
		buf.WriteByte(']')
	case reflect.Map:
		writeMap(buf, v)
	case reflect.Struct:
		writeViaJSON(buf, v.Interface())
	default:
		writeString(buf, fmt.Sprintf("%v", v.Interface()))
	}
}

func writeMap(buf *bytes.Buffer, v reflect.Value) {
	if v.IsNil() {
		buf.WriteString("null")
		return
	}

	// map[K]struct{} and map[K]bool read as sets of keys.
	elem := v.Type().Elem()
	if (elem.Kind() == reflect.Struct && elem.NumField() == 0) || elem.Kind() == reflect.Bool {
		members := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if elem.Kind() == reflect.Bool && !iter.Value().Bool() {
				continue
			}
			members = append(members, keyString(iter.Key()))
		}
		writeSet(buf, members)
		return
	}

	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: norm.NFC.String(keyString(iter.Key())), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, e.key)
		buf.WriteByte(':')
		writeValue(buf, e.val)
	}
	buf.WriteByte('}')
}

func writeSet(buf *bytes.Buffer, members []string) {
	seen := make(map[string]struct{}, len(members))
	sorted := make([]string, 0, len(members))
	for _, m := range members {
		m = norm.NFC.String(m)
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)

	buf.WriteByte('[')
	for i, m := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m)
	}
	buf.WriteByte(']')
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	var tmp bytes.Buffer
	writeValue(&tmp, k)
	return tmp.String()
}

func writeFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		buf.WriteString("null")
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		buf.WriteString(strconv.FormatInt(int64(f), 10))
	default:
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	}
}

func writeNumberString(buf *bytes.Buffer, s string) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		writeFloat(buf, f)
		return
	}
	writeString(buf, s)
}

// writeString emits a JSON string with raw UTF-8; only characters JSON
// requires to be escaped are escaped.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}

func writeViaJSON(buf *bytes.Buffer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		writeString(buf, fmt.Sprintf("%v", v))
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		writeString(buf, string(raw))
		return
	}
	writeValue(buf, reflect.ValueOf(generic))
}
