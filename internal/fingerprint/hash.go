package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"reflect"
)

// EmptyDigest is the digest of absent or empty content.
var EmptyDigest = digest([]byte("null"))

// Hash returns the hex SHA-1 of the canonical serialization of v. Semantically
// equal content always hashes identically, regardless of key insertion order.
func Hash(v any) string {
	if isEmpty(v) {
		return EmptyDigest
	}
	return digest(Canonical(v))
}

// Changed reports whether content with newHash must be (re)processed given
// the previously recorded oldHash. A missing old hash always counts as a
// change.
func Changed(oldHash, newHash string, force bool) bool {
	if force || oldHash == "" {
		return true
	}
	return oldHash != newHash
}

func digest(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
