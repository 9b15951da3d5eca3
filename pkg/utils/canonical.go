// Package utils provides canonicalization and cache-key hashing for
// JSON-RPC parameters.
//
// This file implements the deterministic fingerprint used as the cache key.
// Two requests whose params differ only in object member order or
// insignificant whitespace must collide on the same key.
//
// Design Notes:
//   - Object members are sorted recursively by key; array order is kept
//   - Numbers are re-emitted as their source lexeme (json.Number) so no
//     precision is lost through a float64 round trip
//   - SHA-256 over (method, canonical params) keeps collisions out of the
//     picture for cached user data
//
// Trade-offs:
//   - Canonicalization allocates a decoded tree per call; acceptable at
//     proxy request rates, and the hot path (cache hit on an existing key)
//     pays it exactly once per request
package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON returns a canonical encoding of the given JSON document:
// object keys sorted recursively, no insignificant whitespace, number
// lexemes preserved. A nil or empty document canonicalizes to "null".
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CacheKey computes the deterministic fingerprint of (method, params).
// Returns an empty key when the params are not valid JSON; callers treat
// that as uncacheable.
func CacheKey(method string, params json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeCanonical emits one canonical value. Strings are encoded through
// encoding/json so escaping matches the standard library exactly.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case json.Number:
		buf.WriteString(val.String())

	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}
