// Package idempotency derives deterministic keys from canonicalized input.
//
// A key has the form "{prefix}:{scope}:{sha256 hex}". Two logically equal
// inputs derive the same key regardless of map ordering or which process
// computed it. Fields that must not affect identity (request ids, wall-clock
// timestamps) are the caller's responsibility to remove with Strip before
// hashing; each action type owns its own exclusion list.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentHash returns the hex SHA-256 of the canonical encoding of v.
func ContentHash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveKey returns prefix:scope:hex(sha256(Canonicalize(v))).
func DeriveKey(prefix, scope string, v any) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("derive key: empty prefix")
	}
	hash, err := ContentHash(v)
	if err != nil {
		return "", fmt.Errorf("derive key %s: %w", prefix, err)
	}
	return JoinKey(prefix, scope, hash), nil
}

// JoinKey assembles a key from already computed parts.
func JoinKey(prefix, scope, hash string) string {
	return prefix + ":" + scope + ":" + hash
}

// ParseKey splits a key into prefix, scope and hash. The scope may itself
// contain colons (a run id used as scope is a key too).
func ParseKey(key string) (prefix, scope, hash string, ok bool) {
	first := strings.Index(key, ":")
	last := strings.LastIndex(key, ":")
	if first < 0 || first == last {
		return "", "", "", false
	}
	return key[:first], key[first+1 : last], key[last+1:], true
}

// MustDeriveKey is like DeriveKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDeriveKey(prefix, scope string, v any) string {
	key, err := DeriveKey(prefix, scope, v)
	if err != nil {
		panic(err)
	}
	return key
}

// Strip converts v to a generic object and removes the named top-level
// fields. The result is suitable as DeriveKey input.
func Strip(v any, fields ...string) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("strip: marshal: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("strip: input is not an object: %w", err)
	}
	for _, f := range fields {
		delete(obj, f)
	}
	return obj, nil
}
