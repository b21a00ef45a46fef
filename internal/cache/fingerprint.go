package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Canonicalize normalizes free text for fingerprinting: lower-cased with all
// whitespace runs collapsed to single spaces.
func Canonicalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CanonicalizeMap serializes a clarification map deterministically as sorted
// k=v pairs.
func CanonicalizeMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, Canonicalize(k)+"="+Canonicalize(m[k]))
	}
	return strings.Join(parts, ";")
}

// Fingerprint derives the deterministic cache key for a stage request:
// SHA-256 over the stage identifier plus the canonicalized input parts.
// Identical normalized inputs from different tasks map to the same entry.
func Fingerprint(stage string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(Canonicalize(p)))
	}
	return stage + ":" + hex.EncodeToString(h.Sum(nil))
}
