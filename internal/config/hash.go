package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// HashProvider hashes a provider config canonically, so key order and
// whitespace in inline messages do not register as a change.
func HashProvider(p ProviderConfig) uint64 {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return hashBytes(b)
	}
	cb, err := json.Marshal(v)
	if err != nil {
		return hashBytes(b)
	}
	return hashBytes(cb)
}
