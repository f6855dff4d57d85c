package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key builds a deterministic fingerprint for a logical request from the
// operation name and its semantically relevant parameters. Parameters are
// serialized sorted by name, so two logically identical requests produce the
// same fingerprint regardless of map iteration order.
//
// Format: <op>:<hex of first 8 bytes of SHA-256(canonical params)>.
func Key(op string, params map[string]string) string {
	canonical := canonicalize(params)
	sum := sha256.Sum256([]byte(canonical))
	return op + ":" + hex.EncodeToString(sum[:8])
}

// canonicalize renders params as "k=v\nk=v" with keys in sorted order.
func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
