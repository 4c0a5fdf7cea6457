// Package checksum computes content hashes over normalized policy payloads.
//
// Payloads are re-serialized through YAML before hashing so that two
// documents with identical values but different key order or formatting
// produce the same checksum.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Sum returns the hex-encoded SHA-256 of the normalized YAML encoding of v.
func Sum(v any) (string, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("normalizing payload: %w", err)
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

// MustSum is Sum for payloads that cannot fail to serialize, such as the
// plain structs in models. It panics on a marshal error.
func MustSum(v any) string {
	sum, err := Sum(v)
	if err != nil {
		panic(err)
	}
	return sum
}
