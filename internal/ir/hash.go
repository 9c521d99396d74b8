package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored hashes.
const (
	DomainJobScript = "provflow/jobscript/v1"
	DomainInputs    = "provflow/inputs/v1"
	DomainBlob      = "provflow/blob/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes raw bytes under the given domain.
func ContentHash(domain string, data []byte) string {
	return hashWithDomain(domain, data)
}

// ValueHash hashes the canonical encoding of v under the given domain.
func ValueHash(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("value hash: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
