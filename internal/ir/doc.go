// Package ir provides the JSON-like value model stored on provenance nodes.
//
// Node attributes, Data payloads, checkpoints and workflow guard scopes are all
// expressed as ir values. ir imports nothing internal, so every other package
// can depend on it without cycles.
//
// Key constraints:
//   - Attribute maps are Object values keyed by string
//   - Canonical serialization follows RFC 8785 (sorted UTF-16 keys, NFC strings,
//     no HTML escaping) so that equal content hashes equally
//   - NaN and infinities are rejected; they have no JSON representation
//   - All JSON tags use snake_case
package ir
