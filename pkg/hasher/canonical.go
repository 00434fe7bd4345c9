// Package hasher produces a deterministic canonical encoding of a webhook
// payload and hashes it for idempotency/conflict detection.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces a stable byte representation of v: object keys are
// sorted lexicographically at every nesting level, there is no extraneous
// whitespace, numbers keep their source textual form, and arrays keep their
// order. Two payloads that differ only in key ordering or insignificant
// whitespace canonicalize to identical bytes.
func Canonical(v any) ([]byte, error) {
	// Round-trip through json.Number so canonicalization never perturbs the
	// textual form a number already carries: a json.Number "1.50" stays 1.50.
	// A float64 has no source text; it is rendered as json.Marshal formats
	// it (1.50 becomes 1.5).
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hasher: marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("hasher: decode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, decoded); err != nil {
		return nil, fmt.Errorf("hasher: encode canonical form: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the canonicalized payload, along with
// the canonical bytes themselves (callers that also want to persist the
// canonical form, e.g. for later re-verification, avoid re-canonicalizing).
func Hash(payload any) (canon []byte, digest [32]byte, err error) {
	canon, err = Canonical(payload)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return canon, sha256.Sum256(canon), nil
}

// encodeCanonical writes v's canonical JSON form directly to buf: object
// keys are visited in sorted order and emitted without any intermediate
// representation, so the same object always serializes to the same bytes
// regardless of how its keys arrived off the wire.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
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
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Scalars (string, json.Number, bool, nil) need no reordering;
		// json.Marshal already renders json.Number using its original digits.
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
