// Package merkle provides the content-addressed integrity layer over an
// ordered event log: canonical leaf hashing, root computation, and
// parity-aware proof generation/verification.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/amaydixit11/formvault/internal/model"
)

// CanonicalForm produces the bit-exact serialization an event's leaf hash
// is computed over: sorted keys, no whitespace, sync_level excluded.
// Numbers are decoded via json.Number (not float64) so a source literal
// like 10000000000000001 or a high-precision float is re-emitted
// byte-for-byte instead of being coerced through float64 and losing
// precision, per the canonical form's "no coercion" contract.
func CanonicalForm(e model.Event) ([]byte, error) {
	var data interface{}
	if len(e.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(e.Data))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, err
		}
	}
	obj := map[string]interface{}{
		"guid":       e.Guid,
		"entityGuid": e.EntityGuid,
		"type":       e.Type,
		"data":       data,
		"timestamp":  e.Timestamp,
		"userId":     e.UserID,
	}
	return marshalSorted(obj)
}

// marshalSorted renders a value as compact JSON with object keys sorted,
// recursively, so two semantically identical payloads produce the same
// bytes on any backend.
func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// LeafHash returns the SHA-256 hex digest of an event's canonical form.
func LeafHash(e model.Event) (string, error) {
	canon, err := CanonicalForm(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// hashPair returns H(a || b) hex-encoded, the node hash of two children.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeRoot builds the full tree over the ordered event log and returns
// its root. Empty log yields the empty string.
func ComputeRoot(events []model.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	level := make([]string, len(events))
	for i, e := range events {
		h, err := LeafHash(e)
		if err != nil {
			return "", err
		}
		level[i] = h
	}
	for len(level) > 1 {
		level = reduceLevel(level)
	}
	return level[0], nil
}

// reduceLevel folds one level of the tree: pair adjacent hashes, hashing
// their concatenation; an odd tail is duplicated against itself.
func reduceLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, hashPair(level[i], level[i+1]))
		} else {
			next = append(next, hashPair(level[i], level[i]))
		}
	}
	return next
}

// Proof is the ordered sibling hashes from a leaf to the root, bottom-up.
type Proof []string

// ProofFor returns the sibling path for the event matching guid within
// events. Returns an empty proof for a single-event tree, or if the event
// is not present.
func ProofFor(events []model.Event, guid string) (Proof, error) {
	idx := -1
	for i, e := range events {
		if e.Guid == guid {
			idx = i
			break
		}
	}
	if idx < 0 || len(events) <= 1 {
		return Proof{}, nil
	}

	level := make([]string, len(events))
	for i, e := range events {
		h, err := LeafHash(e)
		if err != nil {
			return nil, err
		}
		level[i] = h
	}

	proof := Proof{}
	pos := idx
	for len(level) > 1 {
		var sibling string
		if pos%2 == 0 {
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				sibling = level[pos] // odd tail duplicated against itself
			}
		} else {
			sibling = level[pos-1]
		}
		proof = append(proof, sibling)
		level = reduceLevel(level)
		pos = pos / 2
	}
	return proof, nil
}

// Verify recomputes the leaf for e, folds it with proof (left/right chosen
// by the leaf's index parity at each level, which rotates as the tree
// shrinks), and compares the result to expectedRoot.
func Verify(e model.Event, leafIndex int, proof Proof, expectedRoot string) (bool, error) {
	current, err := LeafHash(e)
	if err != nil {
		return false, err
	}
	pos := leafIndex
	for _, sibling := range proof {
		if pos%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		pos = pos / 2
	}
	return current == expectedRoot, nil
}
