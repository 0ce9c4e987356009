package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes the canonical input fingerprint for one activation:
// a stable hash over the block identifier and its sorted handle→value
// bundle (spec §4.2 point 1, §8 "Determinism of fingerprint"). Map key
// order in Go is randomised on range, so handles are explicitly sorted
// before hashing to guarantee byte-equal output across runs.
func Fingerprint(blockID string, inputs map[string]json.RawMessage) string {
	handles := make([]string, 0, len(inputs))
	for h := range inputs {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	type pair struct {
		Handle string          `json:"handle"`
		Value  json.RawMessage `json:"value"`
	}
	canonical := struct {
		Block  string `json:"block"`
		Inputs []pair `json:"inputs"`
	}{Block: blockID}

	for _, h := range handles {
		canonical.Inputs = append(canonical.Inputs, pair{Handle: h, Value: inputs[h]})
	}

	// encoding/json preserves struct field and slice order, so this
	// marshal is itself deterministic given the pre-sorted handle list.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Inputs are always well-formed json.RawMessage produced by this
		// process; a marshal failure here indicates a caller bug, not a
		// recoverable runtime condition.
		panic("scheduler: fingerprint: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
