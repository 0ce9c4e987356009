package scheduler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsStableAcrossMapIterationOrder(t *testing.T) {
	inputs := map[string]json.RawMessage{
		"b": json.RawMessage(`2`),
		"a": json.RawMessage(`1`),
		"c": json.RawMessage(`3`),
	}

	var prev string
	for i := 0; i < 20; i++ {
		got := Fingerprint("blocks/add", inputs)
		if i == 0 {
			prev = got
			continue
		}
		assert.Equal(t, prev, got)
	}
}

func TestFingerprintDiffersOnInputChange(t *testing.T) {
	a := Fingerprint("blocks/add", map[string]json.RawMessage{"x": json.RawMessage(`1`)})
	b := Fingerprint("blocks/add", map[string]json.RawMessage{"x": json.RawMessage(`2`)})
	assert.NotEqual(t, a, b)
}

func TestFingerprintDiffersOnBlockChange(t *testing.T) {
	inputs := map[string]json.RawMessage{"x": json.RawMessage(`1`)}
	a := Fingerprint("blocks/add", inputs)
	b := Fingerprint("blocks/sub", inputs)
	assert.NotEqual(t, a, b)
}

func TestFingerprintIgnoresHandleInsertionOrder(t *testing.T) {
	a := Fingerprint("blocks/add", map[string]json.RawMessage{
		"x": json.RawMessage(`1`),
		"y": json.RawMessage(`2`),
	})
	b := Fingerprint("blocks/add", map[string]json.RawMessage{
		"y": json.RawMessage(`2`),
		"x": json.RawMessage(`1`),
	})
	assert.Equal(t, a, b)
}
