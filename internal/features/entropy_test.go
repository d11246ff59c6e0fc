package features

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntropy(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"empty", "", 0},
		{"identical characters", strings.Repeat("a", 64), 0},
		{"two symbols balanced", "abababab", 1},
		{"four symbols balanced", "abcdabcd", 2},
		{"multibyte runes", "ééüü", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Entropy(tt.in), 1e-12)
		})
	}
}

func TestNormalizedEntropy(t *testing.T) {
	assert.Equal(t, 0.0, NormalizedEntropy(""))
	assert.Equal(t, 0.0, NormalizedEntropy(strings.Repeat("z", 100)))

	// every rune distinct reaches the maximum for its alphabet
	assert.InDelta(t, 1.0, NormalizedEntropy("abcdefghijklmnopqrstuvwxyz0123456789"), 1e-12)

	skewed := "aaaaaaaaab"
	want := Entropy(skewed) / math.Log2(2)
	assert.InDelta(t, want, NormalizedEntropy(skewed), 1e-12)
	assert.Less(t, NormalizedEntropy(skewed), 1.0)
}

func TestPayloadEntropyOfCanonicalForm(t *testing.T) {
	v, err := payloadEntropy(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, v)

	v, err = payloadEntropy(map[string]any{"cmd": "x"})
	assert.NoError(t, err)
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)
}
