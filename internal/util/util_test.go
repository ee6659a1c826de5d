package util

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func TestEncoding(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9.
	assert.Equal(t, "caf\u00e9", Normalize("  cafe\u0301 "))
	assert.Equal(t, "alice", Normalize("alice"))

	assert.Equal(t, "dead", HexEncode([]byte{0xde, 0xad}))
}

func TestRandom(t *testing.T) {
	t.Run("serial", func(t *testing.T) {
		limit := new(big.Int).Lsh(big.NewInt(1), SerialBits)
		seen := make(map[string]bool)
		for range 100 {
			n, err := RandomSerial()
			require.NoError(t, err)
			assert.Equal(t, 1, n.Sign())
			assert.Equal(t, -1, n.Cmp(limit))

			s := SerialString(n)
			assert.Equal(t, strings.ToUpper(s), s)
			assert.False(t, seen[s], "duplicate serial %s", s)
			seen[s] = true
		}
	})

	t.Run("serial string", func(t *testing.T) {
		assert.Equal(t, "FF", SerialString(big.NewInt(255)))
		assert.Equal(t, "1", SerialString(big.NewInt(1)))
	})
}
