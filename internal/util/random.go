package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// SerialBits is the width of generated certificate serial numbers.
const SerialBits = 128

// RandomSerial returns a positive random integer of at most SerialBits bits.
func RandomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), SerialBits)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// SerialString renders a serial as upper-case hex without leading zeros.
func SerialString(n *big.Int) string {
	return strings.ToUpper(n.Text(16))
}
