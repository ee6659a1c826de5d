package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC form of s with surrounding space removed, the
// form used for every name that ends up in a certificate subject.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
