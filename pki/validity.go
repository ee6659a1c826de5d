package pki

import (
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ovpnca/storage"
)

// ValidityDays returns override when it parses as a positive number of
// days, and def otherwise.
func ValidityDays(override string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(override))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// window computes the validity window for kind: midnight today in the
// clock's zone to that date plus the configured or overridden days.
func (c *CA) window(kind storage.Kind, override string) (notBefore, notAfter time.Time, days int) {
	days = ValidityDays(override, c.cfg.days(kind))
	now := c.now()
	y, m, d := now.Date()
	notBefore = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return notBefore, notBefore.AddDate(0, 0, days), days
}
