package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRevocationSpike  AlertType = "revocation_spike"
	AlertBulkBundleExport AlertType = "bulk_bundle_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count when the threshold is
// reached. The window is reset after an alert so one burst fires once.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.times = append(s.times, now)
	s.times = trimWindow(s.times, now, s.window)
	if n := len(s.times); n >= s.threshold {
		s.times = s.times[:0]
		return n, true
	}
	return 0, false
}

// alertCollector watches audit events for mass revocations and keystore
// exports, either of which may indicate a compromised operator account.
type alertCollector struct {
	mu sync.Mutex

	revocations slidingWindow
	exports     slidingWindow

	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultRevocationWindow    = 1 * time.Minute
	defaultRevocationThreshold = 25
	defaultExportWindow        = 5 * time.Minute
	defaultExportThreshold     = 10
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		revocations: slidingWindow{window: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		exports:     slidingWindow{window: defaultExportWindow, threshold: defaultExportThreshold},
		now:         time.Now,
		alertFn:     alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (c *alertCollector) recordEvent(event AuditEvent) {
	if c == nil || c.alertFn == nil {
		return
	}

	var (
		w   *slidingWindow
		typ AlertType
		msg string
	)
	switch event {
	case AuditCertRevoked:
		w, typ, msg = &c.revocations, AlertRevocationSpike, "certificate revocation rate exceeds threshold"
	case AuditBundleExported:
		w, typ, msg = &c.exports, AlertBulkBundleExport, "keystore export rate exceeds threshold"
	default:
		return
	}

	c.mu.Lock()
	now := c.now()
	n, fire := w.add(now)
	threshold := w.threshold
	c.mu.Unlock()

	if fire {
		c.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
