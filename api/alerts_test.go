package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestRevocationSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newAlertCollector(sink.record)
	collector.revocations.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditCertRevoked)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditCertRevoked)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestBulkBundleExportAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newAlertCollector(sink.record)
	collector.exports.threshold = 3

	collector.recordEvent(AuditBundleExported)
	collector.recordEvent(AuditCertIssued)
	collector.recordEvent(AuditBundleExported)
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditBundleExported)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBulkBundleExport, alerts[0].Type)
}

func TestAlertsWithoutCallback(t *testing.T) {
	collector := newAlertCollector(nil)
	collector.recordEvent(AuditCertRevoked)

	var nilCollector *alertCollector
	nilCollector.recordEvent(AuditCertRevoked)
}

func TestAlertSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector := newAlertCollector(sink.record)
	collector.revocations.threshold = 5

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditCertRevoked)
	}

	now = now.Add(2 * defaultRevocationWindow)
	collector.recordEvent(AuditCertRevoked)
	assert.Empty(t, sink.snapshot(), "old revocations do not count after the window")
}

func TestAlertResetsAfterFiring(t *testing.T) {
	sink := &alertSink{}
	collector := newAlertCollector(sink.record)
	collector.revocations.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditCertRevoked)
	}
	require.Len(t, sink.snapshot(), 1)

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditCertRevoked)
	}
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditCertRevoked)
	assert.Len(t, sink.snapshot(), 2)
}
