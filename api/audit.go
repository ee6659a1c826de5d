package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCAInitialized     AuditEvent = "ca_initialized"
	AuditIntermediateAdded AuditEvent = "intermediate_added"
	AuditUserAdded         AuditEvent = "user_added"
	AuditServerAdded       AuditEvent = "server_added"
	AuditCertIssued        AuditEvent = "cert_issued"
	AuditCertImported      AuditEvent = "cert_imported"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCertReEnabled     AuditEvent = "cert_reenabled"
	AuditCertRenewed       AuditEvent = "cert_renewed"
	AuditCertExported      AuditEvent = "cert_exported"
	AuditCRLGenerated      AuditEvent = "crl_generated"
	AuditBundleExported    AuditEvent = "bundle_exported"
)

// auditLogger writes security audit entries, feeds the anomaly detector
// and optionally forwards entries to a webhook.
type auditLogger struct {
	logger  *zap.Logger
	alerts  *alertCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *zap.Logger, alerts *alertCollector, webhook *auditWebhook) *auditLogger {
	return &auditLogger{
		logger:  logger.With(zap.String("component", "audit")),
		alerts:  alerts,
		webhook: webhook,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, fields ...zap.Field) {
	now := time.Now()
	base := []zap.Field{
		zap.String("event", string(event)),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("event_time", now.UTC().Format(time.RFC3339)),
	}
	al.logger.Info("audit", append(base, fields...)...)
	al.alerts.recordEvent(event)
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, r.RemoteAddr, now, fields))
	}
}
