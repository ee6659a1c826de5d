package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint such as
// a SIEM collector. Events are queued without blocking and sent by one
// background goroutine; when the queue is full they are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *zap.Logger
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func newAuditWebhook(url, authHeader string, logger *zap.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(zap.String("component", "audit_webhook")),
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// newWebhookEvent flattens zap fields into string attributes.
func newWebhookEvent(event AuditEvent, remoteAddr string, at time.Time, fields []zap.Field) webhookEvent {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	var attrs map[string]string
	if len(enc.Fields) > 0 {
		attrs = make(map[string]string, len(enc.Fields))
		for k, v := range enc.Fields {
			attrs[k] = fmt.Sprint(v)
		}
	}
	return webhookEvent{
		Event:      string(event),
		RemoteAddr: remoteAddr,
		Timestamp:  at.UTC().Format(time.RFC3339),
		Attrs:      attrs,
	}
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("Queue full, dropping audit event", zap.String("event", evt.Event))
	}
}

// close stops accepting events and waits until the queue is drained.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on transport errors and 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("Marshal failed", zap.Error(err))
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("Request creation failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ovpnca-audit-webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("Request failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("Server error", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		default:
			w.logger.Warn("Client error", zap.Int("status", resp.StatusCode))
			return
		}
	}
}
