// Package api serves the CA lifecycle operations over HTTP.
package api

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	ca     *pki.CA
	ids    identity.Directory
	logger *zap.Logger
	audit  *auditLogger

	alertFn     AlertFunc
	webhookURL  string
	webhookAuth string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request errors and audit events.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAlertFunc installs a callback for anomaly alerts. By default alerts
// are logged at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards every audit entry to url. authHeader, when set,
// has the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance.
func New(ca *pki.CA, ids identity.Directory, opts ...Option) *API {
	a := &API{
		ca:     ca,
		ids:    ids,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alertFn == nil {
		logger := a.logger
		a.alertFn = func(e AlertEvent) {
			logger.Warn("Anomaly detected",
				zap.String("alert", string(e.Type)),
				zap.Int("count", e.Count),
				zap.Int("threshold", e.Threshold))
		}
	}
	var webhook *auditWebhook
	if a.webhookURL != "" {
		webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	a.audit = newAuditLogger(a.logger, newAlertCollector(a.alertFn), webhook)
	return a
}

// Close flushes queued audit webhook deliveries.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Post("/ca/root", a.InitRoot)
		r.Post("/ca/intermediate", a.InitIntermediate)

		r.Get("/users", a.ListUsers)
		r.Post("/users", a.AddUser)
		r.Get("/servers", a.ListServers)
		r.Post("/servers", a.AddServer)

		r.Get("/certificates", a.ListCertificates)
		r.Post("/certificates", a.IssueCertificate)
		r.Post("/certificates/import", a.ImportCertificate)
		r.Get("/certificates/expiring", a.ListExpiring)
		r.Route("/certificates/{certID}", func(r chi.Router) {
			r.Get("/", a.GetCertificate)
			r.Get("/pem", a.GetCertificatePEM)
			r.Post("/revoke", a.RevokeCertificate)
			r.Post("/reenable", a.ReEnableCertificate)
			r.Post("/renew", a.RenewCertificate)
			r.Post("/export", a.ExportCertificate)
			r.Post("/bundle", a.ExportBundle)
		})

		r.Get("/crl", a.GetCRL)
		r.Post("/crl", a.GenerateCRL)
		r.Get("/crls", a.ListCRLs)

		r.Get("/operations", a.ListOperations)
	})

	return r
}
