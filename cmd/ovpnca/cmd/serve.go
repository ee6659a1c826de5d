package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/api"
	"github.com/jmcleod/ovpnca/config"
	"github.com/jmcleod/ovpnca/metrics"
)

var listenAddr string

// newRouter mounts the admin API below /api/v1 next to the health and
// metrics endpoints.
func newRouter(apiHandler http.Handler, m *metrics.Metrics, srv config.ServerConfig, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.RequestLogger(log))
	r.Use(middleware.Recoverer)
	if srv.Metrics {
		r.Use(m.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if srv.Metrics {
		r.Handle("/metrics", m.Handler())
	}
	r.Mount("/api/v1", apiHandler)
	return r
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP server",
	Long: `Serves the lifecycle operations as a REST API below /api/v1, with the
OpenAPI document at /api/v1/openapi.yaml and Prometheus metrics at /metrics.
The API has no authentication; keep it bound to a trusted interface.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srvCfg := cfg.Server
		if listenAddr != "" {
			srvCfg.Listen = listenAddr
		}

		// Nobody is at a terminal to answer password prompts.
		a, err := openApp(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := []api.Option{api.WithLogger(logger.Named("api"))}
		if srvCfg.AuditWebhookURL != "" {
			opts = append(opts, api.WithAuditWebhook(srvCfg.AuditWebhookURL, srvCfg.AuditWebhookHeader))
		}
		handler := api.New(a.ca, a.ids, opts...)
		defer handler.Close()

		server := &http.Server{
			Addr:              srvCfg.Listen,
			Handler:           newRouter(handler.Router(), a.metrics, srvCfg, logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := srvCfg.TLSCert != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(srvCfg.TLSCert, srvCfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		scheme := "http"
		if useTLS {
			scheme = "https"
		}
		logger.Info("Starting server", zap.String("address", scheme+"://"+srvCfg.Listen), zap.String("storage", cfg.Storage.Driver))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (default from configuration)")
}
