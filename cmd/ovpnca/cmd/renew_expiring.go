package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

var (
	renewWithin      int
	renewConcurrency int
	renewDryRun      bool
)

// renewResult is the outcome of renewing one certificate.
type renewResult struct {
	OldID int64  `json:"old_id"`
	NewID int64  `json:"new_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// renewable keeps the assigned leaf certificates of certs. CA and
// unassigned certificates cannot be renewed.
func renewable(certs []*storage.Certificate) []*storage.Certificate {
	var out []*storage.Certificate
	for _, cert := range certs {
		if cert.Kind.IsCA() || !cert.HasOwner() {
			continue
		}
		out = append(out, cert)
	}
	return out
}

// renewAll renews every certificate with at most limit renewals in flight.
// Failures are collected; one failure does not stop the others.
func renewAll(ctx context.Context, ca *pki.CA, certs []*storage.Certificate, limit int, log *zap.Logger) ([]renewResult, error) {
	var (
		mu      sync.Mutex
		results = make([]renewResult, 0, len(certs))
		errs    []error
	)

	g := new(errgroup.Group)
	g.SetLimit(max(limit, 1))
	for _, cert := range certs {
		g.Go(func() error {
			newID, err := ca.RenewAsync(ctx, cert.ID).Wait(ctx)
			res := renewResult{OldID: cert.ID, NewID: newID}
			if err != nil && !errors.Is(err, pki.ErrExport) {
				res.NewID = 0
				res.Error = err.Error()
				log.Warn("Renewal failed", zap.Int64("certificate_id", cert.ID), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if res.Error != "" {
				errs = append(errs, fmt.Errorf("certificate %d: %w", cert.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].OldID < results[j].OldID })
	return results, errors.Join(errs...)
}

var renewExpiringCmd = &cobra.Command{
	Use:   "renew-expiring",
	Short: "Renew every certificate that expires within a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if renewWithin < 0 {
			return fmt.Errorf("--within must not be negative")
		}
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			expiring, err := a.ca.ExpiringWithin(ctx, renewWithin)
			if err != nil {
				return err
			}
			certs := renewable(expiring)
			out := cmd.OutOrStdout()
			if len(certs) == 0 {
				fmt.Fprintf(out, "No certificates expire within %d days\n", renewWithin)
				return nil
			}
			if renewDryRun {
				for _, cert := range certs {
					fmt.Fprintf(out, "Would renew %d (%s, valid to %s)\n", cert.ID, cert.Subject, cert.ValidTo.UTC().Format(storage.TimeLayout))
				}
				return nil
			}

			results, err := renewAll(ctx, a.ca, certs, renewConcurrency, a.logger)
			for _, res := range results {
				if res.Error != "" {
					fmt.Fprintf(out, "Failed to renew %d: %s\n", res.OldID, res.Error)
					continue
				}
				fmt.Fprintf(out, "Renewed %d as %d\n", res.OldID, res.NewID)
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(renewExpiringCmd)
	renewExpiringCmd.Flags().IntVar(&renewWithin, "within", 30, "Renew certificates expiring within this many days")
	renewExpiringCmd.Flags().IntVar(&renewConcurrency, "concurrency", 4, "Maximum renewals in flight")
	renewExpiringCmd.Flags().BoolVar(&renewDryRun, "dry-run", false, "Only list the certificates that would be renewed")
}
