package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"text/tabwriter"
	"time"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/storage"
)

// certificateRow is the printed form of a certificate. Key material is
// never included.
type certificateRow struct {
	ID       int64     `json:"id"`
	Kind     string    `json:"kind"`
	Serial   string    `json:"serial"`
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer"`
	Owner    string    `json:"owner"`
	File     string    `json:"file"`
	ValidTo  time.Time `json:"valid_to"`
	Revoked  bool      `json:"revoked"`
	Imported bool      `json:"imported"`
}

func newCertificateRow(cert *storage.Certificate, revoked bool) certificateRow {
	return certificateRow{
		ID:       cert.ID,
		Kind:     cert.Kind.String(),
		Serial:   cert.Serial,
		Subject:  cert.Subject,
		Issuer:   cert.Issuer,
		Owner:    identity.Ref{Kind: cert.OwnerKind, ID: cert.OwnerID}.String(),
		File:     path.Join(cert.Path, cert.Filename),
		ValidTo:  cert.ValidTo,
		Revoked:  revoked,
		Imported: !cert.Generated,
	}
}

func (r certificateRow) status() string {
	if r.Revoked {
		return "revoked"
	}
	return "valid"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCertificates(w io.Writer, rows []certificateRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSUBJECT\tOWNER\tVALID TO\tFILE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.status(), r.Subject, r.Owner, r.ValidTo.UTC().Format(time.DateOnly), r.File)
	}
	return tw.Flush()
}

func printIdentities(w io.Writer, idents []*identity.Identity) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCN\tOU\tCERTIFICATE")
	for _, ident := range idents {
		cert := "-"
		if ident.HasCertificate() {
			cert = fmt.Sprint(*ident.CertificateID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ident.ID, ident.Name, ident.DisplayName(), dash(ident.OU), cert)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
