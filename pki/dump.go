package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const dumpTime = "Jan _2 15:04:05 2006 MST"

// colonHex renders b as upper-case hex octets separated by colons.
func colonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

func serialHex(n *big.Int) string {
	if n == nil {
		return ""
	}
	return colonHex(n.Bytes())
}

func keyUsageNames(u x509.KeyUsage) []string {
	names := []struct {
		bit  x509.KeyUsage
		name string
	}{
		{x509.KeyUsageDigitalSignature, "Digital Signature"},
		{x509.KeyUsageContentCommitment, "Non Repudiation"},
		{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
		{x509.KeyUsageDataEncipherment, "Data Encipherment"},
		{x509.KeyUsageKeyAgreement, "Key Agreement"},
		{x509.KeyUsageCertSign, "Certificate Sign"},
		{x509.KeyUsageCRLSign, "CRL Sign"},
	}
	var out []string
	for _, n := range names {
		if u&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func extKeyUsageName(u x509.ExtKeyUsage) string {
	switch u {
	case x509.ExtKeyUsageServerAuth:
		return "TLS Web Server Authentication"
	case x509.ExtKeyUsageClientAuth:
		return "TLS Web Client Authentication"
	case x509.ExtKeyUsageCodeSigning:
		return "Code Signing"
	case x509.ExtKeyUsageEmailProtection:
		return "E-mail Protection"
	case x509.ExtKeyUsageAny:
		return "Any Extended Key Usage"
	}
	return fmt.Sprintf("ExtKeyUsage(%d)", u)
}

func publicKeyLine(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA Public-Key: (%d bit)", pub.N.BitLen())
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	}
	return cert.PublicKeyAlgorithm.String()
}

// DumpCertificate renders a human-readable description of cert.
func DumpCertificate(cert *x509.Certificate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Certificate:\n")
	fmt.Fprintf(&b, "    Data:\n")
	fmt.Fprintf(&b, "        Version: %d (0x%x)\n", cert.Version, cert.Version-1)
	fmt.Fprintf(&b, "        Serial Number: %s\n", serialHex(cert.SerialNumber))
	fmt.Fprintf(&b, "        Signature Algorithm: %s\n", cert.SignatureAlgorithm)
	fmt.Fprintf(&b, "        Issuer: %s\n", FormatDN(cert.Issuer))
	fmt.Fprintf(&b, "        Validity\n")
	fmt.Fprintf(&b, "            Not Before: %s\n", cert.NotBefore.UTC().Format(dumpTime))
	fmt.Fprintf(&b, "            Not After : %s\n", cert.NotAfter.UTC().Format(dumpTime))
	fmt.Fprintf(&b, "        Subject: %s\n", FormatDN(cert.Subject))
	fmt.Fprintf(&b, "        Subject Public Key Info:\n")
	fmt.Fprintf(&b, "            Public Key Algorithm: %s\n", cert.PublicKeyAlgorithm)
	fmt.Fprintf(&b, "                %s\n", publicKeyLine(cert))
	fmt.Fprintf(&b, "        X509v3 extensions:\n")
	if cert.BasicConstraintsValid {
		ca := "FALSE"
		if cert.IsCA {
			ca = "TRUE"
		}
		if cert.IsCA && (cert.MaxPathLen > 0 || cert.MaxPathLenZero) {
			fmt.Fprintf(&b, "            Basic Constraints: CA:%s, pathlen:%d\n", ca, cert.MaxPathLen)
		} else {
			fmt.Fprintf(&b, "            Basic Constraints: CA:%s\n", ca)
		}
	}
	if names := keyUsageNames(cert.KeyUsage); len(names) > 0 {
		fmt.Fprintf(&b, "            Key Usage: %s\n", strings.Join(names, ", "))
	}
	if len(cert.ExtKeyUsage) > 0 {
		ext := make([]string, len(cert.ExtKeyUsage))
		for i, u := range cert.ExtKeyUsage {
			ext[i] = extKeyUsageName(u)
		}
		fmt.Fprintf(&b, "            Extended Key Usage: %s\n", strings.Join(ext, ", "))
	}
	if len(cert.DNSNames) > 0 {
		dns := make([]string, len(cert.DNSNames))
		for i, n := range cert.DNSNames {
			dns[i] = "DNS:" + n
		}
		fmt.Fprintf(&b, "            Subject Alternative Name: %s\n", strings.Join(dns, ", "))
	}
	if len(cert.SubjectKeyId) > 0 {
		fmt.Fprintf(&b, "            Subject Key Identifier: %s\n", colonHex(cert.SubjectKeyId))
	}
	if len(cert.AuthorityKeyId) > 0 {
		fmt.Fprintf(&b, "            Authority Key Identifier: %s\n", colonHex(cert.AuthorityKeyId))
	}
	sum := sha256.Sum256(cert.Raw)
	fmt.Fprintf(&b, "    SHA256 Fingerprint: %s", colonHex(sum[:]))
	return b.String()
}

// DumpCRL renders a human-readable description of crl.
func DumpCRL(crl *x509.RevocationList) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Certificate Revocation List (CRL):\n")
	fmt.Fprintf(&b, "        Version 2 (0x1)\n")
	fmt.Fprintf(&b, "        Signature Algorithm: %s\n", crl.SignatureAlgorithm)
	fmt.Fprintf(&b, "        Issuer: %s\n", FormatDN(crl.Issuer))
	fmt.Fprintf(&b, "        Last Update: %s\n", crl.ThisUpdate.UTC().Format(dumpTime))
	fmt.Fprintf(&b, "        Next Update: %s\n", crl.NextUpdate.UTC().Format(dumpTime))
	if crl.Number != nil {
		fmt.Fprintf(&b, "        CRL Number: %s\n", crl.Number)
	}
	if len(crl.RevokedCertificateEntries) == 0 {
		fmt.Fprintf(&b, "No Revoked Certificates.")
		return b.String()
	}
	fmt.Fprintf(&b, "Revoked Certificates:")
	for _, e := range crl.RevokedCertificateEntries {
		fmt.Fprintf(&b, "\n    Serial Number: %s\n        Revocation Date: %s",
			serialHex(e.SerialNumber), e.RevocationTime.UTC().Format(dumpTime))
	}
	return b.String()
}

// localTime converts a certificate time to the CA's zone with second
// precision.
func localTime(t time.Time, loc *time.Location) time.Time {
	return t.In(loc).Truncate(time.Second)
}
