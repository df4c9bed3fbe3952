package sat

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// oidUniqueIdentifier is x500UniqueIdentifier, where SAT certificates carry
// "RFC / CURP" of the holder.
var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

// Credentials is a loaded e.firma: certificate, private key and passphrase.
// String never prints the key or the passphrase.
type Credentials struct {
	CertPath    string
	KeyPath     string
	Certificate *x509.Certificate
	certDER     []byte
	key         []byte
	passphrase  string
}

// LoadCredentials reads a DER or PEM certificate and the private key file and
// rejects certificates that are not valid at now.
func LoadCredentials(certPath, keyPath, passphrase string, now time.Time) (*Credentials, error) {
	if passphrase == "" {
		return nil, &AuthenticationError{Reason: "missing private key passphrase"}
	}
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, &AuthenticationError{Reason: "read certificate", Err: err}
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &AuthenticationError{Reason: "parse certificate", Err: err}
	}
	if now.Before(cert.NotBefore) {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("certificate not valid before %s", cert.NotBefore.Format(time.RFC3339))}
	}
	if now.After(cert.NotAfter) {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339))}
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &AuthenticationError{Reason: "read private key", Err: err}
	}
	if len(key) == 0 {
		return nil, &AuthenticationError{Reason: "empty private key"}
	}
	return &Credentials{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Certificate: cert,
		certDER:     der,
		key:         key,
		passphrase:  passphrase,
	}, nil
}

// HolderRFC extracts the RFC from the certificate subject, or "" when absent.
func (c *Credentials) HolderRFC() string {
	return holderRFC(c.Certificate.Subject)
}

func holderRFC(subject pkix.Name) string {
	for _, attr := range subject.Names {
		if !attr.Type.Equal(oidUniqueIdentifier) {
			continue
		}
		s, ok := attr.Value.(string)
		if !ok {
			continue
		}
		rfc, _, _ := strings.Cut(s, "/")
		return strings.ToUpper(strings.TrimSpace(rfc))
	}
	return ""
}

// CheckHolder fails when the certificate belongs to a different taxpayer.
func (c *Credentials) CheckHolder(rfc string) error {
	holder := c.HolderRFC()
	if holder == "" || strings.EqualFold(holder, rfc) {
		return nil
	}
	return &AuthenticationError{Reason: fmt.Sprintf("certificate belongs to %s, not %s", holder, rfc)}
}

func (c *Credentials) String() string {
	if c == nil || c.Certificate == nil {
		return "Credentials(<empty>)"
	}
	return fmt.Sprintf("Credentials(serial=%s, notAfter=%s, passphrase=****)",
		c.Certificate.SerialNumber.String(), c.Certificate.NotAfter.Format(time.RFC3339))
}

// RemoveFiles deletes the staged certificate and key. Missing files are ignored.
func RemoveFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
