// Package forge specifies the narrow certificate-forgery boundary the
// connection engine calls through (spec.md §1: "the certificate-generation
// primitives themselves... the core uses them through a narrow interface").
// Forgery, signing, and key generation are not the engine's concern; only
// the Forger interface and a CA-backed default implementation live here.
package forge

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/infodancer/sslproxyd/internal/certbundle"
)

// Forger produces a forged leaf certificate, its private key, and a
// chain back to the signing CA for a given origin server certificate.
// The forged leaf carries the origin's subject and SAN list so a
// client validating against the expected hostname sees no difference.
type Forger interface {
	Forge(origin *x509.Certificate) (*certbundle.Bundle, error)
}

// CAForger signs forged leaves with a locally held CA certificate and
// key, the default Forger implementation.
type CAForger struct {
	caCert *x509.Certificate
	signer crypto.Signer
}

// LoadCA builds a CAForger from a PEM-encoded certificate and matching
// PEM-encoded key, as named by config.CAConfig.CertFile/KeyFile.
func LoadCA(certPEM, keyPEM []byte) (*CAForger, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading CA key pair: %w", err)
	}
	leaf := pair.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing CA certificate: %w", err)
		}
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key does not implement crypto.Signer")
	}
	return &CAForger{caCert: leaf, signer: signer}, nil
}

// Forge signs a fresh leaf certificate cloning origin's subject, SAN
// list, and validity window (clamped to the CA's own NotAfter), keyed
// to a freshly generated ECDSA P-256 key.
func (f *CAForger) Forge(origin *x509.Certificate) (*certbundle.Bundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating forged leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating forged leaf serial: %w", err)
	}

	notAfter := origin.NotAfter
	if notAfter.After(f.caCert.NotAfter) {
		notAfter = f.caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               origin.Subject,
		DNSNames:              origin.DNSNames,
		IPAddresses:           origin.IPAddresses,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, f.caCert, &key.PublicKey, f.signer)
	if err != nil {
		return nil, fmt.Errorf("signing forged leaf for %v: %w", origin.Subject.CommonName, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing forged leaf: %w", err)
	}

	return certbundle.FromParts(key, leaf, []*x509.Certificate{f.caCert}), nil
}

// StaticSubject builds the pkix.Name a forged leaf should mirror when
// the origin certificate is unavailable (e.g. an SNI-only lookahead),
// falling back to the configured hostname as common name.
func StaticSubject(hostname string) pkix.Name {
	return pkix.Name{CommonName: hostname}
}
