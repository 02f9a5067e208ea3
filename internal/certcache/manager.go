package certcache

import (
	"context"
	"crypto/x509"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/infodancer/sslproxyd/internal/certbundle"
)

// CertFingerprint is an opaque stable digest of an origin certificate's
// raw DER bytes, used as the forged-cert cache key. blake2b is used
// rather than sha256 purely because any stable digest serves here;
// the cache key carries no cryptographic-integrity requirement.
type CertFingerprint [blake2b.Size256]byte

// Fingerprint computes the CertFingerprint of an origin certificate.
func Fingerprint(cert *x509.Certificate) CertFingerprint {
	return blake2b.Sum256(cert.Raw)
}

// SessionID identifies a cached TLS session on the client-facing side.
type SessionID string

// DestSessKey identifies a cached TLS session on the origin-facing
// side, by the (peer address, SNI) pair the session was negotiated under.
type DestSessKey struct {
	Addr string
	SNI  string
}

// Manager owns the engine's four certificate/session caches and
// coordinates their garbage collection.
type Manager struct {
	ForgedCert *Cache[CertFingerprint, *certbundle.Bundle]
	TargetCert *Cache[string, *certbundle.Bundle]
	SourceSess *Cache[SessionID, []byte]
	DestSess   *Cache[DestSessKey, []byte]

	gcMu sync.Mutex
}

// NewManager creates the four caches with their respective eviction
// policies wired in.
func NewManager() *Manager {
	releaseBundle := func(b *certbundle.Bundle) {
		if b != nil {
			b.Release()
		}
	}

	return &Manager{
		// Forged certs are evicted once nothing but the cache itself
		// still holds a reference.
		ForgedCert: New[CertFingerprint, *certbundle.Bundle](releaseBundle,
			func(b *certbundle.Bundle, forRetain bool) (*certbundle.Bundle, bool) {
				if forRetain {
					return b, b != nil
				}
				return b, b != nil && b.Refs() > 1
			}),

		// Target certs are loaded from disk by common name and never
		// expired by GC.
		TargetCert: New[string, *certbundle.Bundle](releaseBundle,
			func(b *certbundle.Bundle, _ bool) (*certbundle.Bundle, bool) {
				return b, true
			}),

		SourceSess: New[SessionID, []byte](nil, nil),
		DestSess:   New[DestSessKey, []byte](nil, nil),
	}
}

// GC sweeps the forged-cert, source-session, and destination-session
// caches concurrently; the target-cert cache is skipped, matching the
// policy that target certs are never GC-evicted. It blocks until all
// three sweeps complete, and serializes against a concurrent Close.
func (m *Manager) GC(ctx context.Context) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); m.ForgedCert.GC() }()
	go func() { defer wg.Done(); m.SourceSess.GC() }()
	go func() { defer wg.Done(); m.DestSess.GC() }()

	wg.Wait()
}

// Close releases every cached entry across all four caches. It waits
// for any in-flight GC to finish first so teardown never races a sweep.
func (m *Manager) Close() {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	m.ForgedCert.Close()
	m.TargetCert.Close()
	m.SourceSess.Close()
	m.DestSess.Close()
}
