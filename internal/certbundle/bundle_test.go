package certbundle

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func testLeaf(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return leaf, key
}

func TestNewHasOneReference(t *testing.T) {
	b := New()
	if got := b.Refs(); got != 1 {
		t.Errorf("Refs() = %d, want 1", got)
	}
}

func TestFromPartsHoldsMaterial(t *testing.T) {
	leaf, key := testLeaf(t, "example.com")
	b := FromParts(key, leaf, nil)

	if b.Refs() != 1 {
		t.Errorf("Refs() = %d, want 1", b.Refs())
	}
	if b.Leaf() != leaf {
		t.Error("Leaf() did not return the leaf passed to FromParts")
	}
	if b.Key() != key {
		t.Error("Key() did not return the key passed to FromParts")
	}
}

func TestAcquireRelease(t *testing.T) {
	leaf, key := testLeaf(t, "example.com")
	b := FromParts(key, leaf, nil)

	b.Acquire()
	if got := b.Refs(); got != 2 {
		t.Fatalf("Refs() = %d, want 2 after Acquire", got)
	}

	b.Release()
	if got := b.Refs(); got != 1 {
		t.Fatalf("Refs() = %d, want 1 after one Release", got)
	}
	if b.Leaf() == nil {
		t.Error("Leaf() should still be set while refs > 0")
	}

	b.Release()
	if got := b.Refs(); got != 0 {
		t.Fatalf("Refs() = %d, want 0 after final Release", got)
	}
	if b.Leaf() != nil {
		t.Error("Leaf() should be nil after the last Release")
	}
	if b.Key() != nil {
		t.Error("Key() should be nil after the last Release")
	}
}

func TestTLSCertificateAssembly(t *testing.T) {
	leaf, key := testLeaf(t, "example.com")
	caLeaf, _ := testLeaf(t, "ca.example.com")
	b := FromParts(key, leaf, []*x509.Certificate{caLeaf})

	cert := b.TLSCertificate()

	if len(cert.Certificate) != 2 {
		t.Fatalf("len(cert.Certificate) = %d, want 2", len(cert.Certificate))
	}
	if cert.Leaf != leaf {
		t.Error("cert.Leaf should be the bundle's leaf")
	}
	if cert.PrivateKey != key {
		t.Error("cert.PrivateKey should be the bundle's key")
	}
}

func TestSetters(t *testing.T) {
	b := New()
	leaf, key := testLeaf(t, "example.com")

	b.SetKey(key)
	b.SetLeaf(leaf)
	b.SetChain([]*x509.Certificate{leaf})

	if b.Key() != key {
		t.Error("SetKey did not take effect")
	}
	if b.Leaf() != leaf {
		t.Error("SetLeaf did not take effect")
	}
}
