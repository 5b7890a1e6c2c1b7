package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/georgepadayatti/docsign/config"
)

var testPolicy = config.Policy{MinKeySize: 2048}

func newTestCA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Test Root CA",
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}
	return cert, key
}

func issueLeaf(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, template *x509.Certificate) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate leaf key: %v", err)
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse leaf certificate: %v", err)
	}
	return cert, key
}

func signerTemplate() *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: big.NewInt(100),
		Subject: pkix.Name{
			CommonName:   "Document Signer",
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
	}
}

func TestValidateOK(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf, key := issueLeaf(t, ca, caKey, signerTemplate())

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if id.Algorithm != AlgorithmRSAPSS {
		t.Errorf("expected RSA-PSS algorithm, got %v", id.Algorithm)
	}

	anchors := []string{Fingerprint(ca)}
	if err := id.Validate(testPolicy, anchors, time.Now()); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	ca, caKey := newTestCA(t)
	tmpl := signerTemplate()
	tmpl.NotBefore = time.Now().Add(-48 * time.Hour)
	tmpl.NotAfter = time.Now().Add(-24 * time.Hour)
	leaf, key := issueLeaf(t, ca, caKey, tmpl)

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(testPolicy, []string{Fingerprint(ca)}, time.Now())
	if !errors.Is(err, ErrCertExpired) {
		t.Errorf("expected ErrCertExpired, got %v", err)
	}
}

func TestValidateMissingKeyUsage(t *testing.T) {
	ca, caKey := newTestCA(t)
	tmpl := signerTemplate()
	tmpl.KeyUsage = x509.KeyUsageKeyEncipherment
	leaf, key := issueLeaf(t, ca, caKey, tmpl)

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(testPolicy, []string{Fingerprint(ca)}, time.Now())
	if !errors.Is(err, ErrMissingKeyUsage) {
		t.Errorf("expected ErrMissingKeyUsage, got %v", err)
	}
}

func TestValidateMissingEKU(t *testing.T) {
	ca, caKey := newTestCA(t)
	tmpl := signerTemplate()
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	leaf, key := issueLeaf(t, ca, caKey, tmpl)

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(testPolicy, []string{Fingerprint(ca)}, time.Now())
	if !errors.Is(err, ErrMissingExtKeyUsage) {
		t.Errorf("expected ErrMissingExtKeyUsage, got %v", err)
	}
}

func TestValidateDocumentSigningEKU(t *testing.T) {
	ca, caKey := newTestCA(t)
	tmpl := signerTemplate()
	tmpl.ExtKeyUsage = nil
	tmpl.UnknownExtKeyUsage = []asn1.ObjectIdentifier{OIDExtKeyUsageDocumentSigning}
	leaf, key := issueLeaf(t, ca, caKey, tmpl)

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := id.Validate(testPolicy, []string{Fingerprint(ca)}, time.Now()); err != nil {
		t.Errorf("document signing EKU should satisfy the policy: %v", err)
	}
}

func TestValidateKeyTooSmall(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf, key := issueLeaf(t, ca, caKey, signerTemplate())

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(config.Policy{MinKeySize: 4096}, []string{Fingerprint(ca)}, time.Now())
	if !errors.Is(err, ErrKeyTooSmall) {
		t.Errorf("expected ErrKeyTooSmall, got %v", err)
	}
}

func TestValidateNoAnchor(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf, key := issueLeaf(t, ca, caKey, signerTemplate())

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(testPolicy, []string{"deadbeef"}, time.Now())
	if !errors.Is(err, ErrNoTrustAnchor) {
		t.Errorf("expected ErrNoTrustAnchor, got %v", err)
	}
}

func TestValidateKeyMismatch(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf, _ := issueLeaf(t, ca, caKey, signerTemplate())
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	id, err := New(leaf, otherKey, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = id.Validate(testPolicy, []string{Fingerprint(ca)}, time.Now())
	if !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestValidateChainAtHistoricTime(t *testing.T) {
	ca, caKey := newTestCA(t)
	tmpl := signerTemplate()
	tmpl.NotBefore = time.Now().Add(-72 * time.Hour)
	tmpl.NotAfter = time.Now().Add(-24 * time.Hour)
	leaf, _ := issueLeaf(t, ca, caKey, tmpl)

	chain := []*x509.Certificate{leaf, ca}
	anchors := []string{Fingerprint(ca)}

	// Valid at a time inside the historical window.
	if err := ValidateChainAt(chain, anchors, time.Now().Add(-48*time.Hour)); err != nil {
		t.Errorf("chain should validate at historic time: %v", err)
	}

	// Invalid now.
	if err := ValidateChainAt(chain, anchors, time.Now()); !errors.Is(err, ErrCertExpired) {
		t.Errorf("expected ErrCertExpired at current time, got %v", err)
	}
}

func TestAlgorithmECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate EC key: %v", err)
	}

	alg, err := algorithmFor(key)
	if err != nil {
		t.Fatalf("algorithmFor failed: %v", err)
	}
	if alg != AlgorithmECDSA {
		t.Errorf("expected ECDSA, got %v", alg)
	}
}

func TestStoreRotate(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf, key := issueLeaf(t, ca, caKey, signerTemplate())
	anchors := []string{Fingerprint(ca)}

	id, err := New(leaf, key, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	store := NewStore(id)
	if store.Current() != id {
		t.Fatal("Current should return the loaded identity")
	}

	// Rotation to a fresh valid identity succeeds.
	leaf2, key2 := issueLeaf(t, ca, caKey, signerTemplate())
	id2, err := New(leaf2, key2, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := store.Rotate(id2, testPolicy, anchors, time.Now()); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if store.Current() != id2 {
		t.Error("Current should return the rotated identity")
	}

	// Rotation to an invalid identity is rejected and keeps the old one.
	tmpl := signerTemplate()
	tmpl.NotAfter = time.Now().Add(-time.Hour)
	tmpl.NotBefore = time.Now().Add(-2 * time.Hour)
	expiredLeaf, expiredKey := issueLeaf(t, ca, caKey, tmpl)
	expired, err := New(expiredLeaf, expiredKey, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := store.Rotate(expired, testPolicy, anchors, time.Now()); err == nil {
		t.Error("Rotate should reject an invalid identity")
	}
	if store.Current() != id2 {
		t.Error("failed rotation must keep the previous identity")
	}
}
