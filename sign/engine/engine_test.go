package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/docsign/binder"
	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/identity"
	"github.com/georgepadayatti/docsign/revocation"
	"github.com/georgepadayatti/docsign/sign/cms"
	"github.com/georgepadayatti/docsign/sign/timestamps"
)

type testPKI struct {
	ca    *x509.Certificate
	caKey *rsa.PrivateKey
	store *identity.Store
	leaf  *x509.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Engine Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{9, 8, 7, 6},
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1000),
		Subject:      pkix.Name{CommonName: "Engine Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create leaf certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("Failed to parse leaf certificate: %v", err)
	}

	ident, err := identity.New(leaf, leafKey, []*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("Failed to build identity: %v", err)
	}

	return &testPKI{ca: ca, caKey: caKey, store: identity.NewStore(ident), leaf: leaf}
}

func testConfig() *config.Config {
	return &config.Config{
		Policy: config.Policy{
			MinKeySize:     2048,
			AllowedDigests: []string{"sha512", "sha384"},
		},
		Reservation: config.Reservation{
			BaseSize: 16 * 1024,
			PerCert:  2 * 1024,
			PerProof: 4 * 1024,
		},
	}
}

// ocspGood serves good responses for every serial the CA issued.
func (p *testPKI) ocspHandler(t *testing.T, status int, revokedAt time.Time) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: p.leaf.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = revokedAt
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		respDER, err := ocsp.CreateResponse(p.ca, p.ca, tmpl, p.caKey)
		if err != nil {
			t.Errorf("Failed to create OCSP response: %v", err)
			http.Error(w, "responder failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(respDER)
	})
}

func fastOracle(url string) *revocation.Oracle {
	o := revocation.NewOracle(time.Hour, 5*time.Second)
	o.OCSPURL = url
	o.Retry = &revocation.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return o
}

var testDocument = []byte("Certified document content.\nIssued for testing purposes only.\n")

func TestSignBasic(t *testing.T) {
	pki := newTestPKI(t)
	eng := New(pki.store, nil, nil, testConfig())

	result, err := eng.SignDocument(context.Background(), testDocument, Request{
		Metadata: cms.DocumentMetadata{DocumentID: "DOC-1", DocumentType: "deed", IssuingOffice: "HQ", SecurityLevel: 1},
		Level:    LevelBasic,
	})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if result.Level != LevelBasic {
		t.Errorf("expected BASIC level, got %v", result.Level)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}

	embedded, err := binder.Extract(result.Document)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(embedded) != 1 {
		t.Fatalf("expected 1 embedded signature, got %d", len(embedded))
	}

	sig, err := cms.Parse(embedded[0].Envelope)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := sig.VerifySignature(); err != nil {
		t.Errorf("VerifySignature failed: %v", err)
	}

	covered, err := binder.SignedBytes(result.Document, embedded[0].ByteRange)
	if err != nil {
		t.Fatalf("SignedBytes failed: %v", err)
	}
	digest := sha512.Sum512(covered)
	if err := sig.VerifyMessageDigest(digest[:]); err != nil {
		t.Errorf("VerifyMessageDigest failed: %v", err)
	}
	if sig.Metadata == nil || sig.Metadata.DocumentID != "DOC-1" {
		t.Errorf("metadata not bound: %+v", sig.Metadata)
	}
}

func TestSignNoIdentity(t *testing.T) {
	eng := New(identity.NewStore(nil), nil, nil, testConfig())
	_, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelBasic})
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSignDisallowedDigest(t *testing.T) {
	pki := newTestPKI(t)
	cfg := testConfig()
	cfg.Policy.AllowedDigests = []string{"sha384"}
	eng := New(pki.store, nil, nil, cfg)

	_, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelBasic})
	if !errors.Is(err, config.ErrInvalidDigest) {
		t.Errorf("expected ErrInvalidDigest, got %v", err)
	}
}

func TestSignTimestampLevel(t *testing.T) {
	pki := newTestPKI(t)
	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	server := httptest.NewServer(tsa)
	defer server.Close()

	eng := New(pki.store, nil, timestamps.NewClient(server.URL, 5*time.Second), testConfig())
	result, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelTimestamp})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if result.Level != LevelTimestamp {
		t.Fatalf("expected TIMESTAMP level, got %v", result.Level)
	}

	sig, err := cms.Parse(result.Envelope)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.TimestampToken == nil {
		t.Fatal("no timestamp token embedded")
	}

	imprint := sha512.Sum512(sig.SignatureValue)
	if err := timestamps.VerifyToken(sig.TimestampToken, imprint[:]); err != nil {
		t.Errorf("VerifyToken failed: %v", err)
	}
}

func TestSignTimestampDegrades(t *testing.T) {
	pki := newTestPKI(t)
	eng := New(pki.store, nil, timestamps.NewClient("http://127.0.0.1:1/tsa", time.Second), testConfig())

	result, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelTimestamp})
	if err != nil {
		t.Fatalf("SignDocument should degrade, not fail: %v", err)
	}
	if result.Level != LevelBasic {
		t.Errorf("expected degradation to BASIC, got %v", result.Level)
	}
	if len(result.Warnings) == 0 {
		t.Error("degraded signing must carry a warning")
	}
}

func TestSignTimestampRequired(t *testing.T) {
	pki := newTestPKI(t)
	cfg := testConfig()
	cfg.Policy.RequireTimestamp = true
	eng := New(pki.store, nil, timestamps.NewClient("http://127.0.0.1:1/tsa", time.Second), cfg)

	_, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelTimestamp})
	if err == nil {
		t.Fatal("required timestamp must fail the signing operation when unavailable")
	}
	if !errors.Is(err, timestamps.ErrTimestampUnavailable) {
		t.Errorf("expected ErrTimestampUnavailable in chain, got %v", err)
	}
}

func TestSignLongTerm(t *testing.T) {
	pki := newTestPKI(t)

	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	tsaServer := httptest.NewServer(tsa)
	defer tsaServer.Close()

	ocspServer := httptest.NewServer(pki.ocspHandler(t, ocsp.Good, time.Time{}))
	defer ocspServer.Close()

	cfg := testConfig()
	cfg.Policy.EmbedRevocationInfo = true
	eng := New(pki.store, fastOracle(ocspServer.URL), timestamps.NewClient(tsaServer.URL, 5*time.Second), cfg)

	result, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelLongTerm})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if result.Level != LevelLongTerm {
		t.Fatalf("expected LONG_TERM level, got %v", result.Level)
	}

	sig, err := cms.Parse(result.Envelope)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.TimestampToken == nil {
		t.Error("no timestamp token embedded")
	}
	if len(sig.OCSPResponses) == 0 {
		t.Error("no revocation proof embedded")
	}
	if err := sig.VerifySignature(); err != nil {
		t.Errorf("signature invalidated by evidence embedding: %v", err)
	}
}

func TestSignLongTermEmbeddingDisabled(t *testing.T) {
	pki := newTestPKI(t)
	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	server := httptest.NewServer(tsa)
	defer server.Close()

	eng := New(pki.store, nil, timestamps.NewClient(server.URL, 5*time.Second), testConfig())
	result, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelLongTerm})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if result.Level != LevelTimestamp {
		t.Errorf("expected TIMESTAMP level when embedding is disabled, got %v", result.Level)
	}
	if len(result.Warnings) == 0 {
		t.Error("skipped revocation embedding must carry a warning")
	}
}

func TestSignRevokedIdentity(t *testing.T) {
	pki := newTestPKI(t)

	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	tsaServer := httptest.NewServer(tsa)
	defer tsaServer.Close()

	ocspServer := httptest.NewServer(pki.ocspHandler(t, ocsp.Revoked, time.Now().Add(-time.Hour)))
	defer ocspServer.Close()

	cfg := testConfig()
	cfg.Policy.EmbedRevocationInfo = true
	eng := New(pki.store, fastOracle(ocspServer.URL), timestamps.NewClient(tsaServer.URL, 5*time.Second), cfg)

	_, err = eng.SignDocument(context.Background(), testDocument, Request{Level: LevelLongTerm})
	if !errors.Is(err, ErrIdentityRevoked) {
		t.Errorf("expected ErrIdentityRevoked, got %v", err)
	}
}

func TestSignArchiveLevel(t *testing.T) {
	pki := newTestPKI(t)

	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	tsaServer := httptest.NewServer(tsa)
	defer tsaServer.Close()

	ocspServer := httptest.NewServer(pki.ocspHandler(t, ocsp.Good, time.Time{}))
	defer ocspServer.Close()

	cfg := testConfig()
	cfg.Policy.EmbedRevocationInfo = true
	eng := New(pki.store, fastOracle(ocspServer.URL), timestamps.NewClient(tsaServer.URL, 5*time.Second), cfg)

	result, err := eng.SignDocument(context.Background(), testDocument, Request{Level: LevelLongTermArchive})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if result.Level != LevelLongTermArchive {
		t.Fatalf("expected LONG_TERM_ARCHIVE level, got %v", result.Level)
	}

	sig, err := cms.Parse(result.Envelope)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(sig.ArchiveTimestamps) != 1 {
		t.Errorf("expected 1 archive timestamp, got %d", len(sig.ArchiveTimestamps))
	}
}

func TestSignReservationExhausted(t *testing.T) {
	pki := newTestPKI(t)
	eng := New(pki.store, nil, nil, testConfig())

	_, err := eng.SignDocument(context.Background(), testDocument, Request{
		Level:         LevelBasic,
		BytesReserved: 64,
	})
	if !errors.Is(err, ErrReservationExhausted) {
		t.Errorf("expected ErrReservationExhausted, got %v", err)
	}
}

func TestSignGrowsReservation(t *testing.T) {
	pki := newTestPKI(t)
	eng := New(pki.store, nil, nil, testConfig())

	// Too small for the envelope at first, but large enough after doubling.
	result, err := eng.SignDocument(context.Background(), testDocument, Request{
		Level:         LevelBasic,
		BytesReserved: 4 * 1024,
	})
	if err != nil {
		t.Fatalf("SignDocument failed: %v", err)
	}
	if _, err := cms.Parse(result.Envelope); err != nil {
		t.Errorf("Parse failed after reservation growth: %v", err)
	}
}

func TestDeadlineSkipsOptionalSteps(t *testing.T) {
	pki := newTestPKI(t)
	tsa, err := timestamps.NewSelfSignedTSA()
	if err != nil {
		t.Fatalf("Failed to create TSA: %v", err)
	}
	server := httptest.NewServer(tsa)
	defer server.Close()

	eng := New(pki.store, nil, timestamps.NewClient(server.URL, 5*time.Second), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A dead context still yields a BASIC signature because the signature
	// itself needs no network.
	result, err := eng.SignDocument(ctx, testDocument, Request{Level: LevelTimestamp})
	if err != nil {
		t.Fatalf("SignDocument should degrade on expired deadline: %v", err)
	}
	if result.Level != LevelBasic {
		t.Errorf("expected BASIC level, got %v", result.Level)
	}
	if len(result.Warnings) == 0 {
		t.Error("deadline degradation must carry a warning")
	}
}
