package revocation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

func newTestCA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Revocation Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
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

func issueLeaf(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, serial int64) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Revocation Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse leaf certificate: %v", err)
	}
	return cert
}

// ocspResponder answers every request with a canned response for the given
// certificate, counting hits.
func ocspResponder(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, leaf *x509.Certificate, status int, revokedAt time.Time, hits *atomic.Int64, delay time.Duration) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: leaf.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = revokedAt
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		respDER, err := ocsp.CreateResponse(ca, ca, tmpl, caKey)
		if err != nil {
			t.Errorf("Failed to create OCSP response: %v", err)
			http.Error(w, "responder failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(respDER)
	})
}

func fastOracle(url string) *Oracle {
	o := NewOracle(time.Hour, 5*time.Second)
	o.OCSPURL = url
	o.Retry = &RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return o
}

func TestFetchProofOCSP(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 100)

	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Good, time.Time{}, nil, 0))
	defer server.Close()

	oracle := fastOracle(server.URL)
	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}
	if proof.Kind != ProofOCSP {
		t.Errorf("expected OCSP proof, got %v", proof.Kind)
	}

	status, err := oracle.CheckStatus(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("CheckStatus failed: %v", err)
	}
	if status.State != StateGood {
		t.Errorf("expected good state, got %v", status.State)
	}
	if status.Source != ProofOCSP {
		t.Errorf("expected OCSP source, got %v", status.Source)
	}
}

func TestFetchProofCached(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 101)

	var hits atomic.Int64
	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Good, time.Time{}, &hits, 0))
	defer server.Close()

	oracle := fastOracle(server.URL)
	for i := 0; i < 3; i++ {
		if _, err := oracle.FetchProof(context.Background(), leaf, ca); err != nil {
			t.Fatalf("FetchProof %d failed: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected 1 responder hit, got %d", got)
	}

	oracle.InvalidateCache()
	if _, err := oracle.FetchProof(context.Background(), leaf, ca); err != nil {
		t.Fatalf("FetchProof after invalidation failed: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected refetch after invalidation, got %d hits", got)
	}
}

func TestFetchProofCoalesced(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 102)

	var hits atomic.Int64
	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Good, time.Time{}, &hits, 50*time.Millisecond))
	defer server.Close()

	oracle := fastOracle(server.URL)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = oracle.FetchProof(context.Background(), leaf, ca)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent FetchProof %d failed: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected concurrent fetches to share 1 network call, got %d", got)
	}
}

func TestFetchProofCRLFallback(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 103)

	ocspServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ocspServer.Close()

	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}, ca, caKey)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(crlDER)
	}))
	defer crlServer.Close()

	oracle := fastOracle(ocspServer.URL)
	oracle.CRLURL = crlServer.URL

	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}
	if proof.Kind != ProofCRL {
		t.Errorf("expected CRL fallback, got %v", proof.Kind)
	}

	status, err := Evaluate(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if status.State != StateGood {
		t.Errorf("expected good state, got %v", status.State)
	}
}

func TestCheckStatusRevokedCRL(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 104)
	revokedAt := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()

	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(2),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: leaf.SerialNumber, RevocationTime: revokedAt, ReasonCode: 1},
		},
	}, ca, caKey)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}

	proof := &Proof{Kind: ProofCRL, Data: crlDER, FetchedAt: time.Now()}
	status, err := Evaluate(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if status.State != StateRevoked {
		t.Fatalf("expected revoked state, got %v", status.State)
	}
	if !status.RevokedAt.Equal(revokedAt) {
		t.Errorf("expected revocation time %v, got %v", revokedAt, status.RevokedAt)
	}
}

func TestCheckStatusRevokedOCSP(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 105)
	revokedAt := time.Now().Add(-2 * time.Hour).Truncate(time.Second).UTC()

	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Revoked, revokedAt, nil, 0))
	defer server.Close()

	oracle := fastOracle(server.URL)
	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}

	status, err := oracle.CheckStatus(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("CheckStatus failed: %v", err)
	}
	if status.State != StateRevoked {
		t.Fatalf("expected revoked state, got %v", status.State)
	}
	if !status.RevokedAt.Equal(revokedAt) {
		t.Errorf("expected revocation time %v, got %v", revokedAt, status.RevokedAt)
	}
}

func TestFetchProofNoSource(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 106)

	oracle := NewOracle(time.Hour, time.Second)
	oracle.Retry = &RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	_, err := oracle.FetchProof(context.Background(), leaf, ca)
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}

func TestFetchProofRetriesTransient(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 107)

	var hits atomic.Int64
	good := ocspResponder(t, ca, caKey, leaf, ocsp.Good, time.Time{}, nil, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		good.ServeHTTP(w, r)
	}))
	defer server.Close()

	oracle := NewOracle(time.Hour, 5*time.Second)
	oracle.OCSPURL = server.URL
	oracle.Retry = &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}
	if proof.Kind != ProofOCSP {
		t.Errorf("expected OCSP proof, got %v", proof.Kind)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchProofAllSourcesFail(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 108)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	oracle := fastOracle(server.URL)
	oracle.CRLURL = server.URL

	_, err := oracle.FetchProof(context.Background(), leaf, ca)
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("expected ErrRevocationUnavailable, got %v", err)
	}
}

func TestEvaluateStaleProof(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 109)

	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(3),
		ThisUpdate: time.Now().Add(-2 * time.Hour),
		NextUpdate: time.Now().Add(-time.Hour),
	}, ca, caKey)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}

	proof := &Proof{Kind: ProofCRL, Data: crlDER}
	_, err = Evaluate(proof, leaf, ca, time.Now())
	if !errors.Is(err, ErrProofStale) {
		t.Errorf("expected ErrProofStale, got %v", err)
	}
}

func TestProofsForChainSkipsRoot(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 110)

	var hits atomic.Int64
	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Good, time.Time{}, &hits, 0))
	defer server.Close()

	oracle := fastOracle(server.URL)
	proofs, err := oracle.ProofsForChain(context.Background(), []*x509.Certificate{leaf, ca})
	if err != nil {
		t.Fatalf("ProofsForChain failed: %v", err)
	}
	if len(proofs) != 1 {
		t.Errorf("expected 1 proof (root excluded), got %d", len(proofs))
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected 1 responder hit, got %d", got)
	}
}

func TestFetchProofUnknownFallsBackToCRL(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 111)
	revokedAt := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()

	var ocspHits atomic.Int64
	ocspServer := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Unknown, time.Time{}, &ocspHits, 0))
	defer ocspServer.Close()

	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(4),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: leaf.SerialNumber, RevocationTime: revokedAt, ReasonCode: 1},
		},
	}, ca, caKey)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	var crlHits atomic.Int64
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crlHits.Add(1)
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(crlDER)
	}))
	defer crlServer.Close()

	oracle := fastOracle(ocspServer.URL)
	oracle.CRLURL = crlServer.URL

	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}
	if proof.Kind != ProofCRL {
		t.Fatalf("expected CRL fallback after unknown OCSP answer, got %v", proof.Kind)
	}
	if got := crlHits.Load(); got != 1 {
		t.Errorf("expected 1 CRL hit, got %d", got)
	}

	status, err := Evaluate(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if status.State != StateRevoked {
		t.Errorf("expected revoked state from the CRL, got %v", status.State)
	}
}

func TestFetchProofUnknownKeptWithoutFallback(t *testing.T) {
	ca, caKey := newTestCA(t)
	leaf := issueLeaf(t, ca, caKey, 112)

	server := httptest.NewServer(ocspResponder(t, ca, caKey, leaf, ocsp.Unknown, time.Time{}, nil, 0))
	defer server.Close()

	oracle := fastOracle(server.URL)
	proof, err := oracle.FetchProof(context.Background(), leaf, ca)
	if err != nil {
		t.Fatalf("FetchProof failed: %v", err)
	}
	if proof.Kind != ProofOCSP {
		t.Errorf("expected the unknown OCSP proof as last resort, got %v", proof.Kind)
	}

	status, err := Evaluate(proof, leaf, ca, time.Now())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if status.State != StateUnknown {
		t.Errorf("expected unknown state, got %v", status.State)
	}
}
