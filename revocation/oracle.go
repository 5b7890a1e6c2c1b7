// Package revocation fetches and evaluates certificate revocation proofs.
// OCSP is preferred; CRLs are the fallback when no responder is reachable or
// the responder does not know the certificate.
// Fetched proofs are cached until their next scheduled update, capped by a
// configurable ceiling, and concurrent fetches for the same certificate are
// coalesced into a single network request.
package revocation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
	"golang.org/x/sync/singleflight"
)

// Common errors
var (
	// ErrRevocationUnavailable signals that no revocation proof could be
	// obtained from any source.
	ErrRevocationUnavailable = errors.New("revocation information unavailable")

	// ErrNetworkTransient marks a failure that is worth retrying.
	ErrNetworkTransient = errors.New("transient network error")

	// ErrNoSource signals a certificate that names no OCSP responder or CRL
	// distribution point.
	ErrNoSource = errors.New("no revocation source for certificate")

	// ErrProofStale signals a proof whose validity window does not cover the
	// evaluation time.
	ErrProofStale = errors.New("revocation proof not valid at evaluation time")
)

// maxProofSize bounds responder and CRL downloads.
const maxProofSize = 10 << 20

// ProofKind identifies the revocation mechanism behind a proof.
type ProofKind int

const (
	// ProofOCSP is a DER-encoded OCSP response.
	ProofOCSP ProofKind = iota
	// ProofCRL is a DER-encoded certificate revocation list.
	ProofCRL
)

// String returns a string representation of the proof kind.
func (k ProofKind) String() string {
	switch k {
	case ProofOCSP:
		return "ocsp"
	case ProofCRL:
		return "crl"
	default:
		return "unknown"
	}
}

// Proof is a fetched revocation proof together with its validity window.
type Proof struct {
	// Kind identifies the proof mechanism.
	Kind ProofKind

	// Data is the DER encoding, suitable for embedding in a signature.
	Data []byte

	// FetchedAt is when the proof was obtained.
	FetchedAt time.Time

	// ThisUpdate and NextUpdate bound the proof's validity window.
	// NextUpdate may be zero when the source did not state one.
	ThisUpdate time.Time
	NextUpdate time.Time
}

// State is the revocation state a proof asserts for a certificate.
type State int

const (
	// StateGood means the certificate is not revoked.
	StateGood State = iota
	// StateRevoked means the certificate has been revoked.
	StateRevoked
	// StateUnknown means the source does not know the certificate.
	StateUnknown
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateGood:
		return "good"
	case StateRevoked:
		return "revoked"
	case StateUnknown:
		return "unknown"
	}
	return "invalid"
}

// Status is the outcome of evaluating a proof against a certificate.
type Status struct {
	// State is the asserted revocation state.
	State State

	// Source is the mechanism that produced the assertion.
	Source ProofKind

	// RevokedAt is the revocation time when State is StateRevoked.
	RevokedAt time.Time

	// Reason is the CRL reason code when State is StateRevoked.
	Reason int
}

// Oracle fetches revocation proofs with caching and request coalescing.
type Oracle struct {
	// HTTPClient is used for responder and distribution point requests.
	HTTPClient *http.Client

	// OCSPURL, when set, overrides the responder URL from certificates.
	OCSPURL string

	// CRLURL, when set, overrides the distribution points from certificates.
	CRLURL string

	// Retry configures backoff for transient failures.
	Retry *RetryConfig

	// CacheCeiling caps how long a proof may be served from cache even when
	// its NextUpdate lies further out.
	CacheCeiling time.Duration

	// Logger receives fetch diagnostics.
	Logger *slog.Logger

	// Now is the clock; tests override it.
	Now func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

type cacheEntry struct {
	proof   *Proof
	expires time.Time
}

// NewOracle creates an oracle with default retry and cache settings.
func NewOracle(ceiling time.Duration, timeout time.Duration) *Oracle {
	return &Oracle{
		HTTPClient:   &http.Client{Timeout: timeout},
		Retry:        DefaultRetryConfig(),
		CacheCeiling: ceiling,
		Logger:       slog.Default(),
		Now:          time.Now,
		cache:        make(map[string]cacheEntry),
	}
}

// FetchProof obtains a revocation proof for cert, issued by issuer. The OCSP
// responder is tried first; CRL distribution points are the fallback. Cached
// proofs are served while valid, and concurrent callers for the same
// certificate share one fetch.
func (o *Oracle) FetchProof(ctx context.Context, cert, issuer *x509.Certificate) (*Proof, error) {
	key := cacheKey(cert)
	now := o.Now()

	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.proof, nil
	}

	result, err, _ := o.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have refreshed the entry already.
		o.mu.RLock()
		entry, ok := o.cache[key]
		o.mu.RUnlock()
		if ok && o.Now().Before(entry.expires) {
			return entry.proof, nil
		}

		proof, err := o.fetch(ctx, cert, issuer)
		if err != nil {
			return nil, err
		}

		o.mu.Lock()
		o.cache[key] = cacheEntry{proof: proof, expires: o.cacheExpiry(proof)}
		o.mu.Unlock()
		return proof, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Proof), nil
}

// ProofsForChain fetches proofs for every certificate in the chain except the
// final self-signed root, which vouches for itself. The chain must be ordered
// leaf first.
func (o *Oracle) ProofsForChain(ctx context.Context, chain []*x509.Certificate) ([]*Proof, error) {
	var proofs []*Proof
	for i, cert := range chain {
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			continue
		}
		var issuer *x509.Certificate
		if i+1 < len(chain) {
			issuer = chain[i+1]
		} else {
			// Chain ends without a root; the last certificate has no known
			// issuer to query against.
			return nil, fmt.Errorf("%w: no issuer for %q", ErrRevocationUnavailable, cert.Subject.CommonName)
		}

		proof, err := o.FetchProof(ctx, cert, issuer)
		if err != nil {
			return nil, fmt.Errorf("proof for %q: %w", cert.Subject.CommonName, err)
		}
		proofs = append(proofs, proof)
	}
	return proofs, nil
}

// CheckStatus evaluates a proof for cert at the given time. The proof's
// validity window must cover at, and CRL proofs must carry a valid signature
// from issuer.
func (o *Oracle) CheckStatus(proof *Proof, cert, issuer *x509.Certificate, at time.Time) (*Status, error) {
	return Evaluate(proof, cert, issuer, at)
}

// Evaluate evaluates a proof for cert at the given time. It needs no oracle,
// so embedded proofs from old envelopes can be checked offline.
func Evaluate(proof *Proof, cert, issuer *x509.Certificate, at time.Time) (*Status, error) {
	switch proof.Kind {
	case ProofOCSP:
		return checkOCSP(proof, cert, issuer, at)
	case ProofCRL:
		return checkCRL(proof, cert, issuer, at)
	default:
		return nil, fmt.Errorf("unknown proof kind %d", proof.Kind)
	}
}

// InvalidateCache drops all cached proofs.
func (o *Oracle) InvalidateCache() {
	o.mu.Lock()
	o.cache = make(map[string]cacheEntry)
	o.mu.Unlock()
}

func (o *Oracle) cacheExpiry(proof *Proof) time.Time {
	expiry := proof.FetchedAt.Add(o.CacheCeiling)
	if !proof.NextUpdate.IsZero() && proof.NextUpdate.Before(expiry) {
		expiry = proof.NextUpdate
	}
	return expiry
}

func (o *Oracle) fetch(ctx context.Context, cert, issuer *x509.Certificate) (*Proof, error) {
	ocspURLs := cert.OCSPServer
	if o.OCSPURL != "" {
		ocspURLs = []string{o.OCSPURL}
	}
	crlURLs := cert.CRLDistributionPoints
	if o.CRLURL != "" {
		crlURLs = []string{o.CRLURL}
	}

	if len(ocspURLs) == 0 && len(crlURLs) == 0 {
		return nil, ErrNoSource
	}

	var errs []error
	var unknownProof *Proof

	for _, url := range ocspURLs {
		proof, err := retry(ctx, o.Retry, func(ctx context.Context) (*Proof, error) {
			return o.fetchOCSP(ctx, url, cert, issuer)
		})
		if err == nil {
			o.Logger.Debug("revocation proof fetched", "source", "ocsp", "url", url,
				"subject", cert.Subject.CommonName)
			return proof, nil
		}
		// An "unknown" answer is not authoritative; try the CRL sources and
		// keep the proof only if every one of them also fails.
		var unk *unknownStatusError
		if errors.As(err, &unk) && unknownProof == nil {
			unknownProof = unk.proof
		}
		o.Logger.Warn("OCSP fetch failed", "url", url, "error", err)
		errs = append(errs, fmt.Errorf("ocsp %s: %w", url, err))
	}

	for _, url := range crlURLs {
		proof, err := retry(ctx, o.Retry, func(ctx context.Context) (*Proof, error) {
			return o.fetchCRL(ctx, url, issuer)
		})
		if err == nil {
			o.Logger.Debug("revocation proof fetched", "source", "crl", "url", url,
				"subject", cert.Subject.CommonName)
			return proof, nil
		}
		o.Logger.Warn("CRL fetch failed", "url", url, "error", err)
		errs = append(errs, fmt.Errorf("crl %s: %w", url, err))
	}

	if unknownProof != nil {
		o.Logger.Warn("no fallback resolved the certificate, keeping unknown OCSP proof",
			"subject", cert.Subject.CommonName)
		return unknownProof, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, errors.Join(errs...))
}

// unknownStatusError carries an OCSP proof whose responder did not know the
// certificate, so fallback sources can be consulted first.
type unknownStatusError struct {
	proof *Proof
}

func (e *unknownStatusError) Error() string {
	return "OCSP responder does not know the certificate"
}

func (o *Oracle) fetchOCSP(ctx context.Context, url string, cert, issuer *x509.Certificate) (*Proof, error) {
	reqBytes, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("failed to build OCSP request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	body, err := o.do(httpReq)
	if err != nil {
		return nil, err
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	proof := &Proof{
		Kind:       ProofOCSP,
		Data:       body,
		FetchedAt:  o.Now(),
		ThisUpdate: resp.ThisUpdate,
		NextUpdate: resp.NextUpdate,
	}
	if resp.Status == ocsp.Unknown {
		return nil, &unknownStatusError{proof: proof}
	}
	return proof, nil
}

func (o *Oracle) fetchCRL(ctx context.Context, url string, issuer *x509.Certificate) (*Proof, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/pkix-crl")

	body, err := o.do(httpReq)
	if err != nil {
		return nil, err
	}

	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature check failed: %w", err)
	}

	return &Proof{
		Kind:       ProofCRL,
		Data:       body,
		FetchedAt:  o.Now(),
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
	}, nil
}

func (o *Oracle) do(req *http.Request) ([]byte, error) {
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		if isTransportError(err) {
			return nil, fmt.Errorf("%w: %v", ErrNetworkTransient, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrNetworkTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProofSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	return body, nil
}

func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func checkOCSP(proof *Proof, cert, issuer *x509.Certificate, at time.Time) (*Status, error) {
	resp, err := ocsp.ParseResponseForCert(proof.Data, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP proof: %w", err)
	}

	if at.Before(resp.ThisUpdate) {
		return nil, ErrProofStale
	}
	if !resp.NextUpdate.IsZero() && at.After(resp.NextUpdate) {
		return nil, ErrProofStale
	}

	status := &Status{Source: ProofOCSP}
	switch resp.Status {
	case ocsp.Good:
		status.State = StateGood
	case ocsp.Revoked:
		status.State = StateRevoked
		status.RevokedAt = resp.RevokedAt
		status.Reason = resp.RevocationReason
	default:
		status.State = StateUnknown
	}
	return status, nil
}

func checkCRL(proof *Proof, cert, issuer *x509.Certificate, at time.Time) (*Status, error) {
	crl, err := x509.ParseRevocationList(proof.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL proof: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature check failed: %w", err)
	}

	if at.Before(crl.ThisUpdate) {
		return nil, ErrProofStale
	}
	if !crl.NextUpdate.IsZero() && at.After(crl.NextUpdate) {
		return nil, ErrProofStale
	}

	status := &Status{Source: ProofCRL, State: StateGood}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			status.State = StateRevoked
			status.RevokedAt = entry.RevocationTime
			status.Reason = entry.ReasonCode
			break
		}
	}
	return status, nil
}

func cacheKey(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
