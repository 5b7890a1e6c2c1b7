// Package engine drives document signing: digest, signed attributes,
// envelope, and escalation through evidence levels. Mandatory steps are
// all-or-nothing; escalation steps degrade the achieved level on failure
// unless policy marks them required.
package engine

import (
	"bytes"
	"context"
	"crypto"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/georgepadayatti/docsign/binder"
	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/identity"
	"github.com/georgepadayatti/docsign/revocation"
	"github.com/georgepadayatti/docsign/sign/cms"
	"github.com/georgepadayatti/docsign/sign/timestamps"
)

// Common errors
var (
	// ErrNoIdentity signals an engine without a loaded signing identity.
	ErrNoIdentity = errors.New("no signing identity loaded")

	// ErrInvalidTransition signals a signing step run out of order.
	ErrInvalidTransition = errors.New("invalid signing state transition")

	// ErrIdentityRevoked signals a revoked signing certificate. Signing
	// fails closed.
	ErrIdentityRevoked = errors.New("signing certificate is revoked")

	// ErrReservationExhausted signals an envelope that kept outgrowing the
	// reservation after repeated growth.
	ErrReservationExhausted = errors.New("envelope did not fit after growing the reservation")
)

// maxReserveAttempts bounds the re-reserve loop when an envelope outgrows
// its placeholder.
const maxReserveAttempts = 3

// Engine signs documents using an injected identity, revocation oracle, and
// timestamp client.
type Engine struct {
	Store  *identity.Store
	Oracle *revocation.Oracle
	TSA    *timestamps.Client
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

// New constructs an engine. The TSA client and oracle may be nil when the
// corresponding escalation steps are never requested.
func New(store *identity.Store, oracle *revocation.Oracle, tsa *timestamps.Client, cfg *config.Config) *Engine {
	return &Engine{
		Store:  store,
		Oracle: oracle,
		TSA:    tsa,
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// Request describes one signing operation.
type Request struct {
	// Metadata is bound into the signed attributes.
	Metadata cms.DocumentMetadata

	// Level is the target evidence level.
	Level Level

	// BytesReserved overrides the placeholder size estimate when positive.
	BytesReserved int
}

// Result is the outcome of a signing operation.
type Result struct {
	// Document is the finished document with the envelope embedded.
	Document []byte

	// Envelope is the final envelope DER.
	Envelope []byte

	// Level is the achieved evidence level, which may be lower than the
	// requested one when optional steps degraded.
	Level Level

	// SigningTime is the claimed signing time bound into the attributes.
	SigningTime time.Time

	// Warnings lists degraded escalation steps.
	Warnings []string
}

// SignDocument signs doc at the requested level. The envelope placeholder is
// grown and the document re-signed when the envelope does not fit, since the
// covered byte ranges move with the reservation.
func (e *Engine) SignDocument(ctx context.Context, doc []byte, req Request) (*Result, error) {
	ident := e.Store.Current()
	if ident == nil {
		return nil, ErrNoIdentity
	}

	if e.Config.Policy.SigningDeadline > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.Config.Policy.SigningDeadline)
			defer cancel()
		}
	}

	reserved := req.BytesReserved
	if reserved <= 0 {
		chainLen := 1 + len(ident.Chain)
		proofCount := 0
		if req.Level >= LevelLongTerm {
			proofCount = chainLen - 1
		}
		reserved = e.Config.EstimateReservation(chainLen, proofCount)
	}

	for attempt := 1; ; attempt++ {
		result, err := e.signOnce(ctx, doc, ident, req, reserved)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, binder.ErrEnvelopeTooLarge) || attempt >= maxReserveAttempts {
			if errors.Is(err, binder.ErrEnvelopeTooLarge) {
				return nil, fmt.Errorf("%w: %v", ErrReservationExhausted, err)
			}
			return nil, err
		}
		reserved *= 2
		e.Logger.Info("envelope outgrew reservation, re-signing",
			"attempt", attempt, "newReservation", reserved)
	}
}

type task struct {
	state       State
	prepared    *binder.PreparedDocument
	digest      []byte
	attrs       []cms.Attribute
	attrBytes   []byte
	sigValue    []byte
	envelope    []byte
	level       Level
	signingTime time.Time
	warnings    []string
}

func (e *Engine) signOnce(ctx context.Context, doc []byte, ident *identity.SigningIdentity, req Request, reserved int) (*Result, error) {
	t := &task{state: StateInitial, signingTime: e.Now().UTC()}

	opts := &cms.SignerOptions{
		Certificate: ident.Leaf,
		Chain:       ident.Chain,
		Key:         ident.Key,
		Hash:        ident.Digest,
		SigningTime: t.signingTime,
		Metadata:    &req.Metadata,
	}
	if oid := e.Config.Policy.PolicyOID; oid != "" {
		parsed, err := parseOID(oid)
		if err != nil {
			return nil, config.NewConfigError("policy.policy-oid", err.Error())
		}
		opts.PolicyOID = parsed
	}

	if err := e.computeDigest(t, doc, reserved, ident.Digest); err != nil {
		return nil, err
	}
	if err := e.buildAttributes(t, opts); err != nil {
		return nil, err
	}
	if err := e.sign(t, opts); err != nil {
		return nil, err
	}
	if err := e.escalate(ctx, t, ident, req.Level); err != nil {
		return nil, err
	}
	if err := e.finalize(t); err != nil {
		return nil, err
	}

	e.Logger.Info("document signed",
		"level", t.level.String(),
		"subject", ident.Leaf.Subject.CommonName,
		"documentID", req.Metadata.DocumentID,
		"warnings", len(t.warnings))

	return &Result{
		Document:    t.prepared.Data,
		Envelope:    t.envelope,
		Level:       t.level,
		SigningTime: t.signingTime,
		Warnings:    t.warnings,
	}, nil
}

// computeDigest reserves the signature field and hashes the covered byte
// ranges, so the digest is independent of the eventual envelope size.
func (e *Engine) computeDigest(t *task, doc []byte, reserved int, h crypto.Hash) error {
	if t.state != StateInitial {
		return fmt.Errorf("%w: digest in state %s", ErrInvalidTransition, t.state)
	}
	if !e.Config.DigestAllowed(digestName(h)) {
		return fmt.Errorf("%w: %s", config.ErrInvalidDigest, digestName(h))
	}

	prepared, err := binder.Reserve(doc, reserved)
	if err != nil {
		return err
	}
	covered, err := prepared.SignedBytes()
	if err != nil {
		return err
	}

	hasher := h.New()
	hasher.Write(covered)

	t.prepared = prepared
	t.digest = hasher.Sum(nil)
	t.state = StateDigestComputed
	return nil
}

func (e *Engine) buildAttributes(t *task, opts *cms.SignerOptions) error {
	if t.state != StateDigestComputed {
		return fmt.Errorf("%w: attributes in state %s", ErrInvalidTransition, t.state)
	}

	attrs, attrBytes, err := cms.BuildSignedAttributes(t.digest, opts)
	if err != nil {
		return err
	}
	t.attrs = attrs
	t.attrBytes = attrBytes
	t.state = StateAttributesBuilt
	return nil
}

func (e *Engine) sign(t *task, opts *cms.SignerOptions) error {
	if t.state != StateAttributesBuilt {
		return fmt.Errorf("%w: sign in state %s", ErrInvalidTransition, t.state)
	}

	sigValue, err := cms.SignAttributes(t.attrBytes, opts)
	if err != nil {
		return err
	}
	envelope, err := cms.Assemble(t.attrs, sigValue, opts)
	if err != nil {
		return err
	}

	t.sigValue = sigValue
	t.envelope = envelope
	t.level = LevelBasic
	t.state = StateSigned
	return nil
}

// escalate walks the evidence ladder toward the target level. Each rung
// either succeeds, degrades with a warning, or fails when policy requires
// it. A context deadline abandons the remaining rungs the same way.
func (e *Engine) escalate(ctx context.Context, t *task, ident *identity.SigningIdentity, target Level) error {
	if t.state != StateSigned {
		return fmt.Errorf("%w: escalate in state %s", ErrInvalidTransition, t.state)
	}
	pol := e.Config.Policy

	if target >= LevelTimestamp {
		stop, err := e.deadlineCheck(ctx, t, pol.RequireTimestamp, "timestamp")
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if err := e.addTimestamp(ctx, t, ident.Digest); err != nil {
			if pol.RequireTimestamp {
				return fmt.Errorf("timestamp required by policy: %w", err)
			}
			t.warn("timestamp degraded: %v", err)
			return nil // later rungs build on the timestamp
		}
	}

	if target >= LevelLongTerm {
		stop, err := e.deadlineCheck(ctx, t, pol.RequireOCSP || pol.RequireCRL, "revocation")
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if !pol.EmbedRevocationInfo {
			t.warn("revocation embedding disabled by policy")
			return nil
		}
		if err := e.addRevocation(ctx, t, ident); err != nil {
			if errors.Is(err, ErrIdentityRevoked) {
				return err
			}
			if pol.RequireOCSP || pol.RequireCRL {
				return fmt.Errorf("revocation information required by policy: %w", err)
			}
			t.warn("revocation degraded: %v", err)
			return nil
		}
	}

	if target >= LevelLongTermArchive {
		stop, err := e.deadlineCheck(ctx, t, pol.RequireTimestamp, "archive timestamp")
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if err := e.addArchiveTimestamp(ctx, t, ident.Digest); err != nil {
			if pol.RequireTimestamp {
				return fmt.Errorf("archive timestamp required by policy: %w", err)
			}
			t.warn("archive timestamp degraded: %v", err)
		}
	}

	return nil
}

// deadlineCheck handles an expired context before an optional rung: fatal
// when policy requires the rung, otherwise the remaining rungs are skipped
// with a warning and the envelope finalizes at the achieved level.
func (e *Engine) deadlineCheck(ctx context.Context, t *task, required bool, step string) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	if required {
		return false, fmt.Errorf("%s required by policy: %w", step, ctx.Err())
	}
	t.warn("deadline reached, %s skipped", step)
	return true, nil
}

func (e *Engine) addTimestamp(ctx context.Context, t *task, h crypto.Hash) error {
	if e.TSA == nil {
		return timestamps.ErrTimestampUnavailable
	}

	hasher := h.New()
	hasher.Write(t.sigValue)
	imprint := hasher.Sum(nil)

	token, err := e.requestTokenWithRetry(ctx, imprint, h)
	if err != nil {
		return err
	}

	envelope, err := cms.AddUnsignedAttributes(t.envelope, cms.TimestampAttribute(token))
	if err != nil {
		return err
	}
	t.envelope = envelope
	t.level = LevelTimestamp
	t.state = StateTimestamped
	return nil
}

func (e *Engine) addRevocation(ctx context.Context, t *task, ident *identity.SigningIdentity) error {
	if e.Oracle == nil {
		return revocation.ErrRevocationUnavailable
	}

	chain := append([]*x509.Certificate{ident.Leaf}, ident.Chain...)
	proofs, err := e.Oracle.ProofsForChain(ctx, chain)
	if err != nil {
		return err
	}

	// A revoked certificate anywhere in the chain makes signing fail
	// closed, regardless of degradation policy.
	var crls, ocsps [][]byte
	proofIdx := 0
	for i, cert := range chain {
		if i+1 >= len(chain) {
			break
		}
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			continue
		}
		if proofIdx >= len(proofs) {
			break
		}
		proof := proofs[proofIdx]
		proofIdx++

		status, err := e.Oracle.CheckStatus(proof, cert, chain[i+1], t.signingTime)
		if err != nil {
			return err
		}
		switch status.State {
		case revocation.StateRevoked:
			return fmt.Errorf("%w: %s revoked at %s", ErrIdentityRevoked,
				cert.Subject.CommonName, status.RevokedAt.Format(time.RFC3339))
		case revocation.StateUnknown:
			t.warn("revocation status unknown for %s", cert.Subject.CommonName)
		}

		switch proof.Kind {
		case revocation.ProofOCSP:
			ocsps = append(ocsps, proof.Data)
		case revocation.ProofCRL:
			crls = append(crls, proof.Data)
		}
	}

	envelope, err := cms.AddRevocation(t.envelope, crls, ocsps)
	if err != nil {
		return err
	}
	t.envelope = envelope
	t.level = LevelLongTerm
	t.state = StateRevocationEmbedded
	return nil
}

// addArchiveTimestamp wraps the existing evidence under a fresh token. The
// imprint covers the current envelope so earlier tokens and proofs stay
// verifiable inside it.
func (e *Engine) addArchiveTimestamp(ctx context.Context, t *task, h crypto.Hash) error {
	if e.TSA == nil {
		return timestamps.ErrTimestampUnavailable
	}

	hasher := h.New()
	hasher.Write(t.envelope)
	imprint := hasher.Sum(nil)

	token, err := e.requestTokenWithRetry(ctx, imprint, h)
	if err != nil {
		return err
	}

	envelope, err := cms.AddUnsignedAttributes(t.envelope, cms.ArchiveTimestampAttribute(token))
	if err != nil {
		return err
	}
	t.envelope = envelope
	t.level = LevelLongTermArchive
	return nil
}

func (e *Engine) finalize(t *task) error {
	if t.state != StateSigned && t.state != StateTimestamped && t.state != StateRevocationEmbedded {
		return fmt.Errorf("%w: finalize in state %s", ErrInvalidTransition, t.state)
	}

	final, err := t.prepared.Embed(t.envelope)
	if err != nil {
		return err
	}
	t.prepared.Data = final
	t.state = StateFinalized
	return nil
}

// requestTokenWithRetry retries transient TSA failures with bounded backoff
// before reporting the timestamp as unavailable.
func (e *Engine) requestTokenWithRetry(ctx context.Context, imprint []byte, h crypto.Hash) ([]byte, error) {
	const attempts = 3
	delay := 500 * time.Millisecond

	var lastErr error
	for i := 1; i <= attempts; i++ {
		token, err := e.TSA.RequestToken(ctx, imprint, h)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !errors.Is(err, timestamps.ErrTimestampUnavailable) || i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", timestamps.ErrTimestampUnavailable, ctx.Err())
		case <-time.After(delay):
			delay *= 2
		}
	}
	return nil, lastErr
}

func (t *task) warn(format string, args ...interface{}) {
	t.warnings = append(t.warnings, fmt.Sprintf(format, args...))
}

func digestName(h crypto.Hash) string {
	switch h {
	case crypto.SHA384:
		return "sha384"
	case crypto.SHA512:
		return "sha512"
	default:
		return strings.ToLower(h.String())
	}
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid OID component %q", p)
		}
		oid = append(oid, n)
	}
	return oid, nil
}
