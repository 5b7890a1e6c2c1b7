// Package verify recomputes and checks signed documents, producing a
// structured report. Verification always completes: an invalid or mangled
// document yields findings in the report, never an error.
package verify

import (
	"context"
	_ "crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/georgepadayatti/docsign/binder"
	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/identity"
	"github.com/georgepadayatti/docsign/revocation"
	"github.com/georgepadayatti/docsign/sign/cms"
	"github.com/georgepadayatti/docsign/sign/engine"
	"github.com/georgepadayatti/docsign/sign/timestamps"
)

// Issue codes reported during verification.
const (
	CodeNoSignaturePresent = "NoSignaturePresent"
	CodeMalformedEnvelope  = "MalformedEnvelope"
	CodeDigestMismatch     = "DigestMismatch"
	CodeSignatureInvalid   = "SignatureInvalid"
	CodeChainInvalid       = "ChainInvalid"
	CodeRevoked            = "Revoked"
	CodeRevocationUnknown  = "RevocationUnknown"
	CodeTimestampInvalid   = "TimestampInvalid"
	CodeUnsupportedDigest  = "UnsupportedDigest"
)

// Issue is one verification finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignerInfo identifies the signer as embedded in the envelope.
type SignerInfo struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
	Serial  string `json:"serial"`
}

// SignatureReport is the verification outcome for one signature field.
type SignatureReport struct {
	// Valid is the aggregate verdict for this signature.
	Valid bool `json:"valid"`

	// SignatureValid means the digest matched and the cryptographic
	// signature verified.
	SignatureValid bool `json:"signatureValid"`

	// CertificateValid means the embedded chain reached a trust anchor and
	// was within its validity windows at the signing time.
	CertificateValid bool `json:"certificateValid"`

	// TimestampPresent and TimestampValid describe the RFC 3161 token.
	TimestampPresent bool `json:"timestampPresent"`
	TimestampValid   bool `json:"timestampValid"`

	// Revoked means a revocation proof positively asserted revocation
	// before the signing time.
	Revoked bool `json:"revoked"`

	// RevocationChecked means at least one proof was evaluated.
	RevocationChecked bool `json:"revocationChecked"`

	// Level is the evidence level recovered from the envelope.
	Level string `json:"level"`

	// Signer identifies the signing certificate.
	Signer SignerInfo `json:"signer"`

	// SigningTime is the authoritative signing time: the timestamp token's
	// time when present and valid, the claimed attribute otherwise.
	SigningTime time.Time `json:"signingTime"`

	// Metadata is the bound document metadata, if present.
	Metadata *cms.DocumentMetadata `json:"metadata,omitempty"`

	// Issues lists this signature's findings.
	Issues []Issue `json:"issues"`
}

// Report is the verification outcome for a whole document.
type Report struct {
	// Valid means every signature field verified.
	Valid bool `json:"valid"`

	// Signatures holds one report per signature field, in field order.
	Signatures []SignatureReport `json:"signatures"`

	// Issues lists document-level findings.
	Issues []Issue `json:"issues"`
}

// Verifier checks signed documents against a trust configuration.
type Verifier struct {
	// Anchors are the normalized trust anchor fingerprints.
	Anchors []string

	// Oracle, when non-nil, is used for a live revocation check when an
	// envelope embeds no proofs.
	Oracle *revocation.Oracle

	// AllowUntimestamped permits a valid verdict for signatures without a
	// timestamp token.
	AllowUntimestamped bool

	// TSAAnchors, when set, pins timestamp tokens to TSAs chaining to one of
	// these certificates.
	TSAAnchors []*x509.Certificate

	// Logger receives verification diagnostics.
	Logger *slog.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

// New constructs a verifier from the trust configuration. The oracle may be
// nil to disable live revocation fallback.
func New(cfg *config.Config, oracle *revocation.Oracle) *Verifier {
	return &Verifier{
		Anchors:            cfg.NormalizedAnchors(),
		Oracle:             oracle,
		AllowUntimestamped: !cfg.Policy.RequireTimestamp,
		Logger:             slog.Default(),
		Now:                time.Now,
	}
}

// Verify checks every signature field in doc. It is read-only and safe to
// call concurrently for independent documents.
func (v *Verifier) Verify(ctx context.Context, doc []byte) *Report {
	report := &Report{}

	sigs, err := binder.Extract(doc)
	if err != nil {
		code := CodeMalformedEnvelope
		if errors.Is(err, binder.ErrNoSignatureField) {
			code = CodeNoSignaturePresent
		}
		report.Issues = append(report.Issues, Issue{Code: code, Message: err.Error()})
		return report
	}

	report.Valid = true
	for i := range sigs {
		sigReport := v.verifyOne(ctx, doc, &sigs[i])
		report.Signatures = append(report.Signatures, *sigReport)
		if !sigReport.Valid {
			report.Valid = false
		}
	}

	v.Logger.Info("document verified",
		"signatures", len(report.Signatures), "valid", report.Valid)
	return report
}

func (v *Verifier) verifyOne(ctx context.Context, doc []byte, embedded *binder.EmbeddedSignature) *SignatureReport {
	report := &SignatureReport{Level: engine.LevelBasic.String()}

	sig, err := cms.Parse(embedded.Envelope)
	if err != nil {
		report.addIssue(CodeMalformedEnvelope, err.Error())
		return report
	}

	report.Signer = SignerInfo{
		Subject: sig.SignerCert.Subject.String(),
		Issuer:  sig.SignerCert.Issuer.String(),
		Serial:  sig.SignerCert.SerialNumber.String(),
	}
	report.SigningTime = sig.SigningTime
	report.Metadata = sig.Metadata
	report.Level = recoveredLevel(sig).String()

	report.SignatureValid = v.checkSignature(report, sig, doc, embedded)
	validationTime := v.checkTimestamp(report, sig)
	report.CertificateValid = v.checkChain(report, sig, validationTime)
	v.checkRevocation(ctx, report, sig, validationTime)

	report.Valid = report.SignatureValid &&
		report.CertificateValid &&
		!report.Revoked &&
		(report.TimestampValid || (!report.TimestampPresent && v.AllowUntimestamped))
	return report
}

// checkSignature recomputes the document digest over the declared byte
// ranges and verifies the cryptographic signature.
func (v *Verifier) checkSignature(report *SignatureReport, sig *cms.Signature, doc []byte, embedded *binder.EmbeddedSignature) bool {
	h, err := cms.HashFromOID(sig.DigestAlgorithm)
	if err != nil {
		report.addIssue(CodeUnsupportedDigest, err.Error())
		return false
	}

	covered, err := embedded.SignedBytes(doc)
	if err != nil {
		report.addIssue(CodeMalformedEnvelope, err.Error())
		return false
	}
	hasher := h.New()
	hasher.Write(covered)

	ok := true
	if err := sig.VerifyMessageDigest(hasher.Sum(nil)); err != nil {
		report.addIssue(CodeDigestMismatch, "document content altered after signing")
		ok = false
	}
	if err := sig.VerifySignature(); err != nil {
		report.addIssue(CodeSignatureInvalid, err.Error())
		ok = false
	}
	return ok
}

// checkTimestamp validates the token and returns the authoritative time for
// the chain and revocation checks. A valid token's time outranks the
// unsigned claimed signing time.
func (v *Verifier) checkTimestamp(report *SignatureReport, sig *cms.Signature) time.Time {
	validationTime := sig.SigningTime
	if validationTime.IsZero() {
		validationTime = v.Now()
	}

	if len(sig.TimestampToken) == 0 {
		return validationTime
	}
	report.TimestampPresent = true

	h, err := cms.HashFromOID(sig.DigestAlgorithm)
	if err != nil {
		report.addIssue(CodeTimestampInvalid, err.Error())
		return validationTime
	}
	hasher := h.New()
	hasher.Write(sig.SignatureValue)
	imprint := hasher.Sum(nil)

	if err := timestamps.VerifyToken(sig.TimestampToken, imprint, v.TSAAnchors...); err != nil {
		report.addIssue(CodeTimestampInvalid, err.Error())
		return validationTime
	}
	genTime, err := timestamps.GetGenTime(sig.TimestampToken)
	if err != nil {
		report.addIssue(CodeTimestampInvalid, err.Error())
		return validationTime
	}

	report.TimestampValid = true
	report.SigningTime = genTime
	return genTime
}

// checkChain validates certificate validity windows at the signing time, not
// at verification time, so historically expired certificates remain
// verifiable.
func (v *Verifier) checkChain(report *SignatureReport, sig *cms.Signature, at time.Time) bool {
	if err := identity.ValidateChainAt(sig.Chain, v.Anchors, at); err != nil {
		report.addIssue(CodeChainInvalid, err.Error())
		return false
	}
	return true
}

// checkRevocation prefers proofs embedded in the envelope; a live check of
// every non-root chain certificate is attempted only when none are embedded
// and an oracle is configured. Unreachable sources yield an Unknown finding,
// not a failure.
func (v *Verifier) checkRevocation(ctx context.Context, report *SignatureReport, sig *cms.Signature, at time.Time) {
	proofs := embeddedProofs(sig)

	if len(proofs) == 0 && v.Oracle != nil && len(sig.Chain) > 1 {
		for i := 0; i+1 < len(sig.Chain); i++ {
			cert, issuer := sig.Chain[i], sig.Chain[i+1]
			proof, err := v.Oracle.FetchProof(ctx, cert, issuer)
			if err != nil {
				report.addIssue(CodeRevocationUnknown,
					fmt.Sprintf("live check failed for %s: %v", cert.Subject.CommonName, err))
				continue
			}
			proofs = append(proofs, proof)
		}
	}
	if len(proofs) == 0 {
		report.addIssue(CodeRevocationUnknown, "no revocation information available")
		return
	}

	// Evaluate each non-root chain certificate against whichever proof
	// speaks for it.
	for i := 0; i+1 < len(sig.Chain); i++ {
		cert, issuer := sig.Chain[i], sig.Chain[i+1]

		var status *revocation.Status
		for _, proof := range proofs {
			s, err := revocation.Evaluate(proof, cert, issuer, at)
			if err != nil {
				continue // proof speaks for a different certificate
			}
			status = s
			break
		}
		if status == nil {
			report.addIssue(CodeRevocationUnknown,
				fmt.Sprintf("no proof covers %s", cert.Subject.CommonName))
			continue
		}

		report.RevocationChecked = true
		switch status.State {
		case revocation.StateRevoked:
			if !status.RevokedAt.After(at) {
				report.Revoked = true
				report.addIssue(CodeRevoked, fmt.Sprintf("%s revoked at %s",
					cert.Subject.CommonName, status.RevokedAt.Format(time.RFC3339)))
			} else {
				report.addIssue(CodeRevocationUnknown, fmt.Sprintf(
					"%s revoked after the signing time", cert.Subject.CommonName))
			}
		case revocation.StateUnknown:
			report.addIssue(CodeRevocationUnknown,
				fmt.Sprintf("revocation status unknown for %s", cert.Subject.CommonName))
		}
	}
}

func (r *SignatureReport) addIssue(code, message string) {
	r.Issues = append(r.Issues, Issue{Code: code, Message: message})
}

func recoveredLevel(sig *cms.Signature) engine.Level {
	switch {
	case len(sig.ArchiveTimestamps) > 0:
		return engine.LevelLongTermArchive
	case len(sig.OCSPResponses) > 0 || len(sig.CRLs) > 0:
		return engine.LevelLongTerm
	case len(sig.TimestampToken) > 0:
		return engine.LevelTimestamp
	default:
		return engine.LevelBasic
	}
}

func embeddedProofs(sig *cms.Signature) []*revocation.Proof {
	var proofs []*revocation.Proof
	for _, data := range sig.OCSPResponses {
		proofs = append(proofs, &revocation.Proof{Kind: revocation.ProofOCSP, Data: data})
	}
	for _, data := range sig.CRLs {
		proofs = append(proofs, &revocation.Proof{Kind: revocation.ProofCRL, Data: data})
	}
	return proofs
}
