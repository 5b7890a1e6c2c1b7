// Package identity owns the signing identity: the leaf certificate, the
// private key handle and the chain to a trust anchor. The identity is
// loaded once, validated under the configured policy and treated as
// immutable afterwards.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/keys"
)

// Common errors
var (
	ErrCertificateInvalid = errors.New("certificate invalid")
	ErrKeyTooSmall        = errors.New("signing key below minimum size")
	ErrCertExpired        = errors.New("certificate outside validity window")
	ErrMissingKeyUsage    = errors.New("certificate missing required key usage")
	ErrMissingExtKeyUsage = errors.New("certificate missing required extended key usage")
	ErrChainBroken        = errors.New("certificate chain does not verify")
	ErrNoTrustAnchor      = errors.New("certificate chain does not terminate at a trust anchor")
	ErrKeyMismatch        = errors.New("private key does not match certificate")
	ErrUnsupportedKey     = errors.New("unsupported key type")
)

// OIDExtKeyUsageDocumentSigning is the Document Signing EKU per RFC 9336.
var OIDExtKeyUsageDocumentSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 36}

// KeyAlgorithm identifies the signature algorithm family of the signing key.
type KeyAlgorithm int

const (
	// AlgorithmUnknown is the zero value.
	AlgorithmUnknown KeyAlgorithm = iota
	// AlgorithmRSAPSS selects RSASSA-PSS signatures.
	AlgorithmRSAPSS
	// AlgorithmECDSA selects ECDSA signatures.
	AlgorithmECDSA
)

// String returns the string representation of the key algorithm.
func (a KeyAlgorithm) String() string {
	switch a {
	case AlgorithmRSAPSS:
		return "rsa-pss"
	case AlgorithmECDSA:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// SigningIdentity is the immutable signing identity. It is never serialized
// and the key handle is opaque: for token-held keys the private material
// never enters the process.
type SigningIdentity struct {
	// Leaf is the signing certificate.
	Leaf *x509.Certificate

	// Key is the private key handle.
	Key crypto.Signer

	// Chain holds the certificates from the leaf's issuer up to and
	// including the trust anchor.
	Chain []*x509.Certificate

	// Algorithm is the declared signature algorithm family.
	Algorithm KeyAlgorithm

	// Digest is the declared digest algorithm.
	Digest crypto.Hash
}

// Load reads the signing identity from the configured secrets source.
// It returns a ConfigurationError-wrapped failure if required material
// is absent.
func Load(cfg *config.Config) (*SigningIdentity, error) {
	var (
		leaf  *x509.Certificate
		key   crypto.Signer
		chain []*x509.Certificate
		err   error
	)

	switch {
	case cfg.Identity.PKCS12 != nil:
		p := cfg.Identity.PKCS12
		leaf, key, chain, err = keys.LoadPKCS12(p.PFXFile, p.PFXPassphrase)
		if err == nil && len(p.OtherCertsFiles) > 0 {
			var extra []*x509.Certificate
			extra, err = keys.LoadCertsFromPemDerFiles(p.OtherCertsFiles)
			chain = append(chain, extra...)
		}
	case cfg.Identity.PemDer != nil:
		p := cfg.Identity.PemDer
		leaf, err = keys.LoadCertFromPemDer(p.CertFile)
		if err == nil {
			key, err = keys.LoadPrivateKeyFromPemDer(p.KeyFile)
		}
		if err == nil && len(p.ChainFiles) > 0 {
			chain, err = keys.LoadCertsFromPemDerFiles(p.ChainFiles)
		}
	case cfg.Identity.PKCS11 != nil:
		p := cfg.Identity.PKCS11
		leaf, err = keys.LoadCertFromPemDer(p.CertFile)
		if err == nil {
			key, err = keys.OpenPKCS11Signer(&keys.PKCS11Config{
				ModulePath: p.ModulePath,
				TokenLabel: p.TokenLabel,
				KeyLabel:   p.KeyLabel,
				PIN:        p.PIN,
			})
		}
		if err == nil && len(p.ChainFiles) > 0 {
			chain, err = keys.LoadCertsFromPemDerFiles(p.ChainFiles)
		}
	default:
		return nil, config.NewConfigError("identity", "no identity source configured")
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigurationError, err)
	}

	return New(leaf, key, chain)
}

// New builds a SigningIdentity from loose material, deriving the algorithm
// family from the key type.
func New(leaf *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) (*SigningIdentity, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, err
	}
	return &SigningIdentity{
		Leaf:      leaf,
		Key:       key,
		Chain:     chain,
		Algorithm: alg,
		Digest:    crypto.SHA512,
	}, nil
}

func algorithmFor(key crypto.Signer) (KeyAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return AlgorithmRSAPSS, nil
	case *ecdsa.PublicKey:
		return AlgorithmECDSA, nil
	default:
		return AlgorithmUnknown, fmt.Errorf("%w: %T", ErrUnsupportedKey, key.Public())
	}
}

// Validate enforces the load-time policy. Any failure is fatal: the process
// must not be able to sign with an invalid identity.
func (id *SigningIdentity) Validate(pol config.Policy, anchors []string, now time.Time) error {
	if id.Leaf == nil || id.Key == nil {
		return fmt.Errorf("%w: identity is incomplete", ErrCertificateInvalid)
	}

	if err := id.checkKeySize(pol.MinKeySize); err != nil {
		return err
	}

	if now.Before(id.Leaf.NotBefore) || now.After(id.Leaf.NotAfter) {
		return fmt.Errorf("%w: not valid at %s (window %s to %s)",
			ErrCertExpired, now.Format(time.RFC3339),
			id.Leaf.NotBefore.Format(time.RFC3339), id.Leaf.NotAfter.Format(time.RFC3339))
	}

	if id.Leaf.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) == 0 {
		return fmt.Errorf("%w: digitalSignature or nonRepudiation required", ErrMissingKeyUsage)
	}

	if !hasSigningEKU(id.Leaf) {
		return fmt.Errorf("%w: document or code signing EKU required", ErrMissingExtKeyUsage)
	}

	if !keyMatchesCertificate(id.Key, id.Leaf) {
		return ErrKeyMismatch
	}

	return ValidateChainAt(append([]*x509.Certificate{id.Leaf}, id.Chain...), anchors, now)
}

func (id *SigningIdentity) checkKeySize(minBits int) error {
	switch pub := id.Key.Public().(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < minBits {
			return fmt.Errorf("%w: RSA %d < %d bits", ErrKeyTooSmall, pub.N.BitLen(), minBits)
		}
	case *ecdsa.PublicKey:
		// Curve strength is not comparable to RSA modulus size; require
		// at least P-256.
		if pub.Curve.Params().BitSize < 256 {
			return fmt.Errorf("%w: ECDSA curve %s", ErrKeyTooSmall, pub.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return nil
}

func hasSigningEKU(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageCodeSigning || eku == x509.ExtKeyUsageAny {
			return true
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDExtKeyUsageDocumentSigning) {
			return true
		}
	}
	return false
}

func keyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		certPub, ok := cert.PublicKey.(*rsa.PublicKey)
		return ok && certPub.Equal(pub)
	case *ecdsa.PublicKey:
		certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		return ok && certPub.Equal(pub)
	default:
		return false
	}
}

// ValidateChainAt walks the chain leaf-first, verifying each certificate's
// signature against its successor and each validity window at the given
// time, and requires the terminal certificate to match one of the anchor
// fingerprints. Historic times are accepted so long-expired chains remain
// verifiable.
func ValidateChainAt(chain []*x509.Certificate, anchors []string, at time.Time) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrChainBroken)
	}

	for i, cert := range chain {
		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			return fmt.Errorf("%w: %q not valid at %s", ErrCertExpired,
				cert.Subject.CommonName, at.Format(time.RFC3339))
		}

		if i+1 < len(chain) {
			if err := cert.CheckSignatureFrom(chain[i+1]); err != nil {
				return fmt.Errorf("%w: %q not signed by %q: %v", ErrChainBroken,
					cert.Subject.CommonName, chain[i+1].Subject.CommonName, err)
			}
			continue
		}

		// Terminal certificate: must be self-signed and anchored.
		if err := cert.CheckSignatureFrom(cert); err != nil {
			return fmt.Errorf("%w: terminal certificate %q is not self-signed: %v",
				ErrChainBroken, cert.Subject.CommonName, err)
		}
		if !isAnchored(cert, anchors) {
			return fmt.Errorf("%w: %q (%s)", ErrNoTrustAnchor,
				cert.Subject.CommonName, Fingerprint(cert))
		}
	}

	return nil
}

func isAnchored(cert *x509.Certificate, anchors []string) bool {
	fp := Fingerprint(cert)
	for _, a := range anchors {
		if a == fp {
			return true
		}
	}
	return false
}

// Fingerprint returns the lowercase hex SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
