// Package config provides YAML configuration for the signing and
// verification engines.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidOID           = errors.New("invalid OID")
	ErrInvalidFingerprint   = errors.New("invalid trust anchor fingerprint")
	ErrInvalidDigest        = errors.New("digest algorithm not permitted")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// fingerprintRegex matches a hex-encoded SHA-256 fingerprint, with or
// without colon separators.
var fingerprintRegex = regexp.MustCompile(`^([0-9a-fA-F]{2}:?){31}[0-9a-fA-F]{2}$`)

// ConfigError represents a configuration error with field context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// IdentityConfig describes where the signing identity is loaded from.
// Exactly one of PKCS12, PemDer or PKCS11 must be set.
type IdentityConfig struct {
	// PKCS12 configures loading from a PKCS#12 file.
	PKCS12 *PKCS12Config `yaml:"pkcs12"`

	// PemDer configures loading from PEM/DER files.
	PemDer *PemDerConfig `yaml:"pemder"`

	// PKCS11 configures a token-held key.
	PKCS11 *PKCS11Config `yaml:"pkcs11"`
}

// PKCS12Config configures loading the identity from a PKCS#12 file.
type PKCS12Config struct {
	// PFXFile is the path to the PKCS#12 file.
	PFXFile string `yaml:"pfx-file"`

	// PFXPassphrase is the PKCS#12 passphrase.
	PFXPassphrase string `yaml:"pfx-passphrase"`

	// OtherCertsFiles are paths to additional chain certificate files.
	OtherCertsFiles []string `yaml:"other-certs"`
}

// PemDerConfig configures loading the identity from PEM/DER files.
type PemDerConfig struct {
	// CertFile is the path to the signing certificate.
	CertFile string `yaml:"cert-file"`

	// KeyFile is the path to the private key.
	KeyFile string `yaml:"key-file"`

	// ChainFiles are paths to the chain certificates, leaf-first order
	// excluded (the leaf comes from CertFile).
	ChainFiles []string `yaml:"chain-files"`
}

// PKCS11Config configures a PKCS#11 token-held signing key.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library.
	ModulePath string `yaml:"module-path"`

	// TokenLabel identifies the token.
	TokenLabel string `yaml:"token-label"`

	// KeyLabel identifies the signing key on the token.
	KeyLabel string `yaml:"key-label"`

	// PIN is the user PIN.
	PIN string `yaml:"pin"`

	// CertFile is the path to the signing certificate matching the key.
	CertFile string `yaml:"cert-file"`

	// ChainFiles are paths to the chain certificates.
	ChainFiles []string `yaml:"chain-files"`
}

// Policy contains the enforcement flags and limits applied at signing and
// verification time.
type Policy struct {
	// MinKeySize is the minimum RSA modulus size in bits. ECDSA keys are
	// measured by curve size.
	MinKeySize int `yaml:"min-key-size"`

	// AllowedDigests lists permitted digest algorithms ("sha512", "sha384").
	AllowedDigests []string `yaml:"allowed-digests"`

	// PolicyOID is the signature policy OID bound into signed attributes.
	PolicyOID string `yaml:"policy-oid"`

	// RequireOCSP makes a failed OCSP fetch fatal when signing.
	RequireOCSP bool `yaml:"require-ocsp"`

	// RequireCRL makes a failed CRL fetch fatal when signing.
	RequireCRL bool `yaml:"require-crl"`

	// RequireTimestamp makes a failed timestamp fetch fatal when signing.
	RequireTimestamp bool `yaml:"require-timestamp"`

	// EmbedRevocationInfo controls whether revocation proofs are embedded
	// in the envelope for long-term levels.
	EmbedRevocationInfo bool `yaml:"embed-revocation-info"`

	// ProofCacheCeiling caps the revocation proof cache TTL regardless of
	// the proof's nextUpdate.
	ProofCacheCeiling time.Duration `yaml:"proof-cache-ceiling"`

	// NetworkTimeout bounds each OCSP/CRL/TSA request.
	NetworkTimeout time.Duration `yaml:"network-timeout"`

	// SigningDeadline bounds an entire signing operation. Optional
	// escalation steps are abandoned when the deadline nears.
	SigningDeadline time.Duration `yaml:"signing-deadline"`
}

// Reservation controls placeholder sizing in the document binder.
type Reservation struct {
	// BaseSize is the minimum placeholder size in bytes.
	BaseSize int `yaml:"base-size"`

	// PerCert is the extra allowance per chain certificate.
	PerCert int `yaml:"per-cert"`

	// PerProof is the extra allowance per revocation proof.
	PerProof int `yaml:"per-proof"`
}

// Config is the root configuration for the signing engine.
type Config struct {
	// Identity describes the signing identity source.
	Identity IdentityConfig `yaml:"identity"`

	// TrustAnchors are SHA-256 fingerprints of axiomatically trusted roots.
	TrustAnchors []string `yaml:"trust-anchors"`

	// OCSPURL overrides the OCSP responder URL from the certificate AIA.
	OCSPURL string `yaml:"ocsp-url"`

	// CRLURL overrides the CRL distribution point from the certificate.
	CRLURL string `yaml:"crl-url"`

	// TSAURL is the RFC 3161 timestamp authority endpoint.
	TSAURL string `yaml:"tsa-url"`

	// Policy contains enforcement flags and limits.
	Policy Policy `yaml:"policy"`

	// Reservation controls signature placeholder sizing.
	Reservation Reservation `yaml:"reservation"`
}

// Default values applied by Load when fields are absent.
const (
	DefaultMinKeySize        = 2048
	DefaultProofCacheCeiling = 24 * time.Hour
	DefaultNetworkTimeout    = 10 * time.Second
	DefaultSigningDeadline   = 60 * time.Second
	DefaultReservationBase   = 16 * 1024
	DefaultReservationCert   = 2 * 1024
	DefaultReservationProof  = 4 * 1024
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfigurationError, path, err)
	}
	return Parse(data)
}

// Parse parses and validates configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationError, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Policy.MinKeySize == 0 {
		c.Policy.MinKeySize = DefaultMinKeySize
	}
	if len(c.Policy.AllowedDigests) == 0 {
		c.Policy.AllowedDigests = []string{"sha512", "sha384"}
	}
	if c.Policy.ProofCacheCeiling == 0 {
		c.Policy.ProofCacheCeiling = DefaultProofCacheCeiling
	}
	if c.Policy.NetworkTimeout == 0 {
		c.Policy.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.Policy.SigningDeadline == 0 {
		c.Policy.SigningDeadline = DefaultSigningDeadline
	}
	if c.Reservation.BaseSize == 0 {
		c.Reservation.BaseSize = DefaultReservationBase
	}
	if c.Reservation.PerCert == 0 {
		c.Reservation.PerCert = DefaultReservationCert
	}
	if c.Reservation.PerProof == 0 {
		c.Reservation.PerProof = DefaultReservationProof
	}
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() error {
	sources := 0
	if c.Identity.PKCS12 != nil {
		sources++
		if c.Identity.PKCS12.PFXFile == "" {
			return NewConfigError("identity.pkcs12.pfx-file", "required field is missing")
		}
	}
	if c.Identity.PemDer != nil {
		sources++
		if c.Identity.PemDer.CertFile == "" {
			return NewConfigError("identity.pemder.cert-file", "required field is missing")
		}
		if c.Identity.PemDer.KeyFile == "" {
			return NewConfigError("identity.pemder.key-file", "required field is missing")
		}
	}
	if c.Identity.PKCS11 != nil {
		sources++
		if c.Identity.PKCS11.ModulePath == "" {
			return NewConfigError("identity.pkcs11.module-path", "required field is missing")
		}
		if c.Identity.PKCS11.CertFile == "" {
			return NewConfigError("identity.pkcs11.cert-file", "required field is missing")
		}
	}
	if sources != 1 {
		return NewConfigError("identity", fmt.Sprintf("exactly one identity source must be configured, found %d", sources))
	}

	if len(c.TrustAnchors) == 0 {
		return NewConfigError("trust-anchors", "at least one trust anchor fingerprint is required")
	}
	for i, fp := range c.TrustAnchors {
		if !fingerprintRegex.MatchString(fp) {
			return &ConfigError{
				Field:   fmt.Sprintf("trust-anchors[%d]", i),
				Message: fmt.Sprintf("not a SHA-256 fingerprint: %q", fp),
				Err:     ErrInvalidFingerprint,
			}
		}
	}

	if c.Policy.PolicyOID != "" && !OIDRegex.MatchString(c.Policy.PolicyOID) {
		return &ConfigError{
			Field:   "policy.policy-oid",
			Message: fmt.Sprintf("not an OID: %q", c.Policy.PolicyOID),
			Err:     ErrInvalidOID,
		}
	}

	for i, d := range c.Policy.AllowedDigests {
		switch strings.ToLower(d) {
		case "sha512", "sha384":
		default:
			return &ConfigError{
				Field:   fmt.Sprintf("policy.allowed-digests[%d]", i),
				Message: fmt.Sprintf("unsupported digest %q (sha512 and sha384 only)", d),
				Err:     ErrInvalidDigest,
			}
		}
	}

	return nil
}

// NormalizedAnchors returns the trust anchor fingerprints lowercased with
// colon separators stripped.
func (c *Config) NormalizedAnchors() []string {
	out := make([]string, len(c.TrustAnchors))
	for i, fp := range c.TrustAnchors {
		out[i] = strings.ToLower(strings.ReplaceAll(fp, ":", ""))
	}
	return out
}

// DigestAllowed reports whether the named digest algorithm is permitted.
func (c *Config) DigestAllowed(name string) bool {
	name = strings.ToLower(name)
	for _, d := range c.Policy.AllowedDigests {
		if strings.ToLower(d) == name {
			return true
		}
	}
	return false
}

// EstimateReservation sizes a placeholder from the chain length and the
// expected number of revocation proofs.
func (c *Config) EstimateReservation(chainLen, proofCount int) int {
	return c.Reservation.BaseSize + chainLen*c.Reservation.PerCert + proofCount*c.Reservation.PerProof
}
