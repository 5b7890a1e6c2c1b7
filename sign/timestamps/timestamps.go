// Package timestamps provides RFC 3161 timestamp support: requesting tokens
// from a TSA and validating tokens bound to a signature value.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"
)

// OIDs for timestamp structures
var (
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Common errors
var (
	ErrTimestampUnavailable = errors.New("timestamp unavailable")
	ErrTimestampRejected    = errors.New("timestamp request rejected")
	ErrInvalidTimestamp     = errors.New("invalid timestamp token")
	ErrImprintMismatch      = errors.New("timestamp message imprint mismatch")
	ErrNonceMismatch        = errors.New("timestamp nonce mismatch")
)

// maxResponseSize bounds TSA responses.
const maxResponseSize = 1 << 20

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the data to timestamp.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq represents a timestamp request (RFC 3161).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
}

// TimeStampResp represents a timestamp response (RFC 3161).
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo represents the status of a PKI operation.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Client obtains timestamp tokens from an RFC 3161 TSA over HTTP.
type Client struct {
	// URL is the TSA endpoint.
	URL string

	// HTTPClient is the client used for requests.
	HTTPClient *http.Client

	// Policy is an optional TSA policy OID to request.
	Policy asn1.ObjectIdentifier

	// Logger receives request diagnostics. Token contents are never logged.
	Logger *slog.Logger

	// Username and Password enable basic authentication when set.
	Username string
	Password string
}

// NewClient creates a TSA client with a bounded request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     slog.Default(),
	}
}

// RequestToken obtains a token binding the given message imprint, which must
// be the hash of the signature value the token accompanies. The nonce echo
// and imprint are validated before the token is returned.
func (c *Client) RequestToken(ctx context.Context, imprint []byte, h crypto.Hash) ([]byte, error) {
	hashOID, err := hashOID(h)
	if err != nil {
		return nil, err
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}

	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  hashOID,
				Parameters: asn1.RawValue{Tag: 5}, // NULL
			},
			HashedMessage: imprint,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	if len(c.Policy) > 0 {
		req.ReqPolicy = c.Policy
	}

	reqBytes, err := asn1.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp request: %w", err)
	}

	respBytes, err := c.post(ctx, reqBytes)
	if err != nil {
		c.Logger.Warn("timestamp request failed", "tsa", c.URL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTimestampUnavailable, err)
	}

	token, tstInfo, err := parseResponse(respBytes)
	if err != nil {
		return nil, err
	}

	if tstInfo.Nonce == nil || tstInfo.Nonce.Cmp(nonce) != 0 {
		return nil, ErrNonceMismatch
	}
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, imprint) {
		return nil, ErrImprintMismatch
	}

	c.Logger.Debug("timestamp token obtained", "tsa", c.URL, "genTime", tstInfo.GenTime)
	return token, nil
}

func (c *Client) post(ctx context.Context, reqBytes []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}

func parseResponse(respBytes []byte) ([]byte, *TSTInfo, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respBytes, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	// 0 = granted, 1 = grantedWithMods
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected,
			resp.Status.Status, resp.Status.StatusString)
	}

	token := resp.TimeStampToken.FullBytes
	tstInfo, err := ExtractTSTInfo(token)
	if err != nil {
		return nil, nil, err
	}
	return token, tstInfo, nil
}

// ExtractTSTInfo extracts the TSTInfo from a timestamp token.
func ExtractTSTInfo(token []byte) (*TSTInfo, error) {
	sd, err := parseTokenSignedData(token)
	if err != nil {
		return nil, err
	}

	if !sd.EncapContentInfo.ContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: unexpected content type %v", ErrInvalidTimestamp,
			sd.EncapContentInfo.ContentType)
	}

	// The encapsulated content is an OCTET STRING wrapping the TSTInfo DER.
	content := sd.EncapContentInfo.Content.Bytes
	var inner []byte
	if _, err := asn1.Unmarshal(content, &inner); err == nil {
		content = inner
	}

	var tstInfo TSTInfo
	if _, err := asn1.Unmarshal(content, &tstInfo); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidTimestamp, err)
	}
	return &tstInfo, nil
}

// GetGenTime returns the generation time from a timestamp token.
func GetGenTime(token []byte) (time.Time, error) {
	tstInfo, err := ExtractTSTInfo(token)
	if err != nil {
		return time.Time{}, err
	}
	return tstInfo.GenTime, nil
}

// VerifyToken checks that a token's message imprint matches the expected
// imprint, that the TSA's signature binds the encapsulated TSTInfo, and that
// the embedded TSA chain is internally consistent. When anchors are given,
// the TSA certificate must additionally chain to one of them.
func VerifyToken(token []byte, expectedImprint []byte, anchors ...*x509.Certificate) error {
	tstInfo, err := ExtractTSTInfo(token)
	if err != nil {
		return err
	}
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, expectedImprint) {
		return ErrImprintMismatch
	}
	return verifyTokenSignature(token, anchors)
}

// tokenSignedData mirrors the parts of the token's SignedData needed for
// validation; signed attributes are kept raw.
type tokenSignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
	}
	Certificates []asn1.RawValue   `asn1:"optional,implicit,tag:0,set"`
	CRLs         []asn1.RawValue   `asn1:"optional,implicit,tag:1,set"`
	SignerInfos  []tokenSignerInfo `asn1:"set"`
}

type tokenSignerInfo struct {
	Version            int
	SID                issuerAndSerial
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

func parseTokenSignedData(token []byte) (*tokenSignedData, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(token, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: token is not SignedData", ErrInvalidTimestamp)
	}

	var sd tokenSignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer info", ErrInvalidTimestamp)
	}
	return &sd, nil
}

func verifyTokenSignature(token []byte, anchors []*x509.Certificate) error {
	sd, err := parseTokenSignedData(token)
	if err != nil {
		return err
	}
	si := sd.SignerInfos[0]

	var certs []*x509.Certificate
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err == nil {
			certs = append(certs, cert)
		}
	}

	var signer *x509.Certificate
	for _, cert := range certs {
		if si.SID.SerialNumber != nil &&
			cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, si.SID.Issuer.FullBytes) {
			signer = cert
			break
		}
	}
	if signer == nil {
		return fmt.Errorf("%w: TSA certificate not embedded", ErrInvalidTimestamp)
	}
	if !hasTimeStampingEKU(signer) {
		return fmt.Errorf("%w: TSA certificate lacks the time-stamping key usage", ErrInvalidTimestamp)
	}

	h, err := hashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	if len(si.SignedAttrs.FullBytes) == 0 {
		return fmt.Errorf("%w: token has no signed attributes", ErrInvalidTimestamp)
	}
	attrBytes := make([]byte, len(si.SignedAttrs.FullBytes))
	copy(attrBytes, si.SignedAttrs.FullBytes)
	attrBytes[0] = 0x31 // SET tag

	// The signature only covers the attributes, so the attributes must in
	// turn bind the encapsulated TSTInfo: the content-type attribute names
	// it and the message-digest attribute carries its hash.
	contentType, messageDigest, err := parseSignedAttributes(attrBytes)
	if err != nil {
		return err
	}
	if !contentType.Equal(OIDTSTInfo) {
		return fmt.Errorf("%w: signed content-type attribute is not TSTInfo", ErrInvalidTimestamp)
	}
	content := sd.EncapContentInfo.Content.Bytes
	var innerContent []byte
	if _, err := asn1.Unmarshal(content, &innerContent); err == nil {
		content = innerContent
	}
	contentHasher := newHasher(h)
	contentHasher.Write(content)
	if !bytes.Equal(contentHasher.Sum(nil), messageDigest) {
		return fmt.Errorf("%w: message-digest attribute does not match the TSTInfo", ErrInvalidTimestamp)
	}

	hasher := newHasher(h)
	hasher.Write(attrBytes)
	digest := hasher.Sum(nil)

	switch pub := signer.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, h, digest, si.Signature); err != nil {
			if errPSS := rsa.VerifyPSS(pub, h, digest, si.Signature, nil); errPSS != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
			}
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, si.Signature) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrInvalidTimestamp)
		}
	default:
		return fmt.Errorf("%w: unsupported TSA key %T", ErrInvalidTimestamp, pub)
	}

	// Internal chain consistency: each embedded certificate must be signed
	// by another embedded certificate or be self-signed.
	for _, cert := range certs {
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			continue
		}
		for _, issuer := range certs {
			if issuer == cert {
				continue
			}
			if bytes.Equal(issuer.RawSubject, cert.RawIssuer) {
				if err := cert.CheckSignatureFrom(issuer); err != nil {
					return fmt.Errorf("%w: TSA chain: %v", ErrInvalidTimestamp, err)
				}
				break
			}
		}
	}

	if len(anchors) > 0 && !chainsToAnchor(signer, certs, anchors) {
		return fmt.Errorf("%w: TSA does not chain to a pinned anchor", ErrInvalidTimestamp)
	}

	return nil
}

type tokenAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// parseSignedAttributes decodes the SET-tagged signed attributes and returns
// the content-type and message-digest values, both of which are mandatory.
func parseSignedAttributes(attrBytes []byte) (asn1.ObjectIdentifier, []byte, error) {
	var attrs []tokenAttribute
	if _, err := asn1.UnmarshalWithParams(attrBytes, &attrs, "set"); err != nil {
		return nil, nil, fmt.Errorf("%w: bad signed attributes: %v", ErrInvalidTimestamp, err)
	}

	var contentType asn1.ObjectIdentifier
	var messageDigest []byte
	for _, attr := range attrs {
		if len(attr.Values) == 0 {
			continue
		}
		switch {
		case attr.Type.Equal(OIDContentType):
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &contentType); err != nil {
				return nil, nil, fmt.Errorf("%w: bad content-type attribute: %v", ErrInvalidTimestamp, err)
			}
		case attr.Type.Equal(OIDMessageDigest):
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &messageDigest); err != nil {
				return nil, nil, fmt.Errorf("%w: bad message-digest attribute: %v", ErrInvalidTimestamp, err)
			}
		}
	}
	if contentType == nil {
		return nil, nil, fmt.Errorf("%w: missing content-type attribute", ErrInvalidTimestamp)
	}
	if messageDigest == nil {
		return nil, nil, fmt.Errorf("%w: missing message-digest attribute", ErrInvalidTimestamp)
	}
	return contentType, messageDigest, nil
}

func hasTimeStampingEKU(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageTimeStamping || eku == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}

// chainsToAnchor walks from signer through the embedded certificates and
// reports whether the path reaches, or is signed by, one of the anchors.
func chainsToAnchor(signer *x509.Certificate, embedded, anchors []*x509.Certificate) bool {
	cert := signer
	for depth := 0; depth <= len(embedded); depth++ {
		for _, anchor := range anchors {
			if bytes.Equal(cert.Raw, anchor.Raw) {
				return true
			}
			if bytes.Equal(cert.RawIssuer, anchor.RawSubject) && cert.CheckSignatureFrom(anchor) == nil {
				return true
			}
		}
		if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			return false
		}
		var issuer *x509.Certificate
		for _, candidate := range embedded {
			if candidate != cert && bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
				issuer = candidate
				break
			}
		}
		if issuer == nil {
			return false
		}
		cert = issuer
	}
	return false
}

func hashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, fmt.Errorf("%w: hash %v", ErrInvalidTimestamp, h)
	}
}

func hashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: digest %v", ErrInvalidTimestamp, oid)
	}
}

func newHasher(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}
