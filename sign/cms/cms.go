// Package cms builds and parses CMS (Cryptographic Message Syntax)
// SignedData envelopes for detached document signatures.
package cms

import (
	"bytes"
	"crypto"
	"crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// Digest algorithms
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDSignaturePolicyID    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 15}

	// OIDDocumentMetadata binds issuing metadata (document id, type, office,
	// security level) into the signed attribute set.
	OIDDocumentMetadata = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58290, 1, 1}

	// Unsigned attributes
	OIDSignatureTimeStamp = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDRevocationValues   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 24}
	OIDArchiveTimeStampV3 = asn1.ObjectIdentifier{0, 4, 0, 1733, 2, 4}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrDigestMismatch       = errors.New("message digest mismatch")
	ErrNotSignedData        = errors.New("not a CMS SignedData structure")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure. SignedAttrs inside
// SignerInfo is kept raw so re-encoding never disturbs signed bytes.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1,set"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content. For detached
// signatures EContent is absent.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information. SID is IssuerAndSerialNumber
// directly because SignerIdentifier is an ASN.1 CHOICE, not a SEQUENCE.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the ESS signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// DocumentMetadata is the issuing metadata bound into the signed attribute
// set. Any change to these fields after signing invalidates the signature.
type DocumentMetadata struct {
	DocumentID    string `asn1:"utf8"`
	DocumentType  string `asn1:"utf8"`
	IssuingOffice string `asn1:"utf8"`
	SecurityLevel int
}

// RevocationValues carries embedded revocation material in an unsigned
// attribute: raw CRLs and raw OCSP responses.
type RevocationValues struct {
	CRLVals  []asn1.RawValue `asn1:"optional,explicit,tag:0"`
	OCSPVals []asn1.RawValue `asn1:"optional,explicit,tag:1"`
}

// setTagByte and implicitTag0Byte: signedAttrs travel on the wire under
// IMPLICIT [0] (0xA0) but are digested under their SET tag (0x31),
// per RFC 5652 section 5.4.
const (
	setTagByte       = byte(0x31)
	implicitTag0Byte = byte(0xA0)
)

// HashOID returns the digest algorithm OID for a crypto.Hash. Only SHA-512
// and SHA-384 are permitted.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA512:
		return OIDSHA512, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	default:
		return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
	}
}

// HashFromOID returns the crypto.Hash for a digest algorithm OID.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}

func newHasher(h crypto.Hash) hash.Hash {
	if h == crypto.SHA384 {
		return sha512.New384()
	}
	return sha512.New()
}

// derSortAttributes sorts attributes by their DER encoding so the marshaled
// SET matches DER ordering.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	withDER := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		withDER[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(withDER, func(i, j int) bool {
		return bytes.Compare(withDER[i].der, withDER[j].der) < 0
	})
	result := make([]Attribute, len(attrs))
	for i, a := range withDER {
		result[i] = a.attr
	}
	return result
}

// FindAttribute returns the first attribute of the given type, or false.
func FindAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (Attribute, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(oid) {
			return attr, true
		}
	}
	return Attribute{}, false
}

// TimestampAttribute wraps an RFC 3161 token as the signature-time-stamp
// unsigned attribute.
func TimestampAttribute(token []byte) Attribute {
	return Attribute{
		Type:   OIDSignatureTimeStamp,
		Values: []asn1.RawValue{{FullBytes: token}},
	}
}

// ArchiveTimestampAttribute wraps an RFC 3161 token as an archive timestamp
// unsigned attribute. Multiple archive timestamps may accumulate over time;
// earlier ones are never replaced.
func ArchiveTimestampAttribute(token []byte) Attribute {
	return Attribute{
		Type:   OIDArchiveTimeStampV3,
		Values: []asn1.RawValue{{FullBytes: token}},
	}
}

// RevocationValuesAttribute wraps raw CRLs and OCSP responses as the
// revocation-values unsigned attribute.
func RevocationValuesAttribute(crls, ocsps [][]byte) (Attribute, error) {
	rv := RevocationValues{}
	for _, c := range crls {
		rv.CRLVals = append(rv.CRLVals, asn1.RawValue{FullBytes: c})
	}
	for _, o := range ocsps {
		rv.OCSPVals = append(rv.OCSPVals, asn1.RawValue{FullBytes: o})
	}
	der, err := asn1.Marshal(rv)
	if err != nil {
		return Attribute{}, fmt.Errorf("failed to marshal revocation values: %w", err)
	}
	return Attribute{
		Type:   OIDRevocationValues,
		Values: []asn1.RawValue{{FullBytes: der}},
	}, nil
}

// attributeTime extracts a time value from an attribute.
func attributeTime(attr Attribute) (time.Time, error) {
	var t time.Time
	if len(attr.Values) == 0 {
		return t, errors.New("empty attribute")
	}
	if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &t); err != nil {
		return t, err
	}
	return t, nil
}
