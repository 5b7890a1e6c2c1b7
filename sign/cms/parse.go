package cms

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"
)

// Signature is a parsed envelope. SignedAttrsRaw preserves the exact bytes
// the signature was computed over.
type Signature struct {
	// Raw is the full envelope as extracted from the document.
	Raw []byte

	// SignedAttrsRaw holds the signed attributes with their wire tag.
	SignedAttrsRaw []byte

	// SignedAttrs is the decoded signed attribute list.
	SignedAttrs []Attribute

	// UnsignedAttrs is the decoded unsigned attribute list.
	UnsignedAttrs []Attribute

	// SignatureValue is the raw signature bytes.
	SignatureValue []byte

	// DigestAlgorithm is the digest OID declared by the signer.
	DigestAlgorithm asn1.ObjectIdentifier

	// SignatureAlgorithm is the signature algorithm as declared.
	SignatureAlgorithm AlgorithmIdentifier

	// Certificates are all embedded certificates.
	Certificates []*x509.Certificate

	// SignerCert is the certificate matching the signer identifier.
	SignerCert *x509.Certificate

	// Chain is the embedded chain ordered from the signer upwards.
	Chain []*x509.Certificate

	// MessageDigest is the digest bound in the signed attributes.
	MessageDigest []byte

	// SigningTime is the claimed signing time from the signed attributes.
	SigningTime time.Time

	// Metadata is the bound document metadata, if present.
	Metadata *DocumentMetadata

	// PolicyOID is the bound signature policy, if present.
	PolicyOID asn1.ObjectIdentifier

	// TimestampToken is the signature timestamp token, if present.
	TimestampToken []byte

	// ArchiveTimestamps are archive timestamp tokens, oldest first.
	ArchiveTimestamps [][]byte

	// CRLs are embedded CRLs (SignedData CRL field plus revocation values).
	CRLs [][]byte

	// OCSPResponses are embedded OCSP responses from revocation values.
	OCSPResponses [][]byte
}

// Parse decodes a SignedData envelope.
func Parse(raw []byte) (*Signature, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(raw, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %v", ErrNotSignedData, contentInfo.ContentType)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer infos", ErrInvalidSignature)
	}

	si := signedData.SignerInfos[0]

	sig := &Signature{
		Raw:                raw,
		SignedAttrsRaw:     si.SignedAttrs.FullBytes,
		SignatureValue:     si.Signature,
		DigestAlgorithm:    si.DigestAlgorithm.Algorithm,
		SignatureAlgorithm: si.SignatureAlgorithm,
		UnsignedAttrs:      si.UnsignedAttrs,
	}

	for _, certRaw := range signedData.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			continue
		}
		sig.Certificates = append(sig.Certificates, cert)
	}

	for _, crlRaw := range signedData.CRLs {
		sig.CRLs = append(sig.CRLs, crlRaw.FullBytes)
	}

	for _, cert := range sig.Certificates {
		if si.SID.SerialNumber != nil &&
			cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, si.SID.Issuer.FullBytes) {
			sig.SignerCert = cert
			break
		}
	}
	if sig.SignerCert == nil {
		return nil, ErrMissingCertificate
	}
	sig.Chain = orderChain(sig.SignerCert, sig.Certificates)

	if err := sig.decodeSignedAttrs(); err != nil {
		return nil, err
	}
	sig.decodeUnsignedAttrs()

	return sig, nil
}

func (s *Signature) decodeSignedAttrs() error {
	if len(s.SignedAttrsRaw) == 0 {
		return fmt.Errorf("%w: no signed attributes", ErrInvalidSignature)
	}

	// The wire form is IMPLICIT [0]; the content is a sequence of Attribute.
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(s.SignedAttrsRaw, &inner); err != nil {
		return fmt.Errorf("failed to parse signed attributes: %w", err)
	}
	rest := inner.Bytes
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		s.SignedAttrs = append(s.SignedAttrs, attr)
	}

	if attr, ok := FindAttribute(s.SignedAttrs, OIDMessageDigest); ok && len(attr.Values) > 0 {
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &s.MessageDigest); err != nil {
			return fmt.Errorf("failed to parse message digest attribute: %w", err)
		}
	}
	if s.MessageDigest == nil {
		return fmt.Errorf("%w: message digest attribute not found", ErrInvalidSignature)
	}

	if attr, ok := FindAttribute(s.SignedAttrs, OIDSigningTime); ok {
		if t, err := attributeTime(attr); err == nil {
			s.SigningTime = t
		}
	}

	if attr, ok := FindAttribute(s.SignedAttrs, OIDDocumentMetadata); ok && len(attr.Values) > 0 {
		var meta DocumentMetadata
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &meta); err == nil {
			s.Metadata = &meta
		}
	}

	if attr, ok := FindAttribute(s.SignedAttrs, OIDSignaturePolicyID); ok && len(attr.Values) > 0 {
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &oid); err == nil {
			s.PolicyOID = oid
		}
	}

	return nil
}

func (s *Signature) decodeUnsignedAttrs() {
	for _, attr := range s.UnsignedAttrs {
		switch {
		case attr.Type.Equal(OIDSignatureTimeStamp):
			if len(attr.Values) > 0 && s.TimestampToken == nil {
				s.TimestampToken = attr.Values[0].FullBytes
			}
		case attr.Type.Equal(OIDArchiveTimeStampV3):
			for _, v := range attr.Values {
				s.ArchiveTimestamps = append(s.ArchiveTimestamps, v.FullBytes)
			}
		case attr.Type.Equal(OIDRevocationValues):
			if len(attr.Values) == 0 {
				continue
			}
			var rv RevocationValues
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &rv); err != nil {
				continue
			}
			for _, c := range rv.CRLVals {
				s.CRLs = append(s.CRLs, c.FullBytes)
			}
			for _, o := range rv.OCSPVals {
				s.OCSPResponses = append(s.OCSPResponses, o.FullBytes)
			}
		}
	}
}

// VerifyMessageDigest recomputes nothing; it compares the digest computed by
// the caller over the document byte ranges against the bound attribute.
func (s *Signature) VerifyMessageDigest(computed []byte) error {
	if !bytes.Equal(computed, s.MessageDigest) {
		return ErrDigestMismatch
	}
	return nil
}

// VerifySignature checks the cryptographic signature over the signed
// attributes against the embedded signer certificate.
func (s *Signature) VerifySignature() error {
	h, err := HashFromOID(s.DigestAlgorithm)
	if err != nil {
		return err
	}

	// Digest the attributes under their SET tag, not the wire tag.
	attrBytes := make([]byte, len(s.SignedAttrsRaw))
	copy(attrBytes, s.SignedAttrsRaw)
	attrBytes[0] = setTagByte

	hasher := newHasher(h)
	hasher.Write(attrBytes)
	digest := hasher.Sum(nil)

	alg := s.SignatureAlgorithm.Algorithm
	switch {
	case alg.Equal(OIDRSAPSS):
		pub, ok := s.SignerCert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: certificate key is not RSA", ErrInvalidSignature)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h}
		if err := rsa.VerifyPSS(pub, h, digest, s.SignatureValue, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case alg.Equal(OIDSHA512WithRSA), alg.Equal(OIDSHA384WithRSA):
		pub, ok := s.SignerCert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: certificate key is not RSA", ErrInvalidSignature)
		}
		if err := rsa.VerifyPKCS1v15(pub, h, digest, s.SignatureValue); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case alg.Equal(OIDECDSAWithSHA512), alg.Equal(OIDECDSAWithSHA384):
		pub, ok := s.SignerCert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: certificate key is not ECDSA", ErrInvalidSignature)
		}
		if !ecdsa.VerifyASN1(pub, digest, s.SignatureValue) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: signature algorithm %v", ErrUnsupportedAlgorithm, alg)
	}

	return nil
}

// AddUnsignedAttributes re-encodes an envelope with extra unsigned
// attributes appended. Signed bytes are preserved verbatim, so the existing
// signature stays valid.
func AddUnsignedAttributes(raw []byte, attrs ...Attribute) ([]byte, error) {
	return rewrite(raw, func(sd *SignedData) error {
		sd.SignerInfos[0].UnsignedAttrs = append(sd.SignerInfos[0].UnsignedAttrs, attrs...)
		return nil
	})
}

// AddRevocation embeds CRLs in the SignedData CRL field and OCSP responses
// in a revocation-values unsigned attribute.
func AddRevocation(raw []byte, crls, ocsps [][]byte) ([]byte, error) {
	rvAttr, err := RevocationValuesAttribute(crls, ocsps)
	if err != nil {
		return nil, err
	}
	return rewrite(raw, func(sd *SignedData) error {
		for _, c := range crls {
			sd.CRLs = append(sd.CRLs, asn1.RawValue{FullBytes: c})
		}
		sd.SignerInfos[0].UnsignedAttrs = append(sd.SignerInfos[0].UnsignedAttrs, rvAttr)
		return nil
	})
}

func rewrite(raw []byte, edit func(*SignedData) error) ([]byte, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(raw, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, ErrNotSignedData
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer infos", ErrInvalidSignature)
	}

	if err := edit(&signedData); err != nil {
		return nil, err
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

// orderChain orders the embedded certificates from the signer upwards by
// following issuer links. Certificates that do not belong to the signer's
// path (for example TSA certificates) are left out.
func orderChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	current := leaf
	for {
		if bytes.Equal(current.RawIssuer, current.RawSubject) {
			break
		}
		var next *x509.Certificate
		for _, cert := range certs {
			if cert == current {
				continue
			}
			if bytes.Equal(cert.RawSubject, current.RawIssuer) {
				next = cert
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		current = next
	}
	return chain
}
