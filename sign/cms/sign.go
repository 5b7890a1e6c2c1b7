package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"
)

// SignerOptions configures envelope construction.
type SignerOptions struct {
	// Certificate is the signing certificate.
	Certificate *x509.Certificate

	// Chain holds the remaining certificates up to the trust anchor.
	Chain []*x509.Certificate

	// Key is the private key handle. RSA keys sign with RSASSA-PSS,
	// EC keys with ECDSA.
	Key crypto.Signer

	// Hash is the digest algorithm (SHA-512 or SHA-384).
	Hash crypto.Hash

	// SigningTime is the claimed signing time.
	SigningTime time.Time

	// Metadata is bound into the signed attributes when non-nil.
	Metadata *DocumentMetadata

	// PolicyOID is bound as the signature policy identifier when non-nil.
	PolicyOID asn1.ObjectIdentifier
}

// BuildSignedAttributes builds the signed attribute set over a precomputed
// message digest and returns both the attribute list and the DER SET bytes
// that the signature is computed over.
func BuildSignedAttributes(messageDigest []byte, opts *SignerOptions) ([]Attribute, []byte, error) {
	if _, err := HashOID(opts.Hash); err != nil {
		return nil, nil, err
	}

	var attrs []Attribute

	contentTypeValue, _ := asn1.Marshal(OIDData)
	attrs = append(attrs, Attribute{
		Type:   OIDContentType,
		Values: []asn1.RawValue{{FullBytes: contentTypeValue}},
	})

	digestValue, _ := asn1.Marshal(messageDigest)
	attrs = append(attrs, Attribute{
		Type:   OIDMessageDigest,
		Values: []asn1.RawValue{{FullBytes: digestValue}},
	})

	signingTimeValue, _ := asn1.Marshal(opts.SigningTime.UTC().Truncate(time.Second))
	attrs = append(attrs, Attribute{
		Type:   OIDSigningTime,
		Values: []asn1.RawValue{{FullBytes: signingTimeValue}},
	})

	signingCertValue, err := signingCertificateV2(opts)
	if err != nil {
		return nil, nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningCertificateV2,
		Values: []asn1.RawValue{{FullBytes: signingCertValue}},
	})

	if opts.Metadata != nil {
		metaValue, err := asn1.Marshal(*opts.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal document metadata: %w", err)
		}
		attrs = append(attrs, Attribute{
			Type:   OIDDocumentMetadata,
			Values: []asn1.RawValue{{FullBytes: metaValue}},
		})
	}

	if len(opts.PolicyOID) > 0 {
		policyValue, _ := asn1.Marshal(opts.PolicyOID)
		attrs = append(attrs, Attribute{
			Type:   OIDSignaturePolicyID,
			Values: []asn1.RawValue{{FullBytes: policyValue}},
		})
	}

	attrs = derSortAttributes(attrs)

	attrBytes, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	attrBytes[0] = setTagByte

	return attrs, attrBytes, nil
}

// SignAttributes hashes the DER SET of signed attributes and signs the
// digest with the configured key.
func SignAttributes(attrBytes []byte, opts *SignerOptions) ([]byte, error) {
	h := newHasher(opts.Hash)
	h.Write(attrBytes)
	digest := h.Sum(nil)

	switch opts.Key.Public().(type) {
	case *rsa.PublicKey:
		pssOpts := &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       opts.Hash,
		}
		return opts.Key.Sign(rand.Reader, digest, pssOpts)
	default:
		return opts.Key.Sign(rand.Reader, digest, opts.Hash)
	}
}

// Assemble builds the detached SignedData envelope from signed attributes
// and a signature value, embedding the full certificate chain so the
// envelope is self-contained.
func Assemble(attrs []Attribute, signature []byte, opts *SignerOptions) ([]byte, error) {
	digestOID, err := HashOID(opts.Hash)
	if err != nil {
		return nil, err
	}

	sigAlg, err := signatureAlgorithm(opts)
	if err != nil {
		return nil, err
	}

	signedAttrsDER, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	signedAttrsDER[0] = implicitTag0Byte

	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: opts.Certificate.RawIssuer},
			SerialNumber: opts.Certificate.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  digestOID,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		SignedAttrs:        asn1.RawValue{FullBytes: signedAttrsDER},
		SignatureAlgorithm: sigAlg,
		Signature:          signature,
	}

	signedData := SignedData{
		Version: 1,
		DigestAlgorithms: []AlgorithmIdentifier{
			{Algorithm: digestOID, Parameters: asn1.RawValue{Tag: 5}},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			// Detached: no encapsulated content.
			EContentType: OIDData,
		},
		SignerInfos: []SignerInfo{signerInfo},
	}

	signedData.Certificates = append(signedData.Certificates,
		asn1.RawValue{FullBytes: opts.Certificate.Raw})
	for _, cert := range opts.Chain {
		signedData.Certificates = append(signedData.Certificates,
			asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}

	return asn1.Marshal(contentInfo)
}

// Sign builds the signed attributes over a message digest, signs them and
// assembles the envelope in one step. Any failure yields no envelope.
func Sign(messageDigest []byte, opts *SignerOptions) ([]byte, error) {
	attrs, attrBytes, err := BuildSignedAttributes(messageDigest, opts)
	if err != nil {
		return nil, err
	}

	signature, err := SignAttributes(attrBytes, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attributes: %w", err)
	}

	return Assemble(attrs, signature, opts)
}

func signingCertificateV2(opts *SignerOptions) ([]byte, error) {
	h := newHasher(opts.Hash)
	h.Write(opts.Certificate.Raw)
	certHash := h.Sum(nil)

	issuerSerial := IssuerSerial{
		Issuer: GeneralNames{
			Names: []asn1.RawValue{
				{
					Class:      asn1.ClassContextSpecific,
					Tag:        4, // directoryName
					IsCompound: true,
					Bytes:      opts.Certificate.RawIssuer,
				},
			},
		},
		SerialNumber: opts.Certificate.SerialNumber,
	}

	digestOID, err := HashOID(opts.Hash)
	if err != nil {
		return nil, err
	}

	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  digestOID,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash:     certHash,
				IssuerSerial: issuerSerial,
			},
		},
	}
	return asn1.Marshal(signingCert)
}

func signatureAlgorithm(opts *SignerOptions) (AlgorithmIdentifier, error) {
	switch opts.Key.Public().(type) {
	case *rsa.PublicKey:
		params, err := pssParametersDER(opts.Hash)
		if err != nil {
			return AlgorithmIdentifier{}, err
		}
		return AlgorithmIdentifier{
			Algorithm:  OIDRSAPSS,
			Parameters: asn1.RawValue{FullBytes: params},
		}, nil
	default:
		switch opts.Hash {
		case crypto.SHA512:
			return AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA512}, nil
		case crypto.SHA384:
			return AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA384}, nil
		}
		return AlgorithmIdentifier{}, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, opts.Hash)
	}
}

// pssParameters is the RSASSA-PSS-params structure from RFC 4055.
type pssParameters struct {
	Hash       AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MGF        AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength int                 `asn1:"explicit,tag:2"`
}

func pssParametersDER(h crypto.Hash) ([]byte, error) {
	digestOID, err := HashOID(h)
	if err != nil {
		return nil, err
	}

	hashAlg := AlgorithmIdentifier{Algorithm: digestOID, Parameters: asn1.RawValue{Tag: 5}}
	hashAlgDER, err := asn1.Marshal(hashAlg)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(pssParameters{
		Hash: hashAlg,
		MGF: AlgorithmIdentifier{
			Algorithm:  OIDMGF1,
			Parameters: asn1.RawValue{FullBytes: hashAlgDER},
		},
		SaltLength: h.Size(),
	})
}
