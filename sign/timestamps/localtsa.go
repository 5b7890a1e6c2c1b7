package timestamps

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// LocalTSA is an in-process RFC 3161 authority. It accepts all requests and
// signs them with its own certificate. It implements http.Handler so it can
// back an HTTP test server.
type LocalTSA struct {
	// Cert is the TSA signing certificate.
	Cert *x509.Certificate

	// Key is the TSA private key.
	Key crypto.Signer

	// CertsToEmbed are additional certificates to include in tokens.
	CertsToEmbed []*x509.Certificate

	// FixedTime, when non-nil, replaces the current time in tokens.
	FixedTime *time.Time

	// EchoNonce controls whether the request nonce is echoed back.
	EchoNonce bool

	// RejectAll makes the TSA answer every request with a rejection.
	RejectAll bool

	// Policy is the TSA policy OID.
	Policy asn1.ObjectIdentifier
}

// NewLocalTSA creates a local TSA signing with the given certificate and key.
func NewLocalTSA(cert *x509.Certificate, key crypto.Signer) *LocalTSA {
	return &LocalTSA{
		Cert:      cert,
		Key:       key,
		EchoNonce: true,
		Policy:    asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2},
	}
}

// NewSelfSignedTSA creates a local TSA with a fresh self-signed certificate.
func NewSelfSignedTSA() (*LocalTSA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Local TSA",
			Organization: []string{"Local"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create TSA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}

	return NewLocalTSA(cert, key), nil
}

// ServeHTTP answers timestamp queries over HTTP.
func (t *LocalTSA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqBytes, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	respBytes, err := t.Respond(reqBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.Write(respBytes)
}

// Respond processes an encoded TimeStampReq and returns an encoded
// TimeStampResp.
func (t *LocalTSA) Respond(reqBytes []byte) ([]byte, error) {
	var req TimeStampReq
	if _, err := asn1.Unmarshal(reqBytes, &req); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp request: %w", err)
	}

	if t.RejectAll {
		resp := TimeStampResp{
			Status: PKIStatusInfo{
				Status:       2, // rejection
				StatusString: []string{"rejected by policy"},
			},
		}
		return asn1.Marshal(resp)
	}

	genTime := time.Now().UTC()
	if t.FixedTime != nil {
		genTime = *t.FixedTime
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tstInfo := TSTInfo{
		Version:        1,
		Policy:         t.Policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serialNumber,
		GenTime:        genTime,
	}
	if t.EchoNonce && req.Nonce != nil {
		tstInfo.Nonce = req.Nonce
	}

	tstInfoBytes, err := asn1.Marshal(tstInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	token, err := t.buildToken(tstInfoBytes)
	if err != nil {
		return nil, err
	}

	resp := TimeStampResp{
		Status:         PKIStatusInfo{Status: 0}, // granted
		TimeStampToken: asn1.RawValue{FullBytes: token},
	}
	return asn1.Marshal(resp)
}

func (t *LocalTSA) buildToken(tstInfoBytes []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(tstInfoBytes)
	messageDigest := h.Sum(nil)

	signedAttrs := []tsaAttribute{
		{
			Type: OIDContentType,
			Values: []asn1.RawValue{{
				FullBytes: mustMarshal(OIDTSTInfo),
			}},
		},
		{
			Type: OIDMessageDigest,
			Values: []asn1.RawValue{{
				Class: asn1.ClassUniversal,
				Tag:   asn1.TagOctetString,
				Bytes: messageDigest,
			}},
		},
	}

	// The signature covers the attributes under their SET OF tag, while the
	// wire carries them under IMPLICIT [0].
	attrBytes, err := asn1.MarshalWithParams(signedAttrs, "set")
	if err != nil {
		return nil, err
	}
	signature, err := t.sign(attrBytes)
	if err != nil {
		return nil, err
	}

	si := tsaSignerInfo{
		Version: 1,
		SID: issuerAndSerial{
			Issuer:       asn1.RawValue{FullBytes: t.Cert.RawIssuer},
			SerialNumber: t.Cert.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  OIDSHA256,
			Parameters: asn1.RawValue{Tag: 5},
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, // sha256WithRSA
			Parameters: asn1.RawValue{Tag: 5},
		},
		Signature: signature,
	}

	certBytes := []asn1.RawValue{{FullBytes: t.Cert.Raw}}
	for _, cert := range t.CertsToEmbed {
		certBytes = append(certBytes, asn1.RawValue{FullBytes: cert.Raw})
	}

	sd := tsaSignedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{{
			Algorithm:  OIDSHA256,
			Parameters: asn1.RawValue{Tag: 5},
		}},
		EncapContentInfo: tsaEncapContent{
			ContentType: OIDTSTInfo,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      mustMarshal(tstInfoBytes),
			},
		},
		Certificates: certBytes,
		SignerInfos:  []tsaSignerInfo{si},
	}

	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}

	contentInfo := struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"tag:0"`
	}{
		ContentType: OIDSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      sdBytes,
		},
	}
	return asn1.Marshal(contentInfo)
}

func (t *LocalTSA) sign(data []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch key := t.Key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	default:
		return nil, errors.New("local TSA supports RSA keys only")
	}
}

type tsaAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type tsaSignerInfo struct {
	Version            int
	SID                issuerAndSerial
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []tsaAttribute `asn1:"implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

type tsaEncapContent struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,tag:0"`
}

type tsaSignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo tsaEncapContent
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0"`
	SignerInfos      []tsaSignerInfo `asn1:"set"`
}

func mustMarshal(v interface{}) []byte {
	data, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
