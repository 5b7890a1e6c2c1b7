package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"
)

// PKCS#11 errors
var (
	ErrTokenNotFound    = errors.New("PKCS#11 token not found")
	ErrKeyNotFound      = errors.New("PKCS#11 key not found")
	ErrSessionNotOpen   = errors.New("PKCS#11 session not open")
	ErrUnsupportedMech  = errors.New("unsupported PKCS#11 mechanism")
	ErrPublicKeyMissing = errors.New("PKCS#11 public key object not found")
)

// PKCS11Config configures access to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library.
	ModulePath string

	// TokenLabel identifies the token to use.
	TokenLabel string

	// KeyLabel identifies the signing key on the token.
	KeyLabel string

	// PIN is the user PIN for the token.
	PIN string
}

// PKCS11Signer is a crypto.Signer backed by a key held on a PKCS#11 token.
// The private key never leaves the token; Sign delegates to C_Sign.
type PKCS11Signer struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	priv    pkcs11.ObjectHandle
	pub     crypto.PublicKey
}

// OpenPKCS11Signer opens a session on the configured token and locates the
// signing key pair by label.
func OpenPKCS11Signer(cfg *PKCS11Config) (*PKCS11Signer, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	slot, err := findSlot(ctx, cfg.TokenLabel)
	if err != nil {
		ctx.Finalize()
		return nil, err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, fmt.Errorf("failed to log in to token: %w", err)
	}

	s := &PKCS11Signer{ctx: ctx, session: session}

	s.priv, err = findObject(ctx, session, pkcs11.CKO_PRIVATE_KEY, cfg.KeyLabel)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: label %q", ErrKeyNotFound, cfg.KeyLabel)
	}

	pubHandle, err := findObject(ctx, session, pkcs11.CKO_PUBLIC_KEY, cfg.KeyLabel)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: label %q", ErrPublicKeyMissing, cfg.KeyLabel)
	}

	s.pub, err = readPublicKey(ctx, session, pubHandle)
	if err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Public implements crypto.Signer.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign implements crypto.Signer. The digest must already be computed with
// the hash indicated by opts.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.ctx == nil {
		return nil, ErrSessionNotOpen
	}

	switch s.pub.(type) {
	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			return s.signPSS(digest, pssOpts)
		}
		return s.signPKCS1(digest, opts.HashFunc())
	case *ecdsa.PublicKey:
		return s.signECDSA(digest)
	default:
		return nil, ErrUnsupportedMech
	}
}

// Close logs out and releases the token session.
func (s *PKCS11Signer) Close() error {
	if s.ctx == nil {
		return nil
	}
	s.ctx.Logout(s.session)
	s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return nil
}

func (s *PKCS11Signer) signPSS(digest []byte, opts *rsa.PSSOptions) ([]byte, error) {
	hashMech, mgf, err := pssMechanismFor(opts.Hash)
	if err != nil {
		return nil, err
	}

	saltLen := opts.SaltLength
	if saltLen == rsa.PSSSaltLengthEqualsHash || saltLen == rsa.PSSSaltLengthAuto {
		saltLen = opts.Hash.Size()
	}

	params := pkcs11.NewPSSParams(hashMech, mgf, uint(saltLen))
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)}
	if err := s.ctx.SignInit(s.session, mech, s.priv); err != nil {
		return nil, fmt.Errorf("C_SignInit failed: %w", err)
	}
	return s.ctx.Sign(s.session, digest)
}

func (s *PKCS11Signer) signPKCS1(digest []byte, h crypto.Hash) ([]byte, error) {
	prefix, err := digestInfoPrefix(h)
	if err != nil {
		return nil, err
	}

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.priv); err != nil {
		return nil, fmt.Errorf("C_SignInit failed: %w", err)
	}
	return s.ctx.Sign(s.session, append(prefix, digest...))
}

func (s *PKCS11Signer) signECDSA(digest []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.priv); err != nil {
		return nil, fmt.Errorf("C_SignInit failed: %w", err)
	}

	raw, err := s.ctx.Sign(s.session, digest)
	if err != nil {
		return nil, err
	}

	// Token returns raw r||s; CMS expects a DER ECDSA-Sig-Value.
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(raw))
	}
	half := len(raw) / 2
	sig := struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	return asn1.Marshal(sig)
}

func pssMechanismFor(h crypto.Hash) (hashMech uint, mgf uint, err error) {
	switch h {
	case crypto.SHA256:
		return pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, nil
	case crypto.SHA384:
		return pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, nil
	case crypto.SHA512:
		return pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, nil
	default:
		return 0, 0, fmt.Errorf("%w: hash %v", ErrUnsupportedMech, h)
	}
}

// digestInfoPrefix returns the DER DigestInfo prefix for raw CKM_RSA_PKCS
// signing, which expects the caller to supply the full EMSA-PKCS1-v1_5 input.
func digestInfoPrefix(h crypto.Hash) ([]byte, error) {
	switch h {
	case crypto.SHA256:
		return []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}, nil
	case crypto.SHA384:
		return []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30}, nil
	case crypto.SHA512:
		return []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}, nil
	default:
		return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedMech, h)
	}
}

func findSlot(ctx *pkcs11.Ctx, tokenLabel string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to list slots: %w", err)
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if tokenLabel == "" || info.Label == tokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q", ErrTokenNotFound, tokenLabel)
}

func findObject(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, err
	}
	defer ctx.FindObjectsFinal(session)

	handles, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, ErrKeyNotFound
	}
	return handles[0], nil
}

func readPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil || len(attrs) == 0 {
		return nil, fmt.Errorf("failed to read key type: %w", err)
	}

	keyType := bytesToUint(attrs[0].Value)
	switch keyType {
	case pkcs11.CKK_RSA:
		return readRSAPublicKey(ctx, session, handle)
	case pkcs11.CKK_EC:
		return readECPublicKey(ctx, session, handle)
	default:
		return nil, fmt.Errorf("%w: key type %d", ErrUnsupportedMech, keyType)
	}
}

func readRSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read RSA public key: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(bytesToUint(attrs[1].Value)),
	}, nil
}

func readECPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, handle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read EC public key: %w", err)
	}

	curve, err := curveFromParams(attrs[0].Value)
	if err != nil {
		return nil, err
	}

	// CKA_EC_POINT is a DER OCTET STRING wrapping the uncompressed point.
	var point []byte
	if _, err := asn1.Unmarshal(attrs[1].Value, &point); err != nil {
		point = attrs[1].Value
	}

	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, errors.New("failed to decode EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

var (
	oidCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func curveFromParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, fmt.Errorf("failed to parse EC params: %w", err)
	}
	switch {
	case oid.Equal(oidCurveP256):
		return elliptic.P256(), nil
	case oid.Equal(oidCurveP384):
		return elliptic.P384(), nil
	case oid.Equal(oidCurveP521):
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: curve %v", ErrUnsupportedMech, oid)
	}
}

func bytesToUint(b []byte) uint {
	var v uint
	for _, c := range b {
		v = v<<8 | uint(c)
	}
	return v
}
