// Package binder reserves, fills, and recovers signature fields in
// byte-addressable documents. A signature field is appended to the document
// as a line of the form
//
//	%%DSIG ByteRange[a b c d] Contents<hex>
//
// where the byte ranges [a, a+b) and [c, c+d) cover everything except the
// hex contents region, and the contents region holds the hex-encoded
// signature envelope padded with zeros to the reserved size. Ranges use
// fixed-width decimals so they are known at reservation time.
package binder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Common errors
var (
	// ErrEnvelopeTooLarge signals an envelope that does not fit the reserved
	// region. Reserve more space and sign again.
	ErrEnvelopeTooLarge = errors.New("signature envelope exceeds reserved space")

	// ErrNoSignatureField signals a document without any signature field.
	ErrNoSignatureField = errors.New("no signature field in document")

	// ErrMalformedField signals a signature field that cannot be parsed.
	ErrMalformedField = errors.New("malformed signature field")

	// ErrInvalidByteRange signals byte ranges outside the document.
	ErrInvalidByteRange = errors.New("invalid byte range")
)

// DefaultBytesReserved is the default reservation for a signature envelope.
const DefaultBytesReserved = 16 * 1024

const (
	fieldMarker    = "%%DSIG ByteRange["
	contentsMarker = "] Contents<"
	rangeWidth     = 10
)

// PreparedDocument is a document with an appended signature field whose
// contents region is still a zero placeholder.
type PreparedDocument struct {
	// Data is the document including the unfilled field.
	Data []byte

	// ByteRange is [a b c d]: the covered regions [a, a+b) and [c, c+d).
	ByteRange [4]int64

	bytesReserved int
}

// Reserve appends a signature field to doc with room for an envelope of up
// to bytesReserved bytes. A bytesReserved of zero or less selects the
// default. Existing signature fields in doc are left untouched and end up
// covered by the new field's byte ranges.
func Reserve(doc []byte, bytesReserved int) (*PreparedDocument, error) {
	if bytesReserved <= 0 {
		bytesReserved = DefaultBytesReserved
	}

	base := int64(len(doc))
	header := fmt.Sprintf("\n%s%010d %010d %010d %010d%s",
		fieldMarker, 0, 0, 0, 0, contentsMarker)

	hexStart := base + int64(len(header))
	hexEnd := hexStart + int64(2*bytesReserved)
	trailer := ">\n"
	total := hexEnd + int64(len(trailer))

	// [0, hexStart) and [hexEnd, total) are covered by the digest. The
	// ranges include the delimiters so only the hex payload is excluded.
	byteRange := [4]int64{0, hexStart, hexEnd, total - hexEnd}

	header = fmt.Sprintf("\n%s%010d %010d %010d %010d%s",
		fieldMarker, byteRange[0], byteRange[1], byteRange[2], byteRange[3], contentsMarker)

	buf := make([]byte, 0, total)
	buf = append(buf, doc...)
	buf = append(buf, header...)
	buf = append(buf, bytes.Repeat([]byte{'0'}, 2*bytesReserved)...)
	buf = append(buf, trailer...)

	return &PreparedDocument{
		Data:          buf,
		ByteRange:     byteRange,
		bytesReserved: bytesReserved,
	}, nil
}

// BytesReserved returns the envelope capacity of the reserved region.
func (p *PreparedDocument) BytesReserved() int {
	return p.bytesReserved
}

// SignedBytes returns the concatenation of the covered regions, the exact
// bytes a signature envelope must be computed over.
func (p *PreparedDocument) SignedBytes() ([]byte, error) {
	return SignedBytes(p.Data, p.ByteRange)
}

// Embed writes the envelope into the reserved region and returns the
// finished document. It fails with ErrEnvelopeTooLarge when the envelope
// does not fit; reserve a larger region and rebuild the envelope in that
// case, since the byte ranges change with the reservation.
func (p *PreparedDocument) Embed(envelope []byte) ([]byte, error) {
	capacity := 2 * p.bytesReserved
	encoded := strings.ToUpper(hex.EncodeToString(envelope))
	if len(encoded) > capacity {
		return nil, fmt.Errorf("%w: reserved %d bytes, envelope needs %d",
			ErrEnvelopeTooLarge, p.bytesReserved, len(envelope))
	}

	out := make([]byte, len(p.Data))
	copy(out, p.Data)
	copy(out[p.ByteRange[1]:], encoded)
	return out, nil
}

// EmbeddedSignature is one recovered signature field.
type EmbeddedSignature struct {
	// Envelope is the DER signature envelope with placeholder padding
	// removed.
	Envelope []byte

	// ByteRange is the field's covered regions.
	ByteRange [4]int64
}

// SignedBytes returns the bytes covered by this signature within doc.
func (e *EmbeddedSignature) SignedBytes(doc []byte) ([]byte, error) {
	return SignedBytes(doc, e.ByteRange)
}

// Extract recovers every signature field from doc, in the order the fields
// were added.
func Extract(doc []byte) ([]EmbeddedSignature, error) {
	var sigs []EmbeddedSignature
	marker := []byte(fieldMarker)

	for offset := 0; ; {
		idx := bytes.Index(doc[offset:], marker)
		if idx < 0 {
			break
		}
		fieldStart := offset + idx
		sig, next, err := parseField(doc, fieldStart)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, *sig)
		offset = next
	}

	if len(sigs) == 0 {
		return nil, ErrNoSignatureField
	}
	return sigs, nil
}

// SignedBytes returns the concatenation of the regions [a, a+b) and
// [c, c+d) of doc.
func SignedBytes(doc []byte, byteRange [4]int64) ([]byte, error) {
	a, b, c, d := byteRange[0], byteRange[1], byteRange[2], byteRange[3]
	size := int64(len(doc))
	if a < 0 || b < 0 || c < 0 || d < 0 || a+b > size || c+d > size || a+b > c {
		return nil, fmt.Errorf("%w: [%d %d %d %d] in %d bytes", ErrInvalidByteRange,
			a, b, c, d, size)
	}

	out := make([]byte, 0, b+d)
	out = append(out, doc[a:a+b]...)
	out = append(out, doc[c:c+d]...)
	return out, nil
}

func parseField(doc []byte, fieldStart int) (*EmbeddedSignature, int, error) {
	rangeStart := fieldStart + len(fieldMarker)
	rangeEnd := rangeStart + 4*rangeWidth + 3
	if rangeEnd > len(doc) {
		return nil, 0, fmt.Errorf("%w: truncated byte range", ErrMalformedField)
	}

	var byteRange [4]int64
	fields := strings.Fields(string(doc[rangeStart:rangeEnd]))
	if len(fields) != 4 {
		return nil, 0, fmt.Errorf("%w: expected 4 range values, got %d", ErrMalformedField, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: range value %q", ErrMalformedField, f)
		}
		byteRange[i] = v
	}

	contentsStart := rangeEnd + len(contentsMarker)
	if contentsStart != int(byteRange[1]) {
		return nil, 0, fmt.Errorf("%w: contents region does not match byte range", ErrMalformedField)
	}
	contentsEnd := int(byteRange[2])
	if contentsEnd >= len(doc) || doc[contentsEnd] != '>' || contentsEnd <= contentsStart {
		return nil, 0, fmt.Errorf("%w: truncated contents region", ErrMalformedField)
	}

	raw, err := hex.DecodeString(string(doc[contentsStart:contentsEnd]))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: contents not hex: %v", ErrMalformedField, err)
	}

	envelope, err := trimDER(raw)
	if err != nil {
		return nil, 0, err
	}

	return &EmbeddedSignature{
		Envelope:  envelope,
		ByteRange: byteRange,
	}, contentsEnd, nil
}

// trimDER cuts zero padding after a DER value by reading the outer
// SEQUENCE length.
func trimDER(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x30 {
		return nil, fmt.Errorf("%w: contents region holds no DER value", ErrMalformedField)
	}

	lenByte := data[1]
	if lenByte < 0x80 {
		total := 2 + int(lenByte)
		if total > len(data) {
			return nil, fmt.Errorf("%w: DER value truncated", ErrMalformedField)
		}
		return data[:total], nil
	}

	numBytes := int(lenByte & 0x7f)
	if numBytes == 0 || numBytes > 4 || 2+numBytes > len(data) {
		return nil, fmt.Errorf("%w: bad DER length", ErrMalformedField)
	}
	length := 0
	for _, b := range data[2 : 2+numBytes] {
		length = length<<8 | int(b)
	}
	total := 2 + numBytes + length
	if total > len(data) {
		return nil, fmt.Errorf("%w: DER value truncated", ErrMalformedField)
	}
	return data[:total], nil
}
