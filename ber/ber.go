package ber

import (
	"bytes"
	"io"

	"pagedldap/errors"
)

// Identifier octet building blocks: class (bits 8-7), primitive/constructed (bit 6) and the universal tag numbers we use.
const (
	ClassUniversal       = 0x00
	ClassApplication     = 0x40
	ClassContextSpecific = 0x80
	PcPrimitive          = 0x00
	PcConstructed        = 0x20
	TagBoolean           = 0x01
	TagInteger           = 0x02
	TagOctetString       = 0x04
	TagEnum              = 0x0A
	TagSequence          = 0x10
	TagSet               = 0x11
)

// maxLengthOctets bounds the long-form length prefix: four octets already describe 4GiB, which no LDAP PDU reaches.
const maxLengthOctets = 4

/*
TLV is one decoded BER element: the single identifier octet, the decoded length, and the raw contents.
Only single-octet tags are supported (tag numbers 0-30), which covers everything LDAP uses.
*/
type TLV struct {
	Tag    byte
	Length int
	Value  []byte
}

// Class returns the class bits of the tag.
func (t TLV) Class() byte { return t.Tag & 0xC0 }

// Constructed reports whether the constructed bit is set.
func (t TLV) Constructed() bool { return t.Tag&PcConstructed != 0 }

// Number returns the tag number (low five bits).
func (t TLV) Number() byte { return t.Tag & 0x1F }

// Is reports whether the element has exactly the given identifier octet.
func (t TLV) Is(tag byte) bool { return t.Tag == tag }

// Encode re-serialises the element (identifier, length, contents).
func (t TLV) Encode() []byte { return WrapTLV(t.Tag, t.Value) }

/*
ReadTLV reads one element from an in-memory reader.
Unlike a stream read, the declared length is checked against what is left in the reader before anything is
allocated, so a forged length cannot make us allocate more than the input itself.
*/
func ReadTLV(r *bytes.Reader) (TLV, error) {
	var t TLV
	id, err := r.ReadByte()
	if err != nil {
		return t, err
	}
	t.Tag = id
	n, err := readLength(r)
	if err != nil {
		return t, err
	}
	if n > r.Len() {
		return t, errors.New(errors.ProtocolViolation, "ber: length %d exceeds remaining %d octets", n, r.Len())
	}
	t.Length = n
	t.Value = make([]byte, n)
	if _, err := io.ReadFull(r, t.Value); err != nil {
		return t, errors.Wrap(err, errors.ProtocolViolation, "ber: short value")
	}
	return t, nil
}

// ReadAll decodes every element in b, in order.
func ReadAll(b []byte) ([]TLV, error) {
	r := bytes.NewReader(b)
	var out []TLV
	for r.Len() > 0 {
		t, err := ReadTLV(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// readLength decodes a short or definite long form length. The indefinite form (0x80) is refused.
func readLength(r io.ByteReader) (int, error) {
	lb, err := r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(err, errors.ProtocolViolation, "ber: missing length")
	}
	if lb&0x80 == 0 {
		return int(lb), nil
	}
	n := int(lb & 0x7F)
	if n == 0 {
		return 0, errors.New(errors.ProtocolViolation, "ber: indefinite length not supported")
	}
	if n > maxLengthOctets {
		return 0, errors.New(errors.ProtocolViolation, "ber: length uses %d octets", n)
	}
	L := 0
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, errors.ProtocolViolation, "ber: short length")
		}
		L = (L << 8) | int(b)
	}
	return L, nil
}

// writeTLV appends identifier, length (short form below 128, long form above) and value to w.
func writeTLV(w *bytes.Buffer, tag byte, val []byte) {
	w.WriteByte(tag)
	L := len(val)
	if L < 0x80 {
		w.WriteByte(byte(L))
	} else {
		var tmp [8]byte
		n := 0
		for x := L; x > 0; x >>= 8 {
			tmp[n] = byte(x & 0xFF)
			n++
		}
		w.WriteByte(0x80 | byte(n))
		for i := n - 1; i >= 0; i-- {
			w.WriteByte(tmp[i])
		}
	}
	w.Write(val)
}

// WrapTLV returns the encoding of a single element.
func WrapTLV(tag byte, val []byte) []byte {
	var b bytes.Buffer
	writeTLV(&b, tag, val)
	return b.Bytes()
}

/*
EncodeInt returns the minimal two's complement contents octets for v.
Positive values whose top bit would be set get a leading 0x00, negative values whose top bit would be clear get a
leading 0xFF, exactly as X.690 8.3 requires.
*/
func EncodeInt(v int64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	i := 0
	for i < 7 {
		if tmp[i] == 0x00 && tmp[i+1]&0x80 == 0 {
			i++
			continue
		}
		if tmp[i] == 0xFF && tmp[i+1]&0x80 != 0 {
			i++
			continue
		}
		break
	}
	out := make([]byte, 8-i)
	copy(out, tmp[i:])
	return out
}

// DecodeInt decodes two's complement contents octets. Empty or over-long contents are rejected.
func DecodeInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errors.New(errors.ProtocolViolation, "ber: empty integer")
	}
	if len(b) > 8 {
		return 0, errors.New(errors.ProtocolViolation, "ber: integer of %d octets overflows", len(b))
	}
	var x int64
	if b[0]&0x80 != 0 {
		x = -1
	}
	for _, by := range b {
		x = (x << 8) | int64(by)
	}
	return x, nil
}

// WrapInteger encodes a universal INTEGER.
func WrapInteger(v int64) []byte {
	return WrapTLV(ClassUniversal|PcPrimitive|TagInteger, EncodeInt(v))
}

// WrapEnum encodes a universal ENUMERATED.
func WrapEnum(v int64) []byte {
	return WrapTLV(ClassUniversal|PcPrimitive|TagEnum, EncodeInt(v))
}

// WrapBool encodes a universal BOOLEAN using the DER form (0xFF for true).
func WrapBool(v bool) []byte {
	if v {
		return WrapTLV(ClassUniversal|PcPrimitive|TagBoolean, []byte{0xFF})
	}
	return WrapTLV(ClassUniversal|PcPrimitive|TagBoolean, []byte{0x00})
}

// DecodeBool accepts any non-zero octet as true (BER), but requires exactly one octet.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, errors.New(errors.ProtocolViolation, "ber: boolean of %d octets", len(b))
	}
	return b[0] != 0x00, nil
}

// WrapOctets encodes a universal OCTET STRING holding raw bytes.
func WrapOctets(s []byte) []byte {
	return WrapTLV(ClassUniversal|PcPrimitive|TagOctetString, s)
}

// WrapString encodes a universal OCTET STRING holding s.
func WrapString(s string) []byte { return WrapOctets([]byte(s)) }

// WrapSequence encodes a universal SEQUENCE around already encoded elements.
func WrapSequence(inner ...[]byte) []byte {
	return WrapTLV(ClassUniversal|PcConstructed|TagSequence, bytes.Join(inner, nil))
}

// WrapSet encodes a universal SET around already encoded elements.
func WrapSet(inner ...[]byte) []byte {
	return WrapTLV(ClassUniversal|PcConstructed|TagSet, bytes.Join(inner, nil))
}

// WrapApp encodes a constructed APPLICATION element (LDAP protocol operations).
func WrapApp(tag byte, inner []byte) []byte {
	return WrapTLV(ClassApplication|PcConstructed|(tag&0x1F), inner)
}

/*
WrapCtx encodes a context-specific element [tag].
Tag numbers above 30 need the multi-octet identifier form, which this codec does not produce.
*/
func WrapCtx(tag int, inner []byte, constructed bool) []byte {
	if tag < 0 || tag > 30 {
		panic("ber: context tag must be in [0,30]")
	}
	tt := byte(ClassContextSpecific) | byte(tag)
	if constructed {
		tt |= PcConstructed
	}
	return WrapTLV(tt, inner)
}

// CtxTag returns the identifier octet of context-specific tag n.
func CtxTag(n byte, constructed bool) byte {
	t := byte(ClassContextSpecific) | (n & 0x1F)
	if constructed {
		t |= PcConstructed
	}
	return t
}

// Expect reads the next element and checks its identifier octet.
func Expect(r *bytes.Reader, tag byte, what string) (TLV, error) {
	t, err := ReadTLV(r)
	if err != nil {
		return t, errors.Wrap(err, errors.ProtocolViolation, "ber: reading %s", what)
	}
	if t.Tag != tag {
		return t, errors.New(errors.ProtocolViolation, "ber: %s has tag 0x%02X, want 0x%02X", what, t.Tag, tag)
	}
	return t, nil
}

// ExpectInt reads an INTEGER (or ENUMERATED when tag says so) and decodes it.
func ExpectInt(r *bytes.Reader, tag byte, what string) (int64, error) {
	t, err := Expect(r, tag, what)
	if err != nil {
		return 0, err
	}
	v, err := DecodeInt(t.Value)
	if err != nil {
		return 0, errors.Wrap(err, errors.ProtocolViolation, "ber: %s", what)
	}
	return v, nil
}
