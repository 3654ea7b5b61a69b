package ber

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedldap/errors"
)

func TestEncodeIntMinimal(t *testing.T) {
	cases := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x00, 0x80}},
		{256, []byte{0x01, 0x00}},
		{-1, []byte{0xFF}},
		{-128, []byte{0x80}},
		{-129, []byte{0xFF, 0x7F}},
		{math.MaxInt32, []byte{0x7F, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EncodeInt(c.v), "EncodeInt(%d)", c.v)
		got, err := DecodeInt(c.want)
		require.NoError(t, err)
		assert.Equal(t, c.v, got, "DecodeInt(% X)", c.want)
	}
}

func TestDecodeIntRejectsBadContents(t *testing.T) {
	_, err := DecodeInt(nil)
	assert.True(t, errors.Is(err, errors.Sentinel(errors.ProtocolViolation)))
	_, err = DecodeInt(make([]byte, 9))
	assert.Error(t, err)
}

func TestReadTLVShortAndLongForm(t *testing.T) {
	short := WrapString("abc")
	assert.Equal(t, []byte{0x04, 0x03, 'a', 'b', 'c'}, short)

	long := WrapOctets(bytes.Repeat([]byte{'x'}, 300))
	assert.Equal(t, []byte{0x04, 0x82, 0x01, 0x2C}, long[:4])

	r := bytes.NewReader(append(short, long...))
	first, err := ReadTLV(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(first.Value))
	second, err := ReadTLV(r)
	require.NoError(t, err)
	assert.Equal(t, 300, second.Length)
	assert.Equal(t, 0, r.Len())
}

func TestReadTLVRefusesForgedLength(t *testing.T) {
	// claims 0x7FFFFFFF octets but carries two
	_, err := ReadTLV(bytes.NewReader([]byte{0x04, 0x84, 0x7F, 0xFF, 0xFF, 0xFF, 'a', 'b'}))
	require.Error(t, err)
	assert.Equal(t, errors.ProtocolViolation, errors.CodeOf(err))

	_, err = ReadTLV(bytes.NewReader([]byte{0x04, 0x80}))
	assert.Error(t, err, "indefinite length")

	_, err = ReadTLV(bytes.NewReader([]byte{0x04, 0x85, 1, 1, 1, 1, 1}))
	assert.Error(t, err, "five length octets")
}

func TestSequenceRoundTrip(t *testing.T) {
	seq := WrapSequence(WrapInteger(-5), WrapString("cookie"), WrapBool(false), WrapEnum(12))
	outer, err := ReadTLV(bytes.NewReader(seq))
	require.NoError(t, err)

	r := bytes.NewReader(outer.Value)
	n, err := ExpectInt(r, ClassUniversal|PcPrimitive|TagInteger, "size")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), n)

	s, err := Expect(r, ClassUniversal|PcPrimitive|TagOctetString, "cookie")
	require.NoError(t, err)
	assert.Equal(t, "cookie", string(s.Value))

	b, err := Expect(r, ClassUniversal|PcPrimitive|TagBoolean, "flag")
	require.NoError(t, err)
	v, err := DecodeBool(b.Value)
	require.NoError(t, err)
	assert.False(t, v)

	_, err = Expect(r, ClassUniversal|PcPrimitive|TagInteger, "code")
	assert.Error(t, err, "enum is not an integer")
}

func TestContextAndApplicationTags(t *testing.T) {
	ctx := WrapCtx(1, []byte{0xFF}, false)
	assert.Equal(t, byte(0x81), ctx[0])
	assert.Equal(t, byte(0xA3), CtxTag(3, true))
	app := WrapApp(3, nil)
	assert.Equal(t, byte(0x63), app[0])

	el, err := ReadAll(append(ctx, app...))
	require.NoError(t, err)
	require.Len(t, el, 2)
	assert.Equal(t, byte(ClassContextSpecific), el[0].Class())
	assert.Equal(t, byte(1), el[0].Number())
	assert.Equal(t, ctx, el[0].Encode())

	assert.Panics(t, func() { WrapCtx(31, nil, false) })
}

func TestDecodeBool(t *testing.T) {
	v, err := DecodeBool([]byte{0x01})
	require.NoError(t, err)
	assert.True(t, v)
	_, err = DecodeBool([]byte{0x01, 0x02})
	assert.Error(t, err)
}
