package control

import (
	"bytes"
	"testing"

	asn1ber "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedldap/ber"
	"pagedldap/errors"
)

func TestPagedEncodeDecode(t *testing.T) {
	c := Paged{Size: 5, Cookie: []byte{0xde, 0xad}}.Encode(true)
	assert.Equal(t, PagedResultsOID, c.OID)
	assert.True(t, c.Criticality)

	p, err := DecodePaged(c)
	require.NoError(t, err)
	assert.Equal(t, int32(5), p.Size)
	assert.Equal(t, []byte{0xde, 0xad}, p.Cookie)
}

func TestPagedEmptyCookieDecodesAsNil(t *testing.T) {
	p, err := DecodePaged(Paged{Size: 0}.Encode(false))
	require.NoError(t, err)
	assert.Nil(t, p.Cookie)
	assert.Zero(t, p.Size)
}

func TestPagedRejectsNegativeSize(t *testing.T) {
	bad := Control{
		OID:   PagedResultsOID,
		Value: ber.WrapSequence(ber.WrapInteger(-1), ber.WrapOctets(nil)),
	}
	_, err := DecodePaged(bad)
	require.Error(t, err)
	assert.Equal(t, errors.ProtocolViolation, errors.CodeOf(err))

	_, err = DecodePaged(Control{OID: SortRequestOID})
	assert.Error(t, err)

	_, err = DecodePaged(Control{OID: PagedResultsOID, Value: ber.WrapSequence(ber.WrapInteger(3))})
	assert.Error(t, err, "missing cookie")
}

// TestDecodeGoLDAPControls reads controls as a go-ldap client encodes them.
func TestDecodeGoLDAPControls(t *testing.T) {
	paging := &goldap.ControlPaging{PagingSize: 7, Cookie: []byte("c1")}
	sorting := goldap.NewControlServerSideSortingWithSortKeys([]*goldap.SortKey{
		{AttributeType: "sn"},
		{AttributeType: "cn", MatchingRule: "2.5.13.3", Reverse: true},
	})
	var raw []byte
	raw = append(raw, paging.Encode().Bytes()...)
	raw = append(raw, sorting.Encode().Bytes()...)

	out, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out[0].Criticality)

	p, err := DecodePaged(out[0])
	require.NoError(t, err)
	assert.Equal(t, Paged{Size: 7, Cookie: []byte("c1")}, p)

	keys, err := DecodeSort(out[1])
	require.NoError(t, err)
	assert.Equal(t, []SortKey{
		{Attribute: "sn"},
		{Attribute: "cn", OrderingRule: "2.5.13.3", Reverse: true},
	}, keys)

	_, err = DecodeSort(Control{OID: SortRequestOID, Value: ber.WrapSequence()})
	assert.Error(t, err, "empty key list")
}

func TestSortResultEncode(t *testing.T) {
	c := SortResult{Code: 53, Attribute: "sn"}.Encode()
	assert.Equal(t, SortResponseOID, c.OID)
	assert.False(t, c.Criticality)

	p, err := asn1ber.DecodePacketErr(c.Value)
	require.NoError(t, err)
	require.Len(t, p.Children, 2)
	assert.EqualValues(t, 53, p.Children[0].Value)
	assert.Equal(t, "sn", p.Children[1].Data.String())

	p, err = asn1ber.DecodePacketErr(SortResult{}.Encode().Value)
	require.NoError(t, err)
	assert.Len(t, p.Children, 1, "no attributeType on success")
}

func TestControlsEnvelope(t *testing.T) {
	assert.Nil(t, Encode(nil))

	in := []Control{
		Paged{Size: 10}.Encode(true),
		{OID: "1.2.3.4"},
		SortResult{Code: 0}.Encode(),
	}
	raw := Encode(in)
	outer, err := ber.ReadTLV(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, ber.CtxTag(0, true), outer.Tag)

	out, err := Decode(outer.Value)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, "1.2.3.4", out[1].OID)
	assert.Nil(t, out[1].Value)

	found, ok := Find(out, SortResponseOID)
	require.True(t, ok)
	assert.False(t, found.Criticality)
	_, ok = Find(out, SortRequestOID)
	assert.False(t, ok)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0x04, 0x01, 'x'})
	assert.Error(t, err)
	_, err = Decode(ber.WrapSequence(ber.WrapString("1.2"), ber.WrapInteger(1)))
	assert.Error(t, err)
}
