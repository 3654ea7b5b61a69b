package control

import (
	"bytes"
	"math"

	"pagedldap/ber"
	"pagedldap/errors"
)

/*
Paged is the value of the simple paged results control.

	realSearchControlValue ::= SEQUENCE {
		size    INTEGER (0..maxInt),
		cookie  OCTET STRING }

On a request Size is the page size wanted by the client, on a response it is the server's estimate of the total
result set size (0 when unknown). An empty Cookie starts a search on a request and ends it on a response.
*/
type Paged struct {
	Size   int32
	Cookie []byte
}

// Encode wraps the value in a control with the given criticality.
func (p Paged) Encode(critical bool) Control {
	return Control{
		OID:         PagedResultsOID,
		Criticality: critical,
		Value:       ber.WrapSequence(ber.WrapInteger(int64(p.Size)), ber.WrapOctets(p.Cookie)),
	}
}

// DecodePaged parses a paged results control value. A negative or out of range size is a protocol violation.
func DecodePaged(c Control) (Paged, error) {
	var p Paged
	if c.OID != PagedResultsOID {
		return p, errors.New(errors.ProtocolViolation, "control %s is not paged results", c.OID)
	}
	r := bytes.NewReader(c.Value)
	seq, err := ber.Expect(r, ber.ClassUniversal|ber.PcConstructed|ber.TagSequence, "paged results value")
	if err != nil {
		return p, err
	}
	rr := bytes.NewReader(seq.Value)
	size, err := ber.ExpectInt(rr, ber.ClassUniversal|ber.PcPrimitive|ber.TagInteger, "paged results size")
	if err != nil {
		return p, err
	}
	if size < 0 || size > math.MaxInt32 {
		return p, errors.New(errors.ProtocolViolation, "paged results size %d out of range", size)
	}
	cookie, err := ber.Expect(rr, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "paged results cookie")
	if err != nil {
		return p, err
	}
	p.Size = int32(size)
	if len(cookie.Value) > 0 {
		p.Cookie = cookie.Value
	}
	return p, nil
}
