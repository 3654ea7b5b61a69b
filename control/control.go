// Package control is the server side codec of the LDAP controls paged searches use: it reads request controls and writes response controls.
package control

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"pagedldap/ber"
	"pagedldap/errors"
)

// OIDs of the controls this package understands.
const (
	// PagedResultsOID is the simple paged results control (RFC 2696).
	PagedResultsOID = "1.2.840.113556.1.4.319"
	// SortRequestOID is the server side sort request control (RFC 2891).
	SortRequestOID = "1.2.840.113556.1.4.473"
	// SortResponseOID is the server side sort response control (RFC 2891).
	SortResponseOID = "1.2.840.113556.1.4.474"
)

// Control is a control as carried on the wire: an OID, a criticality flag and an opaque BER value.
type Control struct {
	OID         string
	Criticality bool
	Value       []byte
}

func (c Control) String() string {
	return fmt.Sprintf("%s critical=%t value=%s", c.OID, c.Criticality, hex.EncodeToString(c.Value))
}

// Find returns the first control with the given OID.
func Find(ctrls []Control, oid string) (Control, bool) {
	for _, c := range ctrls {
		if c.OID == oid {
			return c, true
		}
	}
	return Control{}, false
}

/*
Encode renders controls as the LDAPMessage "[0] Controls" element:

	Control ::= SEQUENCE {
		controlType   LDAPOID,
		criticality   BOOLEAN DEFAULT FALSE,
		controlValue  OCTET STRING OPTIONAL }

Returns nil when there are no controls, so callers can omit the element entirely.
*/
func Encode(ctrls []Control) []byte {
	if len(ctrls) == 0 {
		return nil
	}
	var inner bytes.Buffer
	for _, c := range ctrls {
		parts := [][]byte{ber.WrapString(c.OID)}
		if c.Criticality {
			parts = append(parts, ber.WrapBool(true))
		}
		if c.Value != nil {
			parts = append(parts, ber.WrapOctets(c.Value))
		}
		inner.Write(ber.WrapSequence(parts...))
	}
	return ber.WrapCtx(0, inner.Bytes(), true)
}

// Decode parses the contents of a "[0] Controls" element (without its identifier and length).
func Decode(b []byte) ([]Control, error) {
	items, err := ber.ReadAll(b)
	if err != nil {
		return nil, errors.Wrap(err, errors.ProtocolViolation, "controls")
	}
	out := make([]Control, 0, len(items))
	for _, it := range items {
		if !it.Is(ber.ClassUniversal | ber.PcConstructed | ber.TagSequence) {
			return nil, errors.New(errors.ProtocolViolation, "control is not a sequence")
		}
		r := bytes.NewReader(it.Value)
		oid, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "controlType")
		if err != nil {
			return nil, err
		}
		c := Control{OID: string(oid.Value)}
		for r.Len() > 0 {
			f, err := ber.ReadTLV(r)
			if err != nil {
				return nil, errors.Wrap(err, errors.ProtocolViolation, "control %s", c.OID)
			}
			switch f.Tag {
			case ber.ClassUniversal | ber.PcPrimitive | ber.TagBoolean:
				if c.Criticality, err = ber.DecodeBool(f.Value); err != nil {
					return nil, err
				}
			case ber.ClassUniversal | ber.PcPrimitive | ber.TagOctetString:
				c.Value = f.Value
			default:
				return nil, errors.New(errors.ProtocolViolation, "control %s: unexpected tag 0x%02X", c.OID, f.Tag)
			}
		}
		out = append(out, c)
	}
	return out, nil
}
