package control

import (
	"bytes"

	"pagedldap/ber"
	"pagedldap/errors"
)

// SortKey is one key of a server side sort request.
type SortKey struct {
	Attribute    string
	OrderingRule string
	Reverse      bool
}

/*
DecodeSort parses a sort request control value. At least one key is required.

	SortKeyList ::= SEQUENCE OF SEQUENCE {
		attributeType   AttributeDescription,
		orderingRule    [0] MatchingRuleId OPTIONAL,
		reverseOrder    [1] BOOLEAN DEFAULT FALSE }

An empty orderingRule, as go-ldap always sends one, means the attribute's default ordering.
*/
func DecodeSort(c Control) ([]SortKey, error) {
	if c.OID != SortRequestOID {
		return nil, errors.New(errors.ProtocolViolation, "control %s is not a sort request", c.OID)
	}
	seq, err := ber.Expect(bytes.NewReader(c.Value), ber.ClassUniversal|ber.PcConstructed|ber.TagSequence, "sort key list")
	if err != nil {
		return nil, err
	}
	items, err := ber.ReadAll(seq.Value)
	if err != nil {
		return nil, errors.Wrap(err, errors.ProtocolViolation, "sort key list")
	}
	if len(items) == 0 {
		return nil, errors.New(errors.ProtocolViolation, "empty sort key list")
	}
	keys := make([]SortKey, 0, len(items))
	for _, it := range items {
		if !it.Is(ber.ClassUniversal | ber.PcConstructed | ber.TagSequence) {
			return nil, errors.New(errors.ProtocolViolation, "sort key is not a sequence")
		}
		r := bytes.NewReader(it.Value)
		at, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "sort attributeType")
		if err != nil {
			return nil, err
		}
		k := SortKey{Attribute: string(at.Value)}
		for r.Len() > 0 {
			f, err := ber.ReadTLV(r)
			if err != nil {
				return nil, errors.Wrap(err, errors.ProtocolViolation, "sort key %s", k.Attribute)
			}
			switch f.Tag {
			case ber.CtxTag(0, false):
				k.OrderingRule = string(f.Value)
			case ber.CtxTag(1, false):
				if k.Reverse, err = ber.DecodeBool(f.Value); err != nil {
					return nil, err
				}
			default:
				return nil, errors.New(errors.ProtocolViolation, "sort key %s: unexpected tag 0x%02X", k.Attribute, f.Tag)
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

/*
SortResult is the server side sort response control.

	SortResult ::= SEQUENCE {
		sortResult  ENUMERATED,
		attributeType [0] AttributeDescription OPTIONAL }

Code uses the LDAP result code space (0 success, 53 unwillingToPerform, ...).
*/
type SortResult struct {
	Code      int
	Attribute string
}

// Encode wraps the result in a non-critical response control.
func (s SortResult) Encode() Control {
	parts := [][]byte{ber.WrapEnum(int64(s.Code))}
	if s.Attribute != "" {
		parts = append(parts, ber.WrapCtx(0, []byte(s.Attribute), false))
	}
	return Control{OID: SortResponseOID, Value: ber.WrapSequence(parts...)}
}
