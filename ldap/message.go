package ldap

import (
	"bytes"
	"sort"
	"strings"

	"github.com/samber/lo"

	"pagedldap/ber"
	"pagedldap/control"
	"pagedldap/errors"
)

/*
LDAP application tags (RFC 4511) for the operations the in-memory server speaks.
*/
const (
	appSearchReq      = 3
	appSearchResEntry = 4
	appSearchDone     = 5
)

/*
encodeMessage wraps a protocolOp into an LDAPMessage:

	LDAPMessage ::= SEQUENCE {
		messageID   INTEGER,
		protocolOp  CHOICE { ... },
		controls    [0] Controls OPTIONAL }
*/
func encodeMessage(msgID int64, protocolOp []byte, ctrls []control.Control) []byte {
	return ber.WrapSequence(ber.WrapInteger(msgID), protocolOp, control.Encode(ctrls))
}

// message is a decoded LDAPMessage: the ID, the protocolOp element and the controls.
type message struct {
	ID       int64
	Op       ber.TLV
	Controls []control.Control
}

// decodeMessage reads one LDAPMessage. It is strict: a non-sequence, a bad ID or a non-application op is a protocol error.
func decodeMessage(packet []byte) (message, error) {
	var m message
	outer, err := ber.Expect(bytes.NewReader(packet), ber.ClassUniversal|ber.PcConstructed|ber.TagSequence, "LDAPMessage")
	if err != nil {
		return m, err
	}
	r := bytes.NewReader(outer.Value)
	if m.ID, err = ber.ExpectInt(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagInteger, "messageID"); err != nil {
		return m, err
	}
	if m.Op, err = ber.ReadTLV(r); err != nil {
		return m, errors.Wrap(err, errors.ProtocolViolation, "protocolOp")
	}
	if m.Op.Class() != ber.ClassApplication {
		return m, errors.New(errors.ProtocolViolation, "protocolOp has class 0x%02X", m.Op.Class())
	}
	if r.Len() > 0 {
		c, err := ber.Expect(r, ber.CtxTag(0, true), "controls")
		if err != nil {
			return m, err
		}
		if m.Controls, err = control.Decode(c.Value); err != nil {
			return m, err
		}
	}
	return m, nil
}

// decodedSearch is the server side view of a SearchRequest: the request fields plus the parsed filter tree.
type decodedSearch struct {
	Request SearchRequest
	Filter  filter
}

/*
decodeSearchRequest parses the body of a SearchRequest op, field by field, in wire order.
Negative size and time limits are treated as 0 (no client limit).
*/
func decodeSearchRequest(body []byte) (decodedSearch, error) {
	var d decodedSearch
	r := bytes.NewReader(body)
	base, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "baseObject")
	if err != nil {
		return d, err
	}
	d.Request.BaseDN = string(base.Value)
	scope, err := ber.ExpectInt(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagEnum, "scope")
	if err != nil {
		return d, err
	}
	if scope < 0 || scope > 2 {
		return d, errors.New(errors.ProtocolViolation, "scope %d out of range", scope)
	}
	d.Request.Scope = Scope(scope)
	deref, err := ber.ExpectInt(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagEnum, "derefAliases")
	if err != nil {
		return d, err
	}
	d.Request.Deref = Deref(deref)
	size, err := ber.ExpectInt(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagInteger, "sizeLimit")
	if err != nil {
		return d, err
	}
	d.Request.SizeLimit = int(max(size, 0))
	tl, err := ber.ExpectInt(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagInteger, "timeLimit")
	if err != nil {
		return d, err
	}
	d.Request.TimeLimit = int(max(tl, 0))
	typesOnly, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagBoolean, "typesOnly")
	if err != nil {
		return d, err
	}
	if d.Request.TypesOnly, err = ber.DecodeBool(typesOnly.Value); err != nil {
		return d, err
	}
	fTLV, err := ber.ReadTLV(r)
	if err != nil {
		return d, errors.Wrap(err, errors.ProtocolViolation, "filter")
	}
	if d.Filter, err = parseFilter(fTLV); err != nil {
		return d, err
	}
	// the string form is kept so the paged state can tell one search from another
	d.Request.Filter = string(fTLV.Encode())
	attrSeq, err := ber.Expect(r, ber.ClassUniversal|ber.PcConstructed|ber.TagSequence, "attributes")
	if err != nil {
		return d, err
	}
	items, err := ber.ReadAll(attrSeq.Value)
	if err != nil {
		return d, errors.Wrap(err, errors.ProtocolViolation, "attributes")
	}
	for _, a := range items {
		if !a.Is(ber.ClassUniversal | ber.PcPrimitive | ber.TagOctetString) {
			return d, errors.New(errors.ProtocolViolation, "attribute selector has tag 0x%02X", a.Tag)
		}
		d.Request.Attributes = append(d.Request.Attributes, strings.ToLower(string(a.Value)))
	}
	return d, nil
}

/*
encodeSearchEntry builds a SearchResultEntry for e, honouring the attribute selection:
"1.1" selects nothing, no selection or "*" selects everything, otherwise only the named
attributes. typesOnly drops the values. Attributes are emitted in name order.
*/
func encodeSearchEntry(e *Entry, selection []string, typesOnly bool) []byte {
	noAttrs := lo.Contains(selection, "1.1")
	returnAll := !noAttrs && (len(selection) == 0 || lo.Contains(selection, "*"))
	var list bytes.Buffer
	if !noAttrs {
		names := lo.Keys(e.Attributes)
		sort.Strings(names)
		for _, at := range names {
			if !returnAll && !lo.Contains(selection, strings.ToLower(at)) {
				continue
			}
			var vals bytes.Buffer
			if !typesOnly {
				for _, v := range e.Attributes[at] {
					vals.Write(ber.WrapString(v))
				}
			}
			list.Write(ber.WrapSequence(ber.WrapString(at), ber.WrapSet(vals.Bytes())))
		}
	}
	return ber.WrapApp(appSearchResEntry, append(ber.WrapString(e.DN), ber.WrapSequence(list.Bytes())...))
}

/*
encodeSearchDone builds SearchResultDone:

	LDAPResult ::= SEQUENCE { resultCode ENUMERATED, matchedDN LDAPDN, diagnosticMessage LDAPString }
*/
func encodeSearchDone(code ResultCode, matchedDN, diag string) []byte {
	return ber.WrapApp(appSearchDone, bytes.Join([][]byte{
		ber.WrapEnum(int64(code)),
		ber.WrapString(matchedDN),
		ber.WrapString(diag),
	}, nil))
}
