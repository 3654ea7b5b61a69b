package ldap

import (
	asn1ber "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"

	"pagedldap/errors"
)

/*
The client half of a connection. Requests are built and responses read with asn1-ber packets and
go-ldap's filter compiler and control codecs, the way a go-ldap client talks to a directory server.
The server half (message.go, search.go) decodes the same bytes with its own strict reader.
*/

// Critical marks c critical on the wire. go-ldap encodes its paging and sort controls without a criticality field.
func Critical(c goldap.Control) goldap.Control {
	if c == nil {
		return nil
	}
	if _, ok := c.(criticalControl); ok {
		return c
	}
	return criticalControl{c}
}

type criticalControl struct{ goldap.Control }

// Encode emits the wrapped control with criticality TRUE right after its controlType.
func (c criticalControl) Encode() *asn1ber.Packet {
	inner := c.Control.Encode()
	p := asn1ber.Encode(asn1ber.ClassUniversal, asn1ber.TypeConstructed, asn1ber.TagSequence, nil, "Control")
	for i, child := range inner.Children {
		if i > 0 && child.ClassType == asn1ber.ClassUniversal && child.Tag == asn1ber.TagBoolean {
			continue
		}
		p.AppendChild(child)
		if i == 0 {
			p.AppendChild(asn1ber.NewBoolean(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagBoolean, true, "Criticality"))
		}
	}
	return p
}

func (c criticalControl) String() string { return c.Control.String() + " Criticality: true" }

// Criticality reports whether c goes on the wire marked critical.
func Criticality(c goldap.Control) bool {
	p := c.Encode()
	if len(p.Children) < 2 || p.Children[1].Tag != asn1ber.TagBoolean {
		return false
	}
	v, _ := p.Children[1].Value.(bool)
	return v
}

/*
searchRequestPacket builds the SearchRequest protocolOp. The filter goes through go-ldap's RFC 4515
compiler, so a filter it rejects never reaches the server.
*/
func searchRequestPacket(req *SearchRequest) (*asn1ber.Packet, error) {
	f, err := goldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "filter %q", req.Filter)
	}
	p := asn1ber.Encode(asn1ber.ClassApplication, asn1ber.TypeConstructed, asn1ber.Tag(goldap.ApplicationSearchRequest), nil, "Search Request")
	p.AppendChild(asn1ber.NewString(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagOctetString, req.BaseDN, "Base DN"))
	p.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagEnumerated, int64(req.Scope), "Scope"))
	p.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagEnumerated, int64(req.Deref), "Deref Aliases"))
	p.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagInteger, int64(req.SizeLimit), "Size Limit"))
	p.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagInteger, int64(req.TimeLimit), "Time Limit"))
	p.AppendChild(asn1ber.NewBoolean(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagBoolean, req.TypesOnly, "Types Only"))
	p.AppendChild(f)
	attrs := asn1ber.Encode(asn1ber.ClassUniversal, asn1ber.TypeConstructed, asn1ber.TagSequence, nil, "Attributes")
	for _, a := range req.Attributes {
		attrs.AppendChild(asn1ber.NewString(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagOctetString, a, "Attribute"))
	}
	p.AppendChild(attrs)
	return p, nil
}

// requestPacket wraps a protocolOp and its controls into an encoded LDAPMessage.
func requestPacket(msgID int64, protocolOp *asn1ber.Packet, ctrls []goldap.Control) []byte {
	msg := asn1ber.Encode(asn1ber.ClassUniversal, asn1ber.TypeConstructed, asn1ber.TagSequence, nil, "LDAP Request")
	msg.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagInteger, msgID, "MessageID"))
	msg.AppendChild(protocolOp)
	if len(ctrls) > 0 {
		cp := asn1ber.Encode(asn1ber.ClassContext, asn1ber.TypeConstructed, 0, nil, "Controls")
		for _, c := range ctrls {
			cp.AppendChild(c.Encode())
		}
		msg.AppendChild(cp)
	}
	return msg.Bytes()
}

/*
readResult folds the messages an operation produced (entries, then one done) into a Result.
Every message must carry msgID, and the done must be last.
*/
func readResult(msgID int64, packets [][]byte) (*Result, error) {
	res := &Result{}
	done := false
	for _, b := range packets {
		if done {
			return nil, errors.New(errors.ProtocolViolation, "message after SearchResultDone")
		}
		p, err := asn1ber.DecodePacketErr(b)
		if err != nil {
			return nil, errors.Wrap(err, errors.ProtocolViolation, "response")
		}
		if p.ClassType != asn1ber.ClassUniversal || p.Tag != asn1ber.TagSequence || len(p.Children) < 2 {
			return nil, errors.New(errors.ProtocolViolation, "response is not an LDAPMessage")
		}
		id, ok := p.Children[0].Value.(int64)
		if !ok {
			return nil, errors.New(errors.ProtocolViolation, "response messageID")
		}
		if id != msgID {
			return nil, errors.New(errors.ProtocolViolation, "response for message %d on operation %d", id, msgID)
		}
		op := p.Children[1]
		if op.ClassType != asn1ber.ClassApplication {
			return nil, errors.New(errors.ProtocolViolation, "protocolOp has class 0x%02X", byte(op.ClassType))
		}
		switch op.Tag {
		case goldap.ApplicationSearchResultEntry:
			e, err := readEntry(op)
			if err != nil {
				return nil, err
			}
			res.Entries = append(res.Entries, e)
		case goldap.ApplicationSearchResultDone:
			if err := readDone(op, res); err != nil {
				return nil, err
			}
			if len(p.Children) > 2 {
				if res.Controls, err = readControls(p.Children[2]); err != nil {
					return nil, err
				}
			}
			done = true
		default:
			return nil, errors.New(errors.ProtocolViolation, "unexpected protocolOp %d", op.Tag)
		}
	}
	if !done {
		return nil, errors.New(errors.ProtocolViolation, "no SearchResultDone")
	}
	return res, nil
}

func readEntry(op *asn1ber.Packet) (*Entry, error) {
	if len(op.Children) != 2 {
		return nil, errors.New(errors.ProtocolViolation, "SearchResultEntry has %d elements", len(op.Children))
	}
	dn, ok := op.Children[0].Value.(string)
	if !ok {
		return nil, errors.New(errors.ProtocolViolation, "SearchResultEntry objectName")
	}
	e := &Entry{DN: dn, Attributes: make(map[string][]string, len(op.Children[1].Children))}
	for _, attr := range op.Children[1].Children {
		if len(attr.Children) != 2 {
			return nil, errors.New(errors.ProtocolViolation, "attribute of %s has %d elements", dn, len(attr.Children))
		}
		name, ok := attr.Children[0].Value.(string)
		if !ok {
			return nil, errors.New(errors.ProtocolViolation, "attribute type of %s", dn)
		}
		vals := make([]string, 0, len(attr.Children[1].Children))
		for _, v := range attr.Children[1].Children {
			vals = append(vals, v.Data.String())
		}
		e.Attributes[name] = vals
	}
	return e, nil
}

func readDone(op *asn1ber.Packet, res *Result) error {
	if len(op.Children) < 3 {
		return errors.New(errors.ProtocolViolation, "SearchResultDone has %d elements", len(op.Children))
	}
	code, ok := op.Children[0].Value.(int64)
	if !ok {
		return errors.New(errors.ProtocolViolation, "SearchResultDone resultCode")
	}
	res.Code = ResultCode(code)
	res.MatchedDN = op.Children[1].Data.String()
	res.Diagnostic = op.Children[2].Data.String()
	return nil
}

func readControls(p *asn1ber.Packet) ([]goldap.Control, error) {
	if p.ClassType != asn1ber.ClassContext || p.Tag != 0 {
		return nil, errors.New(errors.ProtocolViolation, "controls element has tag %d", p.Tag)
	}
	out := make([]goldap.Control, 0, len(p.Children))
	for _, cp := range p.Children {
		c, err := readControl(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

/*
readControl decodes one response control with go-ldap. The sort response stays a raw control string:
go-ldap's decoded form drops the attributeType naming the key that failed.
*/
func readControl(p *asn1ber.Packet) (c goldap.Control, err error) {
	if len(p.Children) == 0 {
		return nil, errors.New(errors.ProtocolViolation, "empty control")
	}
	oid, ok := p.Children[0].Value.(string)
	if !ok {
		return nil, errors.New(errors.ProtocolViolation, "controlType")
	}
	if oid == goldap.ControlTypeServerSideSortingResult {
		critical, value := false, ""
		for _, ch := range p.Children[1:] {
			switch v := ch.Value.(type) {
			case bool:
				critical = v
			case string:
				value = v
			}
		}
		return goldap.NewControlString(oid, critical, value), nil
	}
	// go-ldap indexes into control values without checking their shape
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, errors.New(errors.ProtocolViolation, "control %s: malformed value", oid)
		}
	}()
	if c, err = goldap.DecodeControl(p); err != nil {
		return nil, errors.Wrap(err, errors.ProtocolViolation, "control %s", oid)
	}
	return c, nil
}

// Paging returns the paged results control of the result, if the server sent a readable one.
func (r *Result) Paging() (*goldap.ControlPaging, bool) {
	c, ok := goldap.FindControl(r.Controls, goldap.ControlTypePaging).(*goldap.ControlPaging)
	return c, ok
}

// SortResponse is the server side sort response control (RFC 2891).
type SortResponse struct {
	Code      ResultCode
	Attribute string
}

/*
SortResponse returns the sort response control of the result. The second return is false when the
server sent none.

	SortResult ::= SEQUENCE {
		sortResult  ENUMERATED,
		attributeType [0] AttributeDescription OPTIONAL }
*/
func (r *Result) SortResponse() (SortResponse, bool, error) {
	var sr SortResponse
	c := goldap.FindControl(r.Controls, goldap.ControlTypeServerSideSortingResult)
	if c == nil {
		return sr, false, nil
	}
	raw, ok := c.(*goldap.ControlString)
	if !ok {
		return sr, true, errors.New(errors.ProtocolViolation, "sort response of type %T", c)
	}
	p, err := asn1ber.DecodePacketErr([]byte(raw.ControlValue))
	if err != nil {
		return sr, true, errors.Wrap(err, errors.ProtocolViolation, "sort response")
	}
	if len(p.Children) == 0 {
		return sr, true, errors.New(errors.ProtocolViolation, "sort response without sortResult")
	}
	code, ok := p.Children[0].Value.(int64)
	if !ok {
		return sr, true, errors.New(errors.ProtocolViolation, "sort response sortResult")
	}
	sr.Code = ResultCode(code)
	if len(p.Children) > 1 {
		sr.Attribute = p.Children[1].Data.String()
	}
	return sr, true, nil
}
