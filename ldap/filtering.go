package ldap

import (
	"bytes"
	"strconv"
	"strings"

	"pagedldap/ber"
	"pagedldap/directory"
	"pagedldap/errors"
)

// Filter choice tags (RFC 4511 4.5.1.7), all context-specific.
const (
	filterTagAnd        = 0
	filterTagOr         = 1
	filterTagNot        = 2
	filterTagEquality   = 3
	filterTagSubstrings = 4
	filterTagGreater    = 5
	filterTagLess       = 6
	filterTagPresent    = 7
	filterTagApprox     = 8
)

/*
The filter interface is anything that can evaluate whether a directory entry matches some condition.
Everything else in this file is implementations of it and the BER parser that builds them from the
filter of a SearchRequest.
*/
type filter interface{ Match(*directory.Entry) bool }

// filterPresent: (attr=*)
type filterPresent struct{ Attr string }

func (f filterPresent) Match(e *directory.Entry) bool {
	_, ok := e.Attrs[strings.ToLower(f.Attr)]
	return ok
}

// filterEq: (attr=value), case-insensitive. Approximate match (~=) is served by the same type.
type filterEq struct{ Attr, Value string }

func (f filterEq) Match(e *directory.Entry) bool {
	for _, v := range e.Attrs[strings.ToLower(f.Attr)] {
		if strings.EqualFold(v, f.Value) {
			return true
		}
	}
	return false
}

/*
filterOrdering: (attr>=value) or (attr<=value).
Values that both parse as integers are compared numerically, anything else case-insensitively.
*/
type filterOrdering struct {
	Attr, Value string
	Less        bool
}

func (f filterOrdering) Match(e *directory.Entry) bool {
	for _, v := range e.Attrs[strings.ToLower(f.Attr)] {
		c := compareValues(v, f.Value)
		if (f.Less && c <= 0) || (!f.Less && c >= 0) {
			return true
		}
	}
	return false
}

// compareValues orders two attribute values: numerically when both are integers, else case-insensitively.
func compareValues(a, b string) int {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// filterAnd: all sub-filters must match. An empty AND is true.
type filterAnd struct{ Subs []filter }

func (f filterAnd) Match(e *directory.Entry) bool {
	for _, s := range f.Subs {
		if !s.Match(e) {
			return false
		}
	}
	return true
}

// filterOr: at least one sub-filter must match. An empty OR is false.
type filterOr struct{ Subs []filter }

func (f filterOr) Match(e *directory.Entry) bool {
	for _, s := range f.Subs {
		if s.Match(e) {
			return true
		}
	}
	return false
}

type filterNot struct{ Sub filter }

func (f filterNot) Match(e *directory.Entry) bool { return !f.Sub.Match(e) }

/*
filterSubstr: (attr=init*any*any*final)
Pointers for Initial and Final distinguish "not provided" from "empty string".
*/
type filterSubstr struct {
	Attr    string
	Initial *string
	Anys    []string
	Final   *string
}

func (f filterSubstr) Match(e *directory.Entry) bool {
	vals := e.Attrs[strings.ToLower(f.Attr)]
	if len(vals) == 0 {
		return false
	}
	initLower, finalLower := "", ""
	if f.Initial != nil {
		initLower = strings.ToLower(*f.Initial)
	}
	if f.Final != nil {
		finalLower = strings.ToLower(*f.Final)
	}
	for _, v := range vals {
		lv := strings.ToLower(v)
		i := 0
		if f.Initial != nil {
			if !strings.HasPrefix(lv, initLower) {
				continue
			}
			i = len(initLower)
		}
		ok := true
		// "any" segments must appear in order, each after the previous one
		for _, seg := range f.Anys {
			seg = strings.ToLower(seg)
			idx := strings.Index(lv[i:], seg)
			if idx < 0 {
				ok = false
				break
			}
			i += idx + len(seg)
		}
		if !ok {
			continue
		}
		// the final part may not overlap what the initial and any parts consumed
		if f.Final != nil && (!strings.HasSuffix(lv, finalLower) || len(lv)-len(finalLower) < i) {
			continue
		}
		return true
	}
	return false
}

/*
indexHint is what the server asks the directory index for: an attribute and a value (or prefix).
Equality and substring filters with an initial part produce one, AND picks the first sub-filter
that has one. OR, NOT and ordering filters do not, which makes the search unindexed.
*/
type indexHint struct {
	Attr   string
	Value  string
	Prefix bool
}

func hintOf(f filter) (indexHint, bool) {
	switch ff := f.(type) {
	case filterEq:
		return indexHint{Attr: ff.Attr, Value: ff.Value}, true
	case filterSubstr:
		if ff.Initial != nil && *ff.Initial != "" {
			return indexHint{Attr: ff.Attr, Value: *ff.Initial, Prefix: true}, true
		}
	case filterAnd:
		for _, s := range ff.Subs {
			if h, ok := hintOf(s); ok {
				return h, true
			}
		}
	}
	return indexHint{}, false
}

/*
parseFilter turns one BER encoded filter element into a filter tree.
Unknown choices (extensible match included) are rejected rather than matched loosely: a client that
mis-encodes a restrictive filter must get an error, not more entries than it asked for.
*/
func parseFilter(tlv ber.TLV) (filter, error) {
	if tlv.Class() != ber.ClassContextSpecific {
		return nil, errors.New(errors.ProtocolViolation, "filter: unexpected tag 0x%02X", tlv.Tag)
	}
	switch {
	case tlv.Constructed() && (tlv.Number() == filterTagAnd || tlv.Number() == filterTagOr):
		items, err := ber.ReadAll(tlv.Value)
		if err != nil {
			return nil, errors.Wrap(err, errors.ProtocolViolation, "filter: set")
		}
		subs := make([]filter, 0, len(items))
		for _, it := range items {
			sf, err := parseFilter(it)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sf)
		}
		if tlv.Number() == filterTagAnd {
			return filterAnd{Subs: subs}, nil
		}
		return filterOr{Subs: subs}, nil

	case tlv.Constructed() && tlv.Number() == filterTagNot:
		items, err := ber.ReadAll(tlv.Value)
		if err != nil || len(items) != 1 {
			return nil, errors.New(errors.ProtocolViolation, "filter: NOT needs exactly one sub-filter")
		}
		sf, err := parseFilter(items[0])
		if err != nil {
			return nil, err
		}
		return filterNot{Sub: sf}, nil

	case tlv.Constructed() && (tlv.Number() == filterTagEquality || tlv.Number() == filterTagGreater ||
		tlv.Number() == filterTagLess || tlv.Number() == filterTagApprox):
		r := bytes.NewReader(tlv.Value)
		a, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "filter attribute")
		if err != nil {
			return nil, err
		}
		v, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "filter value")
		if err != nil {
			return nil, err
		}
		switch tlv.Number() {
		case filterTagGreater:
			return filterOrdering{Attr: string(a.Value), Value: string(v.Value)}, nil
		case filterTagLess:
			return filterOrdering{Attr: string(a.Value), Value: string(v.Value), Less: true}, nil
		}
		return filterEq{Attr: string(a.Value), Value: string(v.Value)}, nil

	case tlv.Constructed() && tlv.Number() == filterTagSubstrings:
		r := bytes.NewReader(tlv.Value)
		at, err := ber.Expect(r, ber.ClassUniversal|ber.PcPrimitive|ber.TagOctetString, "substring attribute")
		if err != nil {
			return nil, err
		}
		seq, err := ber.Expect(r, ber.ClassUniversal|ber.PcConstructed|ber.TagSequence, "substrings")
		if err != nil {
			return nil, err
		}
		parts, err := ber.ReadAll(seq.Value)
		if err != nil || len(parts) == 0 {
			return nil, errors.New(errors.ProtocolViolation, "filter: empty substring sequence")
		}
		f := filterSubstr{Attr: string(at.Value)}
		for i, ch := range parts {
			if ch.Class() != ber.ClassContextSpecific || ch.Constructed() {
				return nil, errors.New(errors.ProtocolViolation, "filter: bad substring choice 0x%02X", ch.Tag)
			}
			s := string(ch.Value)
			switch ch.Number() {
			case 0:
				if i != 0 {
					return nil, errors.New(errors.ProtocolViolation, "filter: initial substring must come first")
				}
				f.Initial = &s
			case 1:
				f.Anys = append(f.Anys, s)
			case 2:
				if i != len(parts)-1 {
					return nil, errors.New(errors.ProtocolViolation, "filter: final substring must come last")
				}
				f.Final = &s
			default:
				return nil, errors.New(errors.ProtocolViolation, "filter: unknown substring choice %d", ch.Number())
			}
		}
		return f, nil

	case !tlv.Constructed() && tlv.Number() == filterTagPresent:
		return filterPresent{Attr: string(tlv.Value)}, nil
	}
	return nil, errors.New(errors.ProtocolViolation, "filter: unsupported choice 0x%02X", tlv.Tag)
}
