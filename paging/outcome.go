package paging

import (
	"pagedldap/errors"
	"pagedldap/ldap"
)

// Kind tells the caller what to do after a page.
type Kind int

const (
	// MorePages: entries arrived and the server handed out a cookie, call NextPage again.
	MorePages Kind = iota
	// Done: the last page, the session is Completed.
	Done
	// LimitExceeded: a size, time or administrative limit ended the session.
	LimitExceeded
	// Invalid: the cookie was tampered with or the server broke the protocol.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case MorePages:
		return "MorePages"
	case Done:
		return "Done"
	case LimitExceeded:
		return "LimitExceeded"
	case Invalid:
		return "Invalid"
	}
	return "Kind(?)"
}

// Limit names the limit behind a LimitExceeded outcome.
type Limit int

const (
	SizeLimit Limit = iota + 1
	AdminLimit
	CriticalExtensionUnavailable
	TimeLimit
)

func (l Limit) String() string {
	switch l {
	case SizeLimit:
		return "SizeLimit"
	case AdminLimit:
		return "AdminLimit"
	case CriticalExtensionUnavailable:
		return "CriticalExtensionUnavailable"
	case TimeLimit:
		return "TimeLimit"
	}
	return "none"
}

func (l Limit) code() errors.Code {
	switch l {
	case SizeLimit:
		return errors.SizeLimitExceeded
	case AdminLimit:
		return errors.AdminLimitExceeded
	case CriticalExtensionUnavailable:
		return errors.CriticalExtensionUnavailable
	case TimeLimit:
		return errors.TimeLimitExceeded
	}
	return errors.Unknown
}

/*
Outcome is the result of one NextPage round trip. Entries are the entries of this page, for a
LimitExceeded outcome only those that arrived within the limit. Cookie is set on MorePages only.
Code and Diagnostic echo the server's SearchResultDone.
*/
type Outcome struct {
	Kind       Kind
	Limit      Limit
	Entries    []*ldap.Entry
	Cookie     Cookie
	Code       ldap.ResultCode
	Diagnostic string
	err        error
}

// Err is nil for MorePages and Done, and the coded error of the limit or violation otherwise.
func (o Outcome) Err() error { return o.err }

func morePages(entries []*ldap.Entry, c Cookie) Outcome {
	if c.IsEmpty() {
		return invalid(entries, errors.New(errors.ProtocolViolation, "more pages announced with an empty cookie"))
	}
	return Outcome{Kind: MorePages, Entries: entries, Cookie: c.clone()}
}

func done(entries []*ldap.Entry) Outcome {
	return Outcome{Kind: Done, Entries: entries}
}

func limitExceeded(l Limit, entries []*ldap.Entry, res *ldap.Result) Outcome {
	o := Outcome{Kind: LimitExceeded, Limit: l, Entries: entries}
	msg := l.String() + " exceeded"
	if res != nil {
		o.Code, o.Diagnostic = res.Code, res.Diagnostic
		if res.Diagnostic != "" {
			msg += ": " + res.Diagnostic
		}
	}
	o.err = errors.New(l.code(), "%s", msg)
	return o
}

func invalid(entries []*ldap.Entry, err error) Outcome {
	return Outcome{Kind: Invalid, Entries: entries, err: err}
}
