package ldap

import (
	"fmt"
	"sort"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"pagedldap/directory"
	"pagedldap/errors"
)

// ResultCode is an LDAP result code (RFC 4511 appendix A).
type ResultCode int

const (
	Success                      ResultCode = 0
	OperationsError              ResultCode = 1
	ProtocolError                ResultCode = 2
	TimeLimitExceeded            ResultCode = 3
	SizeLimitExceeded            ResultCode = 4
	AdminLimitExceeded           ResultCode = 11
	UnavailableCriticalExtension ResultCode = 12
	InappropriateMatching        ResultCode = 18
	NoSuchObject                 ResultCode = 32
	InvalidCredentials           ResultCode = 49
	UnwillingToPerform           ResultCode = 53
)

var resultNames = map[ResultCode]string{
	Success:                      "success",
	OperationsError:              "operationsError",
	ProtocolError:                "protocolError",
	TimeLimitExceeded:            "timeLimitExceeded",
	SizeLimitExceeded:            "sizeLimitExceeded",
	AdminLimitExceeded:           "adminLimitExceeded",
	UnavailableCriticalExtension: "unavailableCriticalExtension",
	InappropriateMatching:        "inappropriateMatching",
	NoSuchObject:                 "noSuchObject",
	InvalidCredentials:           "invalidCredentials",
	UnwillingToPerform:           "unwillingToPerform",
}

func (rc ResultCode) String() string {
	if n, ok := resultNames[rc]; ok {
		return fmt.Sprintf("%s (%d)", n, int(rc))
	}
	return fmt.Sprintf("resultCode(%d)", int(rc))
}

// Scope is the search scope. It shares the directory's enumeration.
type Scope = directory.Scope

const (
	ScopeBaseObject   = directory.ScopeBase
	ScopeSingleLevel  = directory.ScopeOne
	ScopeWholeSubtree = directory.ScopeSub
)

// ParseScope accepts "base", "one" / "onelevel" and "sub" / "subtree".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "baseobject":
		return ScopeBaseObject, nil
	case "one", "onelevel", "singlelevel":
		return ScopeSingleLevel, nil
	case "sub", "subtree", "wholesubtree", "":
		return ScopeWholeSubtree, nil
	}
	return 0, errors.New(errors.InvalidArgument, "unknown scope %q", s)
}

// Deref is the alias dereferencing policy. The in-memory directory has no aliases, so it is carried but not acted on.
type Deref int

const (
	NeverDerefAliases Deref = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

/*
SearchRequest is one logical search. It is immutable once handed to a paged session: the session
re-issues the same request for every page, only the paged results control changes.
*/
type SearchRequest struct {
	BaseDN     string
	Scope      Scope  `validate:"gte=0,lte=2"`
	Deref      Deref  `validate:"gte=0,lte=3"`
	Filter     string `validate:"required"`
	Attributes []string
	// SizeLimit and TimeLimit (seconds) are client requested caps, 0 means none.
	SizeLimit int `validate:"gte=0"`
	TimeLimit int `validate:"gte=0"`
	TypesOnly bool
}

var validate = validator.New()

// Validate checks the struct constraints and that the filter compiles as RFC 4515.
func (r *SearchRequest) Validate() error {
	if r == nil {
		return errors.New(errors.InvalidArgument, "nil search request")
	}
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "search request")
	}
	if _, err := goldap.CompileFilter(r.Filter); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "search request")
	}
	return nil
}

// key identifies the search for paged state bookkeeping: a cookie is only valid for the search it was issued to.
func (r *SearchRequest) key() string {
	attrs := lo.Map(r.Attributes, func(a string, _ int) string { return strings.ToLower(a) })
	sort.Strings(attrs)
	return fmt.Sprintf("%s|%d|%s|%s|%t", strings.ToLower(r.BaseDN), r.Scope, r.Filter, strings.Join(attrs, ","), r.TypesOnly)
}

// Entry is a search result entry as the client sees it.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Get returns the first value of attr (case-insensitive), or "".
func (e *Entry) Get(attr string) string {
	for k, v := range e.Attributes {
		if strings.EqualFold(k, attr) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Result is everything one search operation produced: the entries and the SearchResultDone.
type Result struct {
	Entries    []*Entry
	Controls   []goldap.Control
	Code       ResultCode
	MatchedDN  string
	Diagnostic string
}

// Handle identifies an outstanding operation on a connection (its message ID).
type Handle int64

// ErrTimeout is returned by AwaitResult when no result arrived in time.
var ErrTimeout = errors.New(errors.TimedOut, "ldap: timed out waiting for result")
