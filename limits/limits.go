// Package limits resolves the size, time and administrative limits that police one paged search.
package limits

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"pagedldap/errors"
)

// Configuration entries holding the server wide limits.
const (
	DNConfig     = "cn=config"
	DNLDBM       = "cn=ldbm database,cn=plugins,cn=config"
	DNLDBMConfig = "cn=config," + DNLDBM
)

// Server wide limit attributes.
const (
	AttrSizeLimit             = "nsslapd-sizelimit"
	AttrTimeLimit             = "nsslapd-timelimit"
	AttrPagedSizeLimit        = "nsslapd-pagedsizelimit"
	AttrIDListScanLimit       = "nsslapd-idlistscanlimit"
	AttrPagedIDListScanLimit  = "nsslapd-pagedidlistscanlimit"
	AttrLookthroughLimit      = "nsslapd-lookthroughlimit"
	AttrPagedLookthroughLimit = "nsslapd-pagedlookthroughlimit"
)

// Identity level overrides, stored on the bound entry.
const (
	AttrNsSizeLimit             = "nsSizeLimit"
	AttrNsTimeLimit             = "nsTimeLimit"
	AttrNsPagedSizeLimit        = "nsPagedSizeLimit"
	AttrNsIDListScanLimit       = "nsIDListScanLimit"
	AttrNsPagedIDListScanLimit  = "nsPagedIDListScanLimit"
	AttrNsLookThroughLimit      = "nsLookThroughLimit"
	AttrNsPagedLookthroughLimit = "nsPagedLookthroughLimit"
)

// Limit is one resolved cap. Unbounded means no cap at all.
type Limit int64

// Unbounded is the sentinel for "no limit configured".
const Unbounded Limit = -1

// Bounded reports whether the limit caps anything.
func (l Limit) Bounded() bool { return l >= 0 }

// Exceeded reports whether n is over the limit. An unbounded limit is never exceeded.
func (l Limit) Exceeded(n int64) bool { return l.Bounded() && n > int64(l) }

func (l Limit) String() string {
	if !l.Bounded() {
		return "unbounded"
	}
	return strconv.FormatInt(int64(l), 10)
}

// Mode selects which family of ID-list-scan and lookthrough attributes apply.
type Mode int

const (
	// Plain is an ordinary search.
	Plain Mode = iota
	// Paged is a search carrying the simple paged results control.
	Paged
)

func (m Mode) String() string {
	if m == Paged {
		return "paged"
	}
	return "plain"
}

/*
Effective is the tuple of limits resolved for one identity at one point in time.
Time is in seconds. A PagedSize of zero (or unbounded) means the plain size limit also caps the page size.
*/
type Effective struct {
	Size        Limit `json:"size"`
	Time        Limit `json:"time"`
	PagedSize   Limit `json:"pagedSize"`
	IDListScan  Limit `json:"idListScan"`
	Lookthrough Limit `json:"lookthrough"`
}

// Unlimited returns limits that cap nothing, as granted to the root DN.
func Unlimited() Effective {
	return Effective{Size: Unbounded, Time: Unbounded, PagedSize: Unbounded, IDListScan: Unbounded, Lookthrough: Unbounded}
}

// PageCap is the largest page size a paged request may ask for.
func (e Effective) PageCap() Limit {
	if e.PagedSize > 0 {
		return e.PagedSize
	}
	return e.Size
}

// CheckPageSize fails with SizeLimitExceeded when n is above PageCap.
func (e Effective) CheckPageSize(n int) error {
	if c := e.PageCap(); c.Exceeded(int64(n)) {
		return errors.New(errors.SizeLimitExceeded, "page size %d exceeds limit %s", n, c)
	}
	return nil
}

// TimeLimit returns the time limit as a duration, and false when unbounded (or zero, which 389-ds treats as none).
func (e Effective) TimeLimit() (time.Duration, bool) {
	if e.Time <= 0 {
		return 0, false
	}
	return time.Duration(e.Time) * time.Second, true
}

func (e Effective) String() string {
	return fmt.Sprintf("size=%s time=%s pagedsize=%s idlistscan=%s lookthrough=%s",
		e.Size, e.Time, e.PagedSize, e.IDListScan, e.Lookthrough)
}

/*
Snapshot is an immutable view of one configuration entry: attribute name (lowercased) to value.
Only the first value of a multi-valued attribute is kept, limit attributes are single valued.
*/
type Snapshot struct {
	vals map[string]string
}

// NewSnapshot copies m, folding attribute names to lower case.
func NewSnapshot(m map[string]string) Snapshot {
	vals := make(map[string]string, len(m))
	for k, v := range m {
		vals[strings.ToLower(k)] = v
	}
	return Snapshot{vals: vals}
}

// Get returns the raw value of attr.
func (s Snapshot) Get(attr string) (string, bool) {
	v, ok := s.vals[strings.ToLower(attr)]
	return v, ok
}

// Attributes lists the attribute names present, sorted.
func (s Snapshot) Attributes() []string {
	keys := lo.Keys(s.vals)
	sort.Strings(keys)
	return keys
}

// Len is the number of attributes in the snapshot.
func (s Snapshot) Len() int { return len(s.vals) }

// Merge returns a snapshot holding the attributes of s and then other, other winning on conflicts.
func (s Snapshot) Merge(other Snapshot) Snapshot {
	return Snapshot{vals: lo.Assign(s.vals, other.vals)}
}

// lookup returns the first parsable value along the chain, Unbounded when none is.
func lookup(chain ...source) Limit {
	for _, src := range chain {
		raw, ok := src.snap.Get(src.attr)
		if !ok {
			continue
		}
		// decimal only: 389-ds reads "010" as ten, not as an octal literal
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || (n == 0 && src.zeroUnset) {
			continue
		}
		if n < 0 {
			return Unbounded
		}
		return Limit(n)
	}
	return Unbounded
}

// source is one step of a lookup chain. zeroUnset marks paged variants, where 0 means "use the plain attribute".
type source struct {
	snap      Snapshot
	attr      string
	zeroUnset bool
}

/*
Resolve computes the effective limits from a server wide snapshot (cn=config merged with the ldbm
config entry) and the bound identity's entry. Identity values win whenever they are present and parse;
-1 anywhere in the chain means unbounded and stops the lookup. It never fails.

In Paged mode the paged variants of the ID-list-scan and lookthrough attributes are consulted before
the plain ones, at both levels. A paged variant set to 0 is skipped.
*/
func Resolve(server, identity Snapshot, mode Mode) Effective {
	e := Effective{
		Size:      lookup(source{identity, AttrNsSizeLimit, false}, source{server, AttrSizeLimit, false}),
		Time:      lookup(source{identity, AttrNsTimeLimit, false}, source{server, AttrTimeLimit, false}),
		PagedSize: lookup(source{identity, AttrNsPagedSizeLimit, false}, source{server, AttrPagedSizeLimit, false}),
	}
	if mode == Paged {
		e.IDListScan = lookup(
			source{identity, AttrNsPagedIDListScanLimit, true},
			source{identity, AttrNsIDListScanLimit, false},
			source{server, AttrPagedIDListScanLimit, true},
			source{server, AttrIDListScanLimit, false},
		)
		e.Lookthrough = lookup(
			source{identity, AttrNsPagedLookthroughLimit, true},
			source{identity, AttrNsLookThroughLimit, false},
			source{server, AttrPagedLookthroughLimit, true},
			source{server, AttrLookthroughLimit, false},
		)
	} else {
		e.IDListScan = lookup(source{identity, AttrNsIDListScanLimit, false}, source{server, AttrIDListScanLimit, false})
		e.Lookthrough = lookup(source{identity, AttrNsLookThroughLimit, false}, source{server, AttrLookthroughLimit, false})
	}
	return e
}
