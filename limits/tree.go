package limits

import (
	"strings"
	"sync"

	"pagedldap/errors"
)

/*
Accessor reads and writes limit attributes on configuration entries, addressed by DN.
Server wide limits live on DNConfig and DNLDBMConfig, identity overrides on the identity's own DN.
*/
type Accessor interface {
	Get(dn, attr string) (string, bool)
	Set(dn, attr, value string) error
	Delete(dn, attr string) error
	Snapshot(dn string) Snapshot
}

/*
Tree is an in-memory Accessor. It is safe for concurrent use: the server reads snapshots while tests
and the CLI change attributes.
*/
type Tree struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
}

// NewTree builds a tree from dn -> attr -> value seed data.
func NewTree(seed map[string]map[string]string) *Tree {
	t := &Tree{entries: map[string]map[string]string{}}
	for dn, attrs := range seed {
		for k, v := range attrs {
			_ = t.Set(dn, k, v)
		}
	}
	return t
}

// DefaultServerConfig returns a tree carrying the stock 389-ds server limits.
func DefaultServerConfig() *Tree {
	return NewTree(map[string]map[string]string{
		DNConfig: {
			AttrSizeLimit:      "2000",
			AttrTimeLimit:      "3600",
			AttrPagedSizeLimit: "0",
		},
		DNLDBMConfig: {
			AttrLookthroughLimit:      "5000",
			AttrIDListScanLimit:       "4000",
			AttrPagedLookthroughLimit: "0",
			AttrPagedIDListScanLimit:  "0",
		},
	})
}

// NormalizeDN lowercases a DN and drops blanks around RDN separators.
func NormalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}

func (t *Tree) Get(dn, attr string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[NormalizeDN(dn)][strings.ToLower(attr)]
	return v, ok
}

func (t *Tree) Set(dn, attr, value string) error {
	if strings.TrimSpace(dn) == "" || strings.TrimSpace(attr) == "" {
		return errors.New(errors.InvalidArgument, "set %q on %q: dn and attribute are required", attr, dn)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := NormalizeDN(dn)
	e, ok := t.entries[key]
	if !ok {
		e = map[string]string{}
		t.entries[key] = e
	}
	e[strings.ToLower(attr)] = value
	return nil
}

// Delete removes attr from dn. Deleting an absent attribute is not an error.
func (t *Tree) Delete(dn, attr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := NormalizeDN(dn)
	if e, ok := t.entries[key]; ok {
		delete(e, strings.ToLower(attr))
		if len(e) == 0 {
			delete(t.entries, key)
		}
	}
	return nil
}

func (t *Tree) Snapshot(dn string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return NewSnapshot(t.entries[NormalizeDN(dn)])
}

// ServerSnapshot merges cn=config and the ldbm database config entry into one snapshot.
func ServerSnapshot(acc Accessor) Snapshot {
	return acc.Snapshot(DNConfig).Merge(acc.Snapshot(DNLDBMConfig))
}

// ForIdentity resolves the limits that apply to dn right now.
func ForIdentity(acc Accessor, dn string, mode Mode) Effective {
	return Resolve(ServerSnapshot(acc), acc.Snapshot(dn), mode)
}

/*
Change sets attr on dn to value (an empty value deletes it) and returns a func that puts the previous
state back. Callers defer the restore so a changed limit never leaks into the next search.
*/
func Change(acc Accessor, dn, attr, value string) (restore func() error, err error) {
	prev, had := acc.Get(dn, attr)
	if value == "" {
		err = acc.Delete(dn, attr)
	} else {
		err = acc.Set(dn, attr, value)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "change %s on %s", attr, dn)
	}
	return func() error {
		if had {
			return acc.Set(dn, attr, prev)
		}
		return acc.Delete(dn, attr)
	}, nil
}
