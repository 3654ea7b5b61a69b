package directory

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/samber/lo"
)

/*
The Entry struct models a single object/node/record, with associated attributes, in a hierarchical directory tree.
*/
type Entry struct {
	// DN = Distinguished Name, the unique identifier for an entry.
	DN string
	// Attribute name (lowercased) → list of values.
	Attrs map[string][]string
	// DNs of child entries, in insertion order.
	Children []string
	// DN of the parent entry, empty for the base entry.
	Parent string
}

// Clone deep-copies the entry so callers can decorate it without touching the directory.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Attrs = make(map[string][]string, len(e.Attrs))
	for k, v := range e.Attrs {
		c.Attrs[k] = append([]string(nil), v...)
	}
	c.Children = append([]string(nil), e.Children...)
	return &c
}

// First returns the first value of attr, or "".
func (e *Entry) First(attr string) string {
	if vs := e.Attrs[strings.ToLower(attr)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Scope mirrors the LDAP search scope enumeration.
type Scope int

const (
	ScopeBase Scope = 0
	ScopeOne  Scope = 1
	ScopeSub  Scope = 2
)

// DefaultIndexed lists the attributes that get an equality/prefix index when none are given.
var DefaultIndexed = []string{"objectclass", "uid", "cn", "sn", "mail"}

/*
The Directory struct models the entire in-memory directory database.
ByDN is the main index. Indexed attributes additionally map each lowercased value to the DNs
carrying it, which is what the server walks to build a candidate list (and charges against the
ID-list-scan limit).
*/
type Directory struct {
	// lowercased DN → Entry
	ByDN map[string]*Entry
	// The root DN of the directory.
	BaseDN string
	// attribute → lowercased value → lowercased DNs
	index   map[string]map[string][]string
	indexed map[string]bool
}

/*
NewDirectory builds a directory holding:
(1) a root domain entry at baseDN,
(2) an ou=people organizational unit under it,
(3) an ou=groups organizational unit under it.
The attributes in indexed (DefaultIndexed when empty) get an equality/prefix index.
*/
func NewDirectory(baseDN string, indexed ...string) *Directory {
	if len(indexed) == 0 {
		indexed = DefaultIndexed
	}
	d := &Directory{
		ByDN:    map[string]*Entry{},
		BaseDN:  baseDN,
		index:   map[string]map[string][]string{},
		indexed: map[string]bool{},
	}
	for _, a := range indexed {
		d.indexed[strings.ToLower(a)] = true
	}
	d.Add(&Entry{
		DN:    baseDN,
		Attrs: Attrs("objectClass", "top", "objectClass", "domain", "dc", firstDC(baseDN)),
	})
	d.Add(&Entry{
		DN:     PeopleDN(baseDN),
		Attrs:  Attrs("objectClass", "top", "objectClass", "organizationalUnit", "ou", "people"),
		Parent: baseDN,
	})
	d.Add(&Entry{
		DN:     GroupsDN(baseDN),
		Attrs:  Attrs("objectClass", "top", "objectClass", "organizationalUnit", "ou", "groups"),
		Parent: baseDN,
	})
	return d
}

// PeopleDN is the container users are seeded under.
func PeopleDN(baseDN string) string { return "ou=people," + baseDN }

// GroupsDN is the container groups are seeded under.
func GroupsDN(baseDN string) string { return "ou=groups," + baseDN }

/*
Attrs turns an even-length list of key/value strings into an attribute map.
Keys are lower-cased and repeated keys collect their values. A trailing odd key is ignored.
*/
func Attrs(kv ...string) map[string][]string {
	m := map[string][]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		k := strings.ToLower(kv[i])
		m[k] = append(m[k], kv[i+1])
	}
	return m
}

/*
AddUser adds a person under ou=people with the given uid and extra attribute pairs.
The entry always carries objectClass top/person/inetOrgPerson and the uid.
*/
func (d *Directory) AddUser(uid string, kv ...string) *Entry {
	attrs := Attrs(append([]string{
		"objectClass", "top",
		"objectClass", "person",
		"objectClass", "inetOrgPerson",
		"uid", uid,
	}, kv...)...)
	e := &Entry{DN: "uid=" + uid + "," + PeopleDN(d.BaseDN), Attrs: attrs, Parent: PeopleDN(d.BaseDN)}
	d.Add(e)
	return e
}

// AddGroup adds a groupOfNames under ou=groups with the given member DNs.
func (d *Directory) AddGroup(cn string, members ...string) *Entry {
	kv := []string{"objectClass", "top", "objectClass", "groupOfNames", "cn", cn}
	for _, m := range members {
		kv = append(kv, "member", m)
	}
	e := &Entry{DN: "cn=" + cn + "," + GroupsDN(d.BaseDN), Attrs: Attrs(kv...), Parent: GroupsDN(d.BaseDN)}
	d.Add(e)
	return e
}

/*
Add stores an entry under its DN, links it to its parent, and indexes it.
Attribute names are folded to lower case on the way in. Re-adding a DN replaces the entry but keeps
the parent's child list free of duplicates.
*/
func (d *Directory) Add(e *Entry) {
	lowerDN := strings.ToLower(e.DN)
	if len(e.Attrs) > 0 {
		folded := make(map[string][]string, len(e.Attrs))
		for k, v := range e.Attrs {
			lk := strings.ToLower(k)
			folded[lk] = append(folded[lk], v...)
		}
		e.Attrs = folded
	}
	old, replaced := d.ByDN[lowerDN]
	if replaced {
		d.unindex(old)
		e.Children = old.Children
	}
	d.ByDN[lowerDN] = e
	if e.Parent != "" && !replaced {
		if parent := d.ByDN[strings.ToLower(e.Parent)]; parent != nil {
			parent.Children = append(parent.Children, e.DN)
		}
	}
	for attr, vals := range e.Attrs {
		if !d.indexed[attr] {
			continue
		}
		byVal, ok := d.index[attr]
		if !ok {
			byVal = map[string][]string{}
			d.index[attr] = byVal
		}
		for _, v := range lo.Uniq(lowerAll(vals)) {
			byVal[v] = append(byVal[v], lowerDN)
		}
	}
}

func (d *Directory) unindex(e *Entry) {
	lowerDN := strings.ToLower(e.DN)
	for attr, vals := range e.Attrs {
		byVal := d.index[attr]
		if byVal == nil {
			continue
		}
		for _, v := range lowerAll(vals) {
			byVal[v] = lo.Without(byVal[v], lowerDN)
			if len(byVal[v]) == 0 {
				delete(byVal, v)
			}
		}
	}
}

// Get returns the entry stored under dn (case-insensitive), or nil.
func (d *Directory) Get(dn string) *Entry {
	return d.ByDN[strings.ToLower(dn)]
}

// Len is the number of entries, containers included.
func (d *Directory) Len() int { return len(d.ByDN) }

/*
Subtree returns the entry at startDN and all of its descendants, depth first, in insertion order.
Visited DNs are tracked so a corrupted parent/child cycle cannot recurse forever.
*/
func (d *Directory) Subtree(startDN string) []*Entry {
	if d.Get(startDN) == nil {
		return nil
	}
	var acc []*Entry
	visited := make(map[string]bool)
	var dfs func(dn string)
	dfs = func(dn string) {
		ldn := strings.ToLower(dn)
		if visited[ldn] {
			return
		}
		visited[ldn] = true
		e := d.Get(dn)
		if e == nil {
			return
		}
		acc = append(acc, e)
		for _, c := range e.Children {
			dfs(c)
		}
	}
	dfs(startDN)
	return acc
}

// ChildrenOf returns the direct children of startDN, nil when startDN does not exist.
func (d *Directory) ChildrenOf(startDN string) []*Entry {
	start := d.Get(startDN)
	if start == nil {
		return nil
	}
	out := []*Entry{}
	for _, c := range start.Children {
		if e := d.Get(c); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Scope returns the entries a search of the given scope rooted at base would consider.
func (d *Directory) Scope(base string, scope Scope) []*Entry {
	switch scope {
	case ScopeBase:
		if e := d.Get(base); e != nil {
			return []*Entry{e}
		}
		return nil
	case ScopeOne:
		return d.ChildrenOf(base)
	default:
		return d.Subtree(base)
	}
}

// Indexed reports whether attr has an index.
func (d *Directory) Indexed(attr string) bool { return d.indexed[strings.ToLower(attr)] }

/*
Candidates walks the index of attr for value (a prefix when prefix is true) and returns the matching
entries inside the search scope, in scope order. The second result is false when attr is not indexed,
in which case the caller has to fall back to the whole scope.

The number of IDs read from the index (before the scope restriction) is returned as scanned, which is
what an ID-list-scan limit is charged with.
*/
func (d *Directory) Candidates(base string, scope Scope, attr, value string, prefix bool) (entries []*Entry, scanned int, ok bool) {
	attr = strings.ToLower(attr)
	if !d.indexed[attr] {
		return nil, 0, false
	}
	value = strings.ToLower(value)
	ids := map[string]bool{}
	byVal := d.index[attr]
	if prefix {
		keys := lo.Keys(byVal)
		sort.Strings(keys)
		for _, k := range keys {
			if strings.HasPrefix(k, value) {
				for _, dn := range byVal[k] {
					ids[dn] = true
				}
			}
		}
	} else {
		for _, dn := range byVal[value] {
			ids[dn] = true
		}
	}
	for _, e := range d.Scope(base, scope) {
		if ids[strings.ToLower(e.DN)] {
			entries = append(entries, e)
		}
	}
	return entries, len(ids), true
}

func lowerAll(vs []string) []string {
	return lo.Map(vs, func(v string, _ int) string { return strings.ToLower(v) })
}

// DirStore holds the current directory snapshot. Readers never block and a Set is seen whole or not at all.
type DirStore struct{ val atomic.Pointer[Directory] }

// Get returns the current snapshot, nil before the first Set.
func (s *DirStore) Get() *Directory { return s.val.Load() }

// Set swaps in a new snapshot.
func (s *DirStore) Set(d *Directory) { s.val.Store(d) }

// firstDC extracts the first dc= component of a base DN, falling back to "example".
func firstDC(baseDN string) string {
	for _, p := range strings.Split(baseDN, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(strings.ToLower(p), "dc=") {
			return p[len("dc="):]
		}
	}
	return "example"
}
