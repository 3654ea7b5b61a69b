package directory

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

// --- helpers ---

func mustGet(t *testing.T, d *Directory, dn string) *Entry {
	t.Helper()
	e := d.Get(dn)
	if e == nil {
		t.Fatalf("expected entry %q, got nil", dn)
	}
	return e
}

func dns(es []*Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.DN)
	}
	return out
}

func stringSlicesEqualIgnoreOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]string(nil), a...)
	bc := append([]string(nil), b...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// seeded returns a directory with n users test00000..test0000n-1 under ou=people and one other user.
func seeded(n int) *Directory {
	d := NewDirectory("dc=example,dc=com")
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("test%05d", i)
		d.Add(&Entry{
			DN:     "uid=" + name + "," + PeopleDN(d.BaseDN),
			Attrs:  Attrs("objectClass", "inetOrgPerson", "uid", name, "cn", name, "sn", name),
			Parent: PeopleDN(d.BaseDN),
		})
	}
	d.Add(&Entry{
		DN:     "uid=simplepaged_test," + PeopleDN(d.BaseDN),
		Attrs:  Attrs("objectClass", "inetOrgPerson", "uid", "simplepaged_test", "cn", "simplepaged_test"),
		Parent: PeopleDN(d.BaseDN),
	})
	return d
}

// --- Attrs ---

// TestAttrs_Basic checks that keys are lowercased, repeated keys collect values and an odd trailing key is ignored.
func TestAttrs_Basic(t *testing.T) {
	m := Attrs("Cn", "Alice", "cn", "Bob", "UID", "alice", "dangling")
	if len(m) != 2 {
		t.Fatalf("expected 2 keys, got %d (%v)", len(m), m)
	}
	if got := m["cn"]; len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
		t.Fatalf("expected cn=[Alice Bob], got %v", got)
	}
	if _, ok := m["dangling"]; ok {
		t.Fatalf("odd trailing key must be dropped")
	}
}

// --- NewDirectory / Add / Get ---

/*
TestNewDirectory_InitialStructure verifies the three seed entries and their linkage:
the base has ou=people and ou=groups as children, in that order.
*/
func TestNewDirectory_InitialStructure(t *testing.T) {
	d := NewDirectory("dc=example,dc=com")
	base := mustGet(t, d, "dc=example,dc=com")
	if got := base.First("dc"); got != "example" {
		t.Fatalf("expected dc=example, got %q", got)
	}
	if len(base.Children) != 2 || base.Children[0] != PeopleDN(d.BaseDN) || base.Children[1] != GroupsDN(d.BaseDN) {
		t.Fatalf("unexpected children %v", base.Children)
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", d.Len())
	}
}

// TestDirectory_AddAndGet_CaseInsensitive checks DN lookups and attribute-name folding on Add.
func TestDirectory_AddAndGet_CaseInsensitive(t *testing.T) {
	d := NewDirectory("dc=example,dc=com")
	d.Add(&Entry{
		DN:     "uid=Alice,ou=people,dc=example,dc=com",
		Attrs:  map[string][]string{"UID": {"Alice"}, "Mail": {"a@example.com"}},
		Parent: "OU=People,dc=example,dc=com",
	})
	e := mustGet(t, d, "UID=alice,OU=PEOPLE,DC=EXAMPLE,DC=COM")
	if e.First("mail") != "a@example.com" {
		t.Fatalf("attribute names should be folded, got %v", e.Attrs)
	}
	people := mustGet(t, d, PeopleDN(d.BaseDN))
	if len(people.Children) != 1 {
		t.Fatalf("expected one child under ou=people, got %v", people.Children)
	}
}

// TestDirectory_Add_ReplaceKeepsChildrenAndIndex re-adds a DN and checks the parent link is not duplicated
// and the old index values are gone.
func TestDirectory_Add_ReplaceKeepsChildrenAndIndex(t *testing.T) {
	d := seeded(2)
	dn := "uid=test00000," + PeopleDN(d.BaseDN)
	d.Add(&Entry{DN: dn, Attrs: Attrs("uid", "renamed"), Parent: PeopleDN(d.BaseDN)})

	people := mustGet(t, d, PeopleDN(d.BaseDN))
	if len(people.Children) != 3 {
		t.Fatalf("replacing must not duplicate the child link, got %v", people.Children)
	}
	got, _, _ := d.Candidates(d.BaseDN, ScopeSub, "uid", "test00000", false)
	if len(got) != 0 {
		t.Fatalf("old value still indexed: %v", dns(got))
	}
	got, _, _ = d.Candidates(d.BaseDN, ScopeSub, "uid", "renamed", false)
	if len(got) != 1 {
		t.Fatalf("new value not indexed: %v", dns(got))
	}
}

// TestDirectory_Add_MissingParent_DoesNotPanic adds an orphan; it is stored but not reachable from the tree.
func TestDirectory_Add_MissingParent_DoesNotPanic(t *testing.T) {
	d := NewDirectory("dc=example,dc=com")
	d.Add(&Entry{DN: "cn=orphan,ou=nowhere,dc=example,dc=com", Parent: "ou=nowhere,dc=example,dc=com"})
	mustGet(t, d, "cn=orphan,ou=nowhere,dc=example,dc=com")
	for _, e := range d.Subtree(d.BaseDN) {
		if e.DN == "cn=orphan,ou=nowhere,dc=example,dc=com" {
			t.Fatalf("orphan must not appear in the subtree")
		}
	}
}

// --- Subtree / ChildrenOf / Scope ---

// TestDirectory_Subtree_DepthFirstPreorder checks DFS preorder in insertion order.
func TestDirectory_Subtree_DepthFirstPreorder(t *testing.T) {
	d := seeded(2)
	want := []string{
		"dc=example,dc=com",
		"ou=people,dc=example,dc=com",
		"uid=test00000,ou=people,dc=example,dc=com",
		"uid=test00001,ou=people,dc=example,dc=com",
		"uid=simplepaged_test,ou=people,dc=example,dc=com",
		"ou=groups,dc=example,dc=com",
	}
	got := dns(d.Subtree(d.BaseDN))
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("subtree order\n got %v\nwant %v", got, want)
	}
	if d.Subtree("dc=missing") != nil {
		t.Fatalf("unknown DN must give nil")
	}
}

// TestSubtree_IgnoresCycles corrupts the tree with a cycle; Subtree must still terminate.
func TestSubtree_IgnoresCycles(t *testing.T) {
	d := seeded(1)
	leaf := mustGet(t, d, "uid=test00000,"+PeopleDN(d.BaseDN))
	leaf.Children = append(leaf.Children, d.BaseDN)
	if n := len(d.Subtree(d.BaseDN)); n != 5 {
		t.Fatalf("expected 5 entries, got %d", n)
	}
}

// TestDirectory_Scope covers the three scopes and the skipped-missing-child case.
func TestDirectory_Scope(t *testing.T) {
	d := seeded(3)
	people := PeopleDN(d.BaseDN)
	if got := d.Scope(people, ScopeBase); len(got) != 1 || got[0].DN != people {
		t.Fatalf("base scope: %v", dns(got))
	}
	if got := d.Scope(people, ScopeOne); len(got) != 4 {
		t.Fatalf("one level: %v", dns(got))
	}
	if got := d.Scope(d.BaseDN, ScopeOne); len(got) != 2 {
		t.Fatalf("one level under base: %v", dns(got))
	}
	if got := d.Scope(d.BaseDN, ScopeSub); len(got) != 7 {
		t.Fatalf("subtree: %v", dns(got))
	}
	if got := d.Scope("ou=missing,dc=example,dc=com", ScopeBase); got != nil {
		t.Fatalf("missing base: %v", dns(got))
	}

	mustGet(t, d, people).Children = append(mustGet(t, d, people).Children, "uid=ghost,"+people)
	if got := d.ChildrenOf(people); len(got) != 4 {
		t.Fatalf("ghost child must be skipped: %v", dns(got))
	}
}

// --- Candidates ---

/*
TestDirectory_Candidates_Prefix checks that a prefix lookup on uid finds the test users only, that the
scanned count is the number of index IDs read, and that the scope restriction is applied afterwards.
*/
func TestDirectory_Candidates_Prefix(t *testing.T) {
	d := seeded(25)
	got, scanned, ok := d.Candidates(d.BaseDN, ScopeSub, "uid", "TEST", true)
	if !ok {
		t.Fatalf("uid must be indexed")
	}
	if len(got) != 25 || scanned != 25 {
		t.Fatalf("expected 25 candidates / 25 scanned, got %d / %d", len(got), scanned)
	}
	if got[0].DN != "uid=test00000,"+PeopleDN(d.BaseDN) {
		t.Fatalf("candidates must come back in scope order, first is %s", got[0].DN)
	}

	got, scanned, _ = d.Candidates(GroupsDN(d.BaseDN), ScopeSub, "uid", "test", true)
	if len(got) != 0 || scanned != 25 {
		t.Fatalf("scope restriction: got %d candidates, scanned %d", len(got), scanned)
	}
}

// TestDirectory_Candidates_EqualityAndUnindexed covers exact matches and the unindexed fallback signal.
func TestDirectory_Candidates_EqualityAndUnindexed(t *testing.T) {
	d := seeded(5)
	got, scanned, ok := d.Candidates(d.BaseDN, ScopeSub, "objectclass", "inetorgperson", false)
	if !ok || len(got) != 6 || scanned != 6 {
		t.Fatalf("objectclass equality: ok=%v got=%d scanned=%d", ok, len(got), scanned)
	}
	if _, _, ok := d.Candidates(d.BaseDN, ScopeSub, "description", "x", false); ok {
		t.Fatalf("description is not indexed")
	}
	if !d.Indexed("UID") || d.Indexed("userPassword") {
		t.Fatalf("unexpected index set")
	}

	custom := NewDirectory("dc=example,dc=com", "mail")
	if custom.Indexed("uid") || !custom.Indexed("mail") {
		t.Fatalf("explicit index list must replace the default")
	}
}

// --- Clone ---

func TestEntry_Clone_IsDeep(t *testing.T) {
	e := &Entry{DN: "cn=a", Attrs: Attrs("cn", "a"), Children: []string{"cn=b,cn=a"}}
	c := e.Clone()
	c.Attrs["cn"][0] = "changed"
	c.Attrs["sn"] = []string{"x"}
	c.Children[0] = "other"
	if e.Attrs["cn"][0] != "a" || len(e.Attrs) != 1 || e.Children[0] != "cn=b,cn=a" {
		t.Fatalf("clone shares state with the original: %+v", e)
	}
}

// --- DirStore ---

// TestDirStore_GetSet_Basic checks the nil-before-set contract and the swap.
func TestDirStore_GetSet_Basic(t *testing.T) {
	var s DirStore
	if s.Get() != nil {
		t.Fatalf("expected nil before Set")
	}
	d1 := NewDirectory("dc=one")
	s.Set(d1)
	if s.Get() != d1 {
		t.Fatalf("expected d1")
	}
	d2 := NewDirectory("dc=two")
	s.Set(d2)
	if s.Get() != d2 {
		t.Fatalf("expected d2")
	}
}

// TestDirStore_ConcurrentAccess_NoPanics runs readers against a writer; run with -race.
func TestDirStore_ConcurrentAccess_NoPanics(t *testing.T) {
	var s DirStore
	s.Set(NewDirectory("dc=example,dc=com"))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s.Get() == nil {
					t.Errorf("snapshot vanished")
					return
				}
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Set(NewDirectory(fmt.Sprintf("dc=w%d", i)))
			}
		}(i)
	}
	wg.Wait()
}

// --- firstDC ---

func TestFirstDC(t *testing.T) {
	cases := map[string]string{
		"dc=example,dc=com":      "example",
		"ou=x, DC=Corp ,dc=com":  "Corp",
		"o=no-domain-components": "example",
	}
	for in, want := range cases {
		if got := firstDC(in); got != want {
			t.Fatalf("firstDC(%q) = %q, want %q", in, got, want)
		}
	}
	if !stringSlicesEqualIgnoreOrder([]string{"b", "a"}, []string{"a", "b"}) {
		t.Fatalf("helper broken")
	}
}

// --- AddUser / AddGroup ---

func TestAddUserAndGroup(t *testing.T) {
	d := NewDirectory("dc=example,dc=com")
	u := d.AddUser("jdoe", "sn", "Doe", "userPassword", "secret")
	if u.DN != "uid=jdoe,ou=people,dc=example,dc=com" {
		t.Fatalf("unexpected user DN %q", u.DN)
	}
	if u.First("uid") != "jdoe" || u.First("SN") != "Doe" || len(u.Attrs["objectclass"]) != 3 {
		t.Fatalf("unexpected user attributes %v", u.Attrs)
	}
	g := d.AddGroup("admins", u.DN)
	if g.DN != "cn=admins,ou=groups,dc=example,dc=com" || g.First("member") != u.DN {
		t.Fatalf("unexpected group %q %v", g.DN, g.Attrs)
	}
	people := dns(d.ChildrenOf(PeopleDN(d.BaseDN)))
	if len(people) != 1 || people[0] != u.DN {
		t.Fatalf("people = %v", people)
	}
	if got, _, _ := d.Candidates(d.BaseDN, ScopeSub, "uid", "jdoe", false); len(got) != 1 {
		t.Fatalf("user not indexed, got %v", dns(got))
	}
}
