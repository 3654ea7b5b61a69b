package ldap

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"pagedldap/control"
	"pagedldap/directory"
	"pagedldap/limits"
)

// searchOutcome is what one search operation produces before encoding.
type searchOutcome struct {
	entries  []*Entry
	code     ResultCode
	matched  string
	diag     string
	controls []control.Control
	// issued is the cookie of paged state left behind for the next page, "" if none
	issued string
}

func failed(code ResultCode, diag string) searchOutcome {
	return searchOutcome{code: code, diag: diag}
}

// Ordering rules the server can sort with. The empty rule means the attribute's default ordering.
var orderingRules = map[string]bool{
	"":                        true,
	"caseignoreorderingmatch": true,
	"2.5.13.3":                true,
	"caseexactorderingmatch":  true,
	"2.5.13.5":                true,
	"integerorderingmatch":    true,
	"2.5.13.15":               true,
}

// sortPlan is the server side sort requested for one search.
type sortPlan struct {
	keys     []control.SortKey
	critical bool
	result   control.SortResult
	apply    bool
}

/*
evaluation walks the candidate list of one search, matching the filter entry by entry.
Every examined candidate is charged against the lookthrough limit, across pages when the
evaluation is carried in paged state.
*/
type evaluation struct {
	filter      filter
	candidates  []*directory.Entry
	cursor      int
	examined    int64
	lookthrough limits.Limit
}

func (ev *evaluation) exhausted() bool { return ev.cursor >= len(ev.candidates) }

// next returns the next matching entry, nil at the end, or false when the lookthrough limit was hit.
func (ev *evaluation) next() (*directory.Entry, bool) {
	for !ev.exhausted() {
		if ev.lookthrough.Exceeded(ev.examined + 1) {
			return nil, false
		}
		e := ev.candidates[ev.cursor]
		ev.cursor++
		ev.examined++
		if ev.filter.Match(e) {
			return e, true
		}
	}
	return nil, true
}

/*
pagedState is what the server keeps between the pages of one paged search. Entries are found
lazily: a page evaluates just enough candidates to fill itself plus one more, which is how the
server knows whether to hand out a cookie. A sorted search is evaluated completely up front.
*/
type pagedState struct {
	key      string
	created  time.Time
	lim      limits.Effective
	timeout  time.Duration
	eval     *evaluation
	buffered []*directory.Entry
	sent     int64
	sort     *sortPlan
}

// fill buffers matches until n are waiting or the candidates run out. It reports false on a lookthrough violation.
func (st *pagedState) fill(n int) bool {
	for len(st.buffered) < n {
		e, ok := st.eval.next()
		if !ok {
			return false
		}
		if e == nil {
			return true
		}
		st.buffered = append(st.buffered, e)
	}
	return true
}

func (st *pagedState) estimate() int32 {
	if !st.eval.exhausted() {
		return 0
	}
	return int32(min(st.sent+int64(len(st.buffered)), math.MaxInt32))
}

/*
search runs one decoded SearchRequest for the connection's identity:
(1) any critical control other than paged results and sort is refused,
(2) the base must exist,
(3) with a paged results control the request is served from (or starts) paged state,
otherwise everything is evaluated at once.
*/
func (c *Conn) search(ds decodedSearch, ctrls []control.Control) searchOutcome {
	for _, ct := range ctrls {
		if ct.Criticality && ct.OID != control.PagedResultsOID && ct.OID != control.SortRequestOID {
			return failed(UnavailableCriticalExtension, "unsupported critical control "+ct.OID)
		}
	}
	dir := c.srv.store.Get()
	if dir == nil || dir.Get(ds.Request.BaseDN) == nil {
		return failed(NoSuchObject, "no such base "+ds.Request.BaseDN)
	}
	var plan *sortPlan
	if sc, ok := control.Find(ctrls, control.SortRequestOID); ok {
		keys, err := control.DecodeSort(sc)
		if err != nil {
			c.log.Warn("bad sort control", zap.Error(err))
			return failed(ProtocolError, err.Error())
		}
		plan = &sortPlan{keys: keys, critical: sc.Criticality, apply: true}
		for _, k := range keys {
			if !orderingRules[strings.ToLower(k.OrderingRule)] {
				if plan.critical {
					return failed(UnavailableCriticalExtension, "unsupported ordering rule "+k.OrderingRule)
				}
				plan.apply = false
				plan.result = control.SortResult{Code: int(InappropriateMatching), Attribute: k.Attribute}
				break
			}
		}
	}
	pc, paged := control.Find(ctrls, control.PagedResultsOID)
	if !paged {
		return c.plainSearch(dir, ds, plan)
	}
	p, err := control.DecodePaged(pc)
	if err != nil {
		c.log.Warn("bad paged results control", zap.Error(err))
		return failed(ProtocolError, err.Error())
	}
	return c.pagedSearch(dir, ds, p, plan)
}

/*
prepare builds the evaluation: the index is asked for candidates when the filter yields a hint on
an indexed attribute, and the IDs read from it are charged against the ID-list-scan limit.
Anything else walks the whole scope.
*/
func prepare(dir *directory.Directory, ds decodedSearch, lim limits.Effective) (*evaluation, *searchOutcome) {
	ev := &evaluation{filter: ds.Filter, lookthrough: lim.Lookthrough}
	if h, ok := hintOf(ds.Filter); ok {
		cands, scanned, indexed := dir.Candidates(ds.Request.BaseDN, ds.Request.Scope, h.Attr, h.Value, h.Prefix)
		if indexed {
			if lim.IDListScan.Exceeded(int64(scanned)) {
				out := failed(AdminLimitExceeded, "id list scan limit exceeded")
				return nil, &out
			}
			ev.candidates = cands
			return ev, nil
		}
	}
	ev.candidates = dir.Scope(ds.Request.BaseDN, ds.Request.Scope)
	return ev, nil
}

// sizeCap combines the client's requested size limit with the resolved one.
func sizeCap(req SearchRequest, lim limits.Effective) limits.Limit {
	if req.SizeLimit > 0 && (!lim.Size.Bounded() || int64(req.SizeLimit) < int64(lim.Size)) {
		return limits.Limit(req.SizeLimit)
	}
	return lim.Size
}

func (c *Conn) plainSearch(dir *directory.Directory, ds decodedSearch, plan *sortPlan) searchOutcome {
	lim := c.Limits(limits.Plain)
	ev, fail := prepare(dir, ds, lim)
	if fail != nil {
		c.logLimit("idlistscan", lim.IDListScan)
		return *fail
	}
	var found []*directory.Entry
	for {
		e, ok := ev.next()
		if !ok {
			c.logLimit("lookthrough", lim.Lookthrough)
			out := failed(AdminLimitExceeded, "lookthrough limit exceeded")
			out.entries = toEntries(found)
			return out
		}
		if e == nil {
			break
		}
		found = append(found, e)
	}
	out := searchOutcome{code: Success}
	if plan != nil {
		if plan.apply {
			sortEntries(found, plan.keys)
		}
		out.controls = append(out.controls, plan.result.Encode())
	}
	if limit := sizeCap(ds.Request, lim); limit.Exceeded(int64(len(found))) {
		c.logLimit("size", limit)
		found = found[:limit]
		out.code, out.diag = SizeLimitExceeded, "size limit exceeded"
	}
	out.entries = toEntries(found)
	return out
}

func (c *Conn) pagedSearch(dir *directory.Directory, ds decodedSearch, p control.Paged, plan *sortPlan) searchOutcome {
	now := c.srv.clock.Now()
	key := ds.Request.key()
	var st *pagedState

	if cookie := string(p.Cookie); cookie != "" {
		var ok bool
		if st, ok = c.paged.Peek(cookie); !ok {
			c.log.Warn("unknown paged results cookie")
			return failed(ProtocolError, "unknown paged results cookie")
		}
		if st.key != key {
			c.log.Warn("paged results cookie used for another search")
			return failed(ProtocolError, "paged results cookie does not belong to this search")
		}
		if !c.paged.Remove(cookie) {
			return failed(ProtocolError, "unknown paged results cookie")
		}
		if st.timeout > 0 && now.Sub(st.created) > st.timeout {
			c.log.Info("paged search state expired", zap.Duration("age", now.Sub(st.created)), zap.Duration("limit", st.timeout))
			return failed(UnavailableCriticalExtension, "paged results state expired")
		}
		if p.Size == 0 {
			// the client is done with the search
			return searchOutcome{code: Success, controls: []control.Control{control.Paged{}.Encode(false)}}
		}
		if err := st.lim.CheckPageSize(int(p.Size)); err != nil {
			c.logLimit("pagedsize", st.lim.PageCap())
			return failed(SizeLimitExceeded, err.Error())
		}
	} else {
		lim := c.Limits(limits.Paged)
		if err := lim.CheckPageSize(int(p.Size)); err != nil {
			c.logLimit("pagedsize", lim.PageCap())
			return failed(SizeLimitExceeded, err.Error())
		}
		ev, fail := prepare(dir, ds, lim)
		if fail != nil {
			c.logLimit("idlistscan", lim.IDListScan)
			return *fail
		}
		st = &pagedState{key: key, created: now, lim: lim, eval: ev, sort: plan}
		if tl, ok := lim.TimeLimit(); ok {
			st.timeout = tl
		}
		if ds.Request.TimeLimit > 0 {
			if client := time.Duration(ds.Request.TimeLimit) * time.Second; st.timeout == 0 || client < st.timeout {
				st.timeout = client
			}
		}
		if plan != nil && plan.apply {
			if !st.fill(math.MaxInt) {
				c.logLimit("lookthrough", lim.Lookthrough)
				return failed(AdminLimitExceeded, "lookthrough limit exceeded")
			}
			sortEntries(st.buffered, plan.keys)
		}
	}

	want := int(p.Size)
	if want == 0 {
		want = math.MaxInt
	} else {
		want++
	}
	out := searchOutcome{code: Success}
	if !st.fill(want) {
		c.logLimit("lookthrough", st.lim.Lookthrough)
		out.code, out.diag = AdminLimitExceeded, "lookthrough limit exceeded"
	}
	n := len(st.buffered)
	if p.Size > 0 {
		n = min(n, int(p.Size))
	}
	page := st.buffered[:n]
	if limit := sizeCap(ds.Request, st.lim); out.code == Success && limit.Exceeded(st.sent+int64(n)) {
		c.logLimit("size", limit)
		page = page[:max(int64(limit)-st.sent, 0)]
		out.code, out.diag = SizeLimitExceeded, "size limit exceeded"
	}
	out.entries = toEntries(page)
	st.buffered = st.buffered[len(page):]
	st.sent += int64(len(page))

	var next []byte
	if out.code == Success && len(st.buffered) > 0 {
		out.issued = uuid.NewString()
		next = []byte(out.issued)
		c.paged.Add(out.issued, st)
	}
	out.controls = append(out.controls, control.Paged{Size: st.estimate(), Cookie: next}.Encode(false))
	if st.sort != nil {
		out.controls = append(out.controls, st.sort.result.Encode())
	}
	c.log.Debug("paged search page",
		zap.Int("entries", len(page)),
		zap.Int64("sent", st.sent),
		zap.Int64("examined", st.eval.examined),
		zap.Bool("more", next != nil))
	return out
}

func (c *Conn) logLimit(which string, l limits.Limit) {
	c.log.Info("search limit exceeded", zap.String("limit", which), zap.Stringer("value", l))
}

/*
sortEntries orders entries by the sort keys, comparing the first value of each key attribute.
An entry lacking the attribute sorts after every entry that has it, whatever the direction.
*/
func sortEntries(entries []*directory.Entry, keys []control.SortKey) {
	sort.SliceStable(entries, func(i, j int) bool {
		for _, k := range keys {
			a, aok := entries[i].Attrs[strings.ToLower(k.Attribute)]
			b, bok := entries[j].Attrs[strings.ToLower(k.Attribute)]
			aok, bok = aok && len(a) > 0, bok && len(b) > 0
			switch {
			case !aok && !bok:
				continue
			case !aok:
				return false
			case !bok:
				return true
			}
			cmp := compareKey(a[0], b[0], k.OrderingRule)
			if cmp == 0 {
				continue
			}
			if k.Reverse {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareKey(a, b, rule string) int {
	switch strings.ToLower(rule) {
	case "caseexactorderingmatch", "2.5.13.5":
		return strings.Compare(a, b)
	case "caseignoreorderingmatch", "2.5.13.3":
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
	return compareValues(a, b)
}

func toEntries(in []*directory.Entry) []*Entry {
	return lo.Map(in, func(e *directory.Entry, _ int) *Entry {
		attrs := make(map[string][]string, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = append([]string(nil), v...)
		}
		return &Entry{DN: e.DN, Attributes: attrs}
	})
}
