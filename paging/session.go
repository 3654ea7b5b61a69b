// Package paging runs one logical LDAP search as a sequence of simple paged results round trips.
package paging

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"pagedldap/errors"
	"pagedldap/ldap"
	"pagedldap/limits"
)

// MaxPageSize is the largest page size the paged results control can carry.
const MaxPageSize = math.MaxInt32

// DefaultTimeout bounds the wait for one page when neither the call nor the session names one.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimedOut      = errors.Sentinel(errors.TimedOut)
	ErrCancelled     = errors.Sentinel(errors.Cancelled)
	ErrSessionClosed = errors.Sentinel(errors.SessionClosed)
	ErrNotReady      = errors.Sentinel(errors.NotReady)
)

// State is where a session is in its life. Every state after Paging is terminal.
type State int32

const (
	StateOpened State = iota
	StatePaging
	StateCompleted
	StateLimitExceeded
	StateInvalid
	StateAbandoned
	StateFailed
)

var stateNames = [...]string{"Opened", "Paging", "Completed", "LimitExceeded", "Invalid", "Abandoned", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(?)"
}

// Terminal reports whether no further page can be fetched.
func (s State) Terminal() bool { return s >= StateCompleted }

// stateAfter is the state a session moves to after an outcome of each kind.
var stateAfter = map[Kind]State{
	MorePages:     StatePaging,
	Done:          StateCompleted,
	LimitExceeded: StateLimitExceeded,
	Invalid:       StateInvalid,
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTimeout sets the wait for one page used when NextPage is called with a zero timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSort attaches a critical server side sort control to every page request.
func WithSort(keys ...*goldap.SortKey) Option {
	return func(s *Session) {
		s.sortKeys = make([]*goldap.SortKey, 0, len(keys))
		for _, k := range keys {
			if k != nil {
				kk := *k
				s.sortKeys = append(s.sortKeys, &kk)
			}
		}
	}
}

// WithCriticality sets the criticality of the paged results control (default true).
func WithCriticality(critical bool) Option {
	return func(s *Session) { s.critical = critical }
}

/*
Session is one logical paged search. It has a single owner: NextPage must not be called again before
the previous call returned. Abandon may be called from any goroutine at any time.

The limits are resolved by the caller once, before Open, and never looked at again by the server side:
they drive the up front page size check and the client side size cap.
*/
type Session struct {
	t        Transport
	req      ldap.SearchRequest
	pageSize int
	lim      limits.Effective
	log      *zap.Logger
	timeout  time.Duration
	sortKeys []*goldap.SortKey
	critical bool

	state    atomic.Int32
	inFlight atomic.Bool

	mu         sync.Mutex
	pending    ldap.Handle
	hasPending bool
	cookie     Cookie
	issued     map[string]bool
	pages      int
	returned   int
}

/*
Open validates the request and page size and returns a session in state Opened. No round trip is made:
a page size above the effective page cap fails here with SizeLimitExceeded.
*/
func Open(t Transport, req ldap.SearchRequest, pageSize int, lim limits.Effective, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, errors.New(errors.InvalidArgument, "nil transport")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if pageSize < 0 || pageSize > MaxPageSize {
		return nil, errors.New(errors.InvalidArgument, "page size %d outside 0..%d", pageSize, MaxPageSize)
	}
	if err := lim.CheckPageSize(pageSize); err != nil {
		return nil, err
	}
	req.Attributes = append([]string(nil), req.Attributes...)
	s := &Session{
		t:        t,
		req:      req,
		pageSize: pageSize,
		lim:      lim,
		log:      zap.NewNop(),
		timeout:  DefaultTimeout,
		critical: true,
		issued:   map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("base", req.BaseDN), zap.String("filter", req.Filter), zap.Int("pageSize", pageSize))
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

// Cookie returns a copy of the cookie the next request will carry.
func (s *Session) Cookie() Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie.clone()
}

// Pages is the number of completed round trips.
func (s *Session) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// Returned is the number of entries handed to the caller so far.
func (s *Session) Returned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returned
}

func (s *Session) Limits() limits.Effective { return s.lim }

func (s *Session) Request() ldap.SearchRequest { return s.req }

func (s *Session) PageSize() int { return s.pageSize }

// transition moves a live session to `to`. It fails once the session is terminal.
func (s *Session) transition(to State) bool {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			if to.Terminal() {
				s.log.Info("paged search finished", zap.Stringer("state", to), zap.Int("pages", s.Pages()), zap.Int("returned", s.Returned()))
			}
			return true
		}
	}
}

// closedErr is the error for a call on a terminal session.
func (s *Session) closedErr() error {
	st := s.State()
	if st == StateAbandoned {
		return errors.Wrap(ErrCancelled, errors.Cancelled, "session abandoned")
	}
	return errors.Wrap(ErrSessionClosed, errors.SessionClosed, "session is %s", st)
}

/*
SetCookie replaces the cookie the next request carries. A value the server never issued to this session
is caught by the next NextPage, which then reports Invalid without a round trip.
*/
func (s *Session) SetCookie(c Cookie) {
	s.mu.Lock()
	s.cookie = c.clone()
	s.mu.Unlock()
}

/*
Abandon ends the session. The pending operation, if any, is cancelled on the transport; it never answers,
so a NextPage blocked on it returns TimedOut when its wait expires. Abandoning a terminal session does nothing.
*/
func (s *Session) Abandon() {
	if !s.transition(StateAbandoned) {
		return
	}
	s.mu.Lock()
	h, ok := s.pending, s.hasPending
	s.mu.Unlock()
	if ok {
		if err := s.t.Cancel(h); err != nil {
			s.log.Debug("cancel failed", zap.Error(err))
		}
	}
}

/*
NextPage performs one round trip and classifies the response. A zero timeout uses the session default.
The error return carries what is not an outcome: a timed out or cancelled wait, a call on a terminal session,
a transport failure and result codes that fit no outcome (the session is then Failed).
*/
func (s *Session) NextPage(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if s.State().Terminal() {
		return Outcome{}, s.closedErr()
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, errors.New(errors.InvalidArgument, "NextPage called while a page is in flight")
	}
	defer s.inFlight.Store(false)
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.mu.Lock()
	cookie := s.cookie.clone()
	legit := (cookie.IsEmpty() && s.pages == 0) || s.issued[string(cookie)]
	s.mu.Unlock()
	if !legit {
		o := invalid(nil, errors.New(errors.InvalidArgument, "cookie %s was not issued for this search", cookie))
		if !s.transition(StateInvalid) {
			return Outcome{}, s.closedErr()
		}
		return o, nil
	}

	ctrls := []goldap.Control{s.pagingControl(uint32(s.pageSize), cookie)}
	if len(s.sortKeys) > 0 {
		ctrls = append(ctrls, ldap.Critical(goldap.NewControlServerSideSortingWithSortKeys(s.sortKeys)))
	}
	req := s.req
	h, err := s.t.Search(ctx, &req, ctrls)
	if err != nil {
		if errors.CodeOf(err) == errors.Cancelled {
			s.transition(StateAbandoned)
			return Outcome{}, err
		}
		s.transition(StateFailed)
		return Outcome{}, errors.Wrap(err, errors.Server, "search")
	}
	s.mu.Lock()
	s.pending, s.hasPending = h, true
	s.mu.Unlock()
	if s.State() == StateAbandoned {
		// Abandon ran before the handle was recorded
		_ = s.t.Cancel(h)
	}
	s.log.Debug("page requested", zap.Int64("msgID", int64(h)), zap.Stringer("cookie", cookie))

	res, err := s.t.AwaitResult(ctx, h, timeout)
	s.mu.Lock()
	s.hasPending = false
	s.mu.Unlock()
	switch {
	case err != nil && errors.CodeOf(err) == errors.TimedOut:
		if s.transition(StateAbandoned) {
			_ = s.t.Cancel(h)
		}
		return Outcome{}, errors.Wrap(ErrTimedOut, errors.TimedOut, "no page within %s", timeout)
	case err != nil && errors.CodeOf(err) == errors.Cancelled:
		if s.transition(StateAbandoned) {
			_ = s.t.Cancel(h)
		}
		return Outcome{}, err
	case err != nil:
		s.transition(StateFailed)
		return Outcome{}, errors.Wrap(err, errors.Server, "await page")
	case s.State() == StateAbandoned:
		s.keepLateCookie(res)
		return Outcome{}, errors.Wrap(ErrCancelled, errors.Cancelled, "response after abandon discarded")
	}

	o, fail := s.classify(res, !cookie.IsEmpty())
	if fail != nil {
		if !s.transition(StateFailed) {
			return Outcome{}, s.closedErr()
		}
		return Outcome{}, fail
	}
	o.Code = res.Code
	if o.Diagnostic == "" {
		o.Diagnostic = res.Diagnostic
	}
	to := stateAfter[o.Kind]
	s.mu.Lock()
	s.pages++
	s.returned += len(o.Entries)
	if o.Kind == MorePages {
		s.issued[string(o.Cookie)] = true
		s.cookie = o.Cookie.clone()
	} else {
		s.cookie = nil
	}
	s.mu.Unlock()
	if !s.transition(to) {
		// abandoned while the page was classified: uncount it, the cookie stays for Release
		s.mu.Lock()
		s.pages--
		s.returned -= len(o.Entries)
		s.mu.Unlock()
		return Outcome{}, errors.Wrap(ErrCancelled, errors.Cancelled, "response after abandon discarded")
	}
	s.log.Debug("page received",
		zap.Stringer("kind", o.Kind),
		zap.Int("entries", len(o.Entries)),
		zap.Stringer("code", res.Code))
	return o, nil
}

/*
keepLateCookie records the cookie of a response that arrived after Abandon. Its entries are dropped, but the
server holds state for the cookie until Release sends it back.
*/
func (s *Session) keepLateCookie(res *ldap.Result) {
	p, ok := res.Paging()
	if !ok || len(p.Cookie) == 0 {
		return
	}
	next := Cookie(p.Cookie).clone()
	s.mu.Lock()
	s.issued[string(next)] = true
	s.cookie = next
	s.mu.Unlock()
}

/*
classify turns one result into an outcome. sentCookie tells whether the request continued a search,
which is what makes a protocolError mean "bad cookie" rather than a plain server failure.
The second return is set for result codes that fit no outcome.
*/
func (s *Session) classify(res *ldap.Result, sentCookie bool) (Outcome, error) {
	entries := res.Entries
	s.mu.Lock()
	returned := s.returned
	s.mu.Unlock()
	truncated := false
	if s.lim.Size.Bounded() && int64(returned+len(entries)) > int64(s.lim.Size) {
		entries = entries[:max(int64(s.lim.Size)-int64(returned), 0)]
		truncated = true
	}

	switch res.Code {
	case ldap.Success:
	case ldap.SizeLimitExceeded:
		return limitExceeded(SizeLimit, entries, res), nil
	case ldap.AdminLimitExceeded:
		return limitExceeded(AdminLimit, entries, res), nil
	case ldap.UnavailableCriticalExtension:
		return limitExceeded(CriticalExtensionUnavailable, entries, res), nil
	case ldap.TimeLimitExceeded:
		return limitExceeded(TimeLimit, entries, res), nil
	case ldap.ProtocolError:
		if sentCookie {
			return invalid(entries, errors.New(errors.ProtocolViolation, "server rejected the cookie: %s", res.Diagnostic)), nil
		}
		fallthrough
	default:
		return Outcome{}, errors.New(errors.Server, "search failed: %s: %s", res.Code, res.Diagnostic)
	}

	if truncated {
		return limitExceeded(SizeLimit, entries, nil), nil
	}
	if len(s.sortKeys) > 0 {
		sr, ok, err := res.SortResponse()
		if err != nil {
			return invalid(entries, err), nil
		}
		if ok && sr.Code != ldap.Success {
			o := limitExceeded(CriticalExtensionUnavailable, entries, res)
			o.Diagnostic = "sort failed on " + sr.Attribute
			return o, nil
		}
	}
	if goldap.FindControl(res.Controls, goldap.ControlTypePaging) == nil {
		if s.pageSize == 0 {
			return done(entries), nil
		}
		return invalid(entries, errors.New(errors.ProtocolViolation, "response carries no paged results control")), nil
	}
	p, ok := res.Paging()
	if !ok {
		return invalid(entries, errors.New(errors.ProtocolViolation, "unreadable paged results control")), nil
	}
	next := Cookie(p.Cookie)
	switch {
	case next.IsEmpty():
		return done(entries), nil
	case s.pageSize == 0:
		return invalid(entries, errors.New(errors.ProtocolViolation, "cookie returned for a page size 0 request")), nil
	}
	return morePages(entries, next), nil
}

// pagingControl is the paged results control of one request, critical unless WithCriticality(false).
func (s *Session) pagingControl(size uint32, cookie Cookie) goldap.Control {
	c := &goldap.ControlPaging{PagingSize: size, Cookie: cookie.clone()}
	if s.critical {
		return ldap.Critical(c)
	}
	return c
}

/*
Release tells the server to drop the paged state behind the session's cookie, by sending the cookie with a
page size of 0 (RFC 2696 section 3). A live session is abandoned first. Without a cookie there is nothing to release.
*/
func (s *Session) Release(ctx context.Context) error {
	if s.inFlight.Load() {
		return errors.New(errors.InvalidArgument, "release while a page is in flight")
	}
	s.Abandon()
	s.mu.Lock()
	cookie := s.cookie.clone()
	s.cookie = nil
	s.mu.Unlock()
	if cookie.IsEmpty() {
		return nil
	}
	req := s.req
	h, err := s.t.Search(ctx, &req, []goldap.Control{s.pagingControl(0, cookie)})
	if err != nil {
		return errors.Wrap(err, errors.Server, "release")
	}
	res, err := s.t.AwaitResult(ctx, h, s.timeout)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "release")
	}
	if res.Code != ldap.Success {
		return errors.New(errors.Server, "release: %s: %s", res.Code, res.Diagnostic)
	}
	s.log.Debug("paged state released", zap.Stringer("cookie", cookie))
	return nil
}
