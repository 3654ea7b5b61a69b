package ldap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	goldap "github.com/go-ldap/ldap/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"pagedldap/control"
	"pagedldap/directory"
	"pagedldap/errors"
	"pagedldap/limits"
)

// DefaultMaxPagedPerConn bounds the paged searches one connection may leave open at once.
const DefaultMaxPagedPerConn = 64

/*
Server is an in-memory directory server. It owns no sockets: a client gets a *Conn from Bind and
talks to the server through it, with every request and response travelling as an encoded LDAPMessage
just as it would over TCP.
*/
type Server struct {
	store    *directory.DirStore
	cfg      limits.Accessor
	log      *zap.Logger
	clock    clock.Clock
	latency  atomic.Int64
	maxPaged int
	rootDN   string
	rootPW   string
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock, used for latency and paged state ageing.
func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithLatency delays every operation by d before it is processed.
func WithLatency(d time.Duration) ServerOption {
	return func(s *Server) { s.latency.Store(int64(d)) }
}

func WithMaxPagedPerConn(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxPaged = n
		}
	}
}

// WithRootDN sets the directory manager credentials. The root DN is bound with unlimited limits.
func WithRootDN(dn, password string) ServerOption {
	return func(s *Server) { s.rootDN, s.rootPW = dn, password }
}

// NewServer serves the directory held by store, with limits read from cfg at every operation.
func NewServer(store *directory.DirStore, cfg limits.Accessor, opts ...ServerOption) *Server {
	s := &Server{
		store:    store,
		cfg:      cfg,
		log:      zap.NewNop(),
		clock:    clock.New(),
		maxPaged: DefaultMaxPagedPerConn,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetLatency changes the per-operation delay for operations issued from now on.
func (s *Server) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

/*
Bind authenticates and returns a connection bound as dn:
(1) empty dn and password bind anonymously,
(2) the root DN binds with its configured password,
(3) any directory entry binds when one of its userPassword values matches.
*/
func (s *Server) Bind(dn, password string) (*Conn, error) {
	switch {
	case dn == "" && password == "":
	case s.rootDN != "" && limits.NormalizeDN(dn) == limits.NormalizeDN(s.rootDN):
		if password != s.rootPW {
			return nil, errors.New(errors.Server, "bind %s: %s", dn, InvalidCredentials)
		}
	default:
		e := s.store.Get().Get(dn)
		if e == nil {
			return nil, errors.New(errors.Server, "bind %s: %s: no such DN", dn, InvalidCredentials)
		}
		ok := false
		for _, v := range e.Attrs["userpassword"] {
			if v == password {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errors.New(errors.Server, "bind %s: %s", dn, InvalidCredentials)
		}
	}
	paged, err := lru.New[string, *pagedState](s.maxPaged)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "paged state table")
	}
	c := &Conn{
		srv:    s,
		bindDN: dn,
		ops:    map[Handle]*op{},
		paged:  paged,
		log:    s.log.With(zap.String("bindDN", dn)),
	}
	c.log.Debug("bound")
	return c, nil
}

// LimitsFor resolves the limits a connection bound as dn would get. The root DN is unlimited.
func (s *Server) LimitsFor(dn string, mode limits.Mode) limits.Effective {
	if s.isRoot(dn) {
		return limits.Unlimited()
	}
	return limits.ForIdentity(s.cfg, dn, mode)
}

// isRoot reports whether dn is the directory manager.
func (s *Server) isRoot(dn string) bool {
	return s.rootDN != "" && limits.NormalizeDN(dn) == limits.NormalizeDN(s.rootDN)
}

/*
Conn is one bound client connection. Operations are identified by message ID, and many may be
outstanding at once. Paged search state lives per connection, in a bounded LRU keyed by cookie:
when more than the configured number of paged searches are left open, the oldest is forgotten and
its cookie stops working.
*/
type Conn struct {
	srv    *Server
	bindDN string
	log    *zap.Logger

	mu     sync.Mutex
	nextID int64
	ops    map[Handle]*op
	closed bool

	paged *lru.Cache[string, *pagedState]
}

/*
op is one outstanding operation: done closes when its responses are queued, never if it was abandoned.
cookie is the paged state the request continues, issued the state its answer created.
*/
type op struct {
	done      chan struct{}
	abandon   chan struct{}
	cookie    []byte
	issued    string
	responses [][]byte
	finished  bool
	abandoned bool
}

// BindDN returns the identity the connection is bound as ("" for anonymous).
func (c *Conn) BindDN() string { return c.bindDN }

// Limits returns the limits the server applies to this connection right now.
func (c *Conn) Limits(mode limits.Mode) limits.Effective { return c.srv.LimitsFor(c.bindDN, mode) }

/*
Search encodes req and ctrls into an LDAPMessage, hands it to the server and returns at once.
The server decodes and processes the message asynchronously, after the configured latency.
*/
func (c *Conn) Search(ctx context.Context, req *SearchRequest, ctrls []goldap.Control) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, errors.Cancelled, "search")
	}
	body, err := searchRequestPacket(req)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New(errors.Server, "connection closed")
	}
	c.nextID++
	h := Handle(c.nextID)
	packet := requestPacket(int64(h), body, ctrls)
	o := &op{done: make(chan struct{}), abandon: make(chan struct{}), cookie: requestCookie(packet)}
	c.ops[h] = o
	c.mu.Unlock()

	go c.serve(h, o, packet)
	return h, nil
}

// requestCookie is the paged results cookie a request carries, read the way the server will read it.
func requestCookie(packet []byte) []byte {
	m, err := decodeMessage(packet)
	if err != nil {
		return nil
	}
	pc, ok := control.Find(m.Controls, control.PagedResultsOID)
	if !ok {
		return nil
	}
	p, err := control.DecodePaged(pc)
	if err != nil {
		return nil
	}
	return p.Cookie
}

func (c *Conn) serve(h Handle, o *op, packet []byte) {
	if d := time.Duration(c.srv.latency.Load()); d > 0 {
		select {
		case <-c.srv.clock.After(d):
		case <-o.abandon:
			return
		}
	}
	responses, issued := c.handleMessage(packet)

	c.mu.Lock()
	defer c.mu.Unlock()
	if o.abandoned {
		// the client stopped listening: drop the answer and the state it would have continued
		if issued != "" {
			c.paged.Remove(issued)
		}
		c.log.Debug("dropping response of abandoned operation", zap.Int64("msgID", int64(h)))
		return
	}
	o.responses, o.issued, o.finished = responses, issued, true
	close(o.done)
}

/*
AwaitResult waits for the outcome of h. It returns ErrTimeout when nothing arrived within timeout
(0 waits until ctx is done), and the context error when ctx ends first. An abandoned operation never
answers, so waiting on one always ends in a timeout.

A wait that times out abandons the operation: nobody will read its answer, so the paged state it
continued or created is released like on Cancel.
*/
func (c *Conn) AwaitResult(ctx context.Context, h Handle, timeout time.Duration) (*Result, error) {
	c.mu.Lock()
	o, ok := c.ops[h]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.Server, "no outstanding operation %d", h)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-o.done:
		c.forget(h)
		return readResult(int64(h), o.responses)
	case <-expired:
		c.mu.Lock()
		c.abandonLocked(h, o)
		c.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.Cancelled, "await %d", h)
	}
}

func (c *Conn) forget(h Handle) {
	c.mu.Lock()
	delete(c.ops, h)
	c.mu.Unlock()
}

/*
Cancel abandons h. Like an LDAP AbandonRequest it gets no response: the operation simply never
completes, and any paged state it was continuing is released.
*/
func (c *Conn) Cancel(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.ops[h]; ok {
		c.abandonLocked(h, o)
	}
	return nil
}

/*
abandonLocked marks o abandoned and drops the paged state tied to it: the state its cookie continued,
and the state its answer issued when the answer was already queued. The handle stays known, so a
later wait on it times out instead of failing. c.mu must be held.
*/
func (c *Conn) abandonLocked(h Handle, o *op) {
	if o.abandoned {
		return
	}
	o.abandoned = true
	close(o.abandon)
	if len(o.cookie) > 0 {
		c.paged.Remove(string(o.cookie))
	}
	if o.finished && o.issued != "" {
		c.paged.Remove(o.issued)
	}
	c.log.Debug("abandoned", zap.Int64("msgID", int64(h)))
}

// PagedSearches is the number of paged searches the connection currently holds state for.
func (c *Conn) PagedSearches() int { return c.paged.Len() }

// Close abandons every outstanding operation and drops all paged state.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hs := make([]Handle, 0, len(c.ops))
	for h := range c.ops {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		_ = c.Cancel(h)
	}
	c.paged.Purge()
	return nil
}

/*
handleMessage decodes one request packet and dispatches it. It returns the encoded responses and,
for a paged search that left state behind, the cookie of that state.
*/
func (c *Conn) handleMessage(packet []byte) (responses [][]byte, issued string) {
	m, err := decodeMessage(packet)
	if err != nil {
		c.log.Warn("undecodable request", zap.Error(err))
		return [][]byte{encodeMessage(0, encodeSearchDone(ProtocolError, "", err.Error()), nil)}, ""
	}
	if m.Op.Number() != appSearchReq || !m.Op.Constructed() {
		return [][]byte{encodeMessage(m.ID, encodeSearchDone(UnwillingToPerform, "", "operation not supported"), nil)}, ""
	}
	ds, err := decodeSearchRequest(m.Op.Value)
	if err != nil {
		c.log.Warn("bad search request", zap.Int64("msgID", m.ID), zap.Error(err))
		return [][]byte{encodeMessage(m.ID, encodeSearchDone(ProtocolError, "", err.Error()), nil)}, ""
	}
	out := c.search(ds, m.Controls)
	for _, e := range out.entries {
		responses = append(responses, encodeMessage(m.ID, encodeSearchEntry(e, ds.Request.Attributes, ds.Request.TypesOnly), nil))
	}
	responses = append(responses, encodeMessage(m.ID, encodeSearchDone(out.code, out.matched, out.diag), out.controls))
	if out.code != Success {
		c.log.Info("search ended with error",
			zap.Int64("msgID", m.ID),
			zap.Stringer("code", out.code),
			zap.String("diagnostic", out.diag))
	}
	return responses, out.issued
}
