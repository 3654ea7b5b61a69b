package paging

import (
	"iter"
	"sync"
	"sync/atomic"

	"pagedldap/errors"
	"pagedldap/ldap"
)

/*
Aggregator collects the entries of one session in arrival order. It never re-sorts: with a sort control
the server already ordered the whole result set across pages.
*/
type Aggregator struct {
	s        *Session
	mu       sync.Mutex
	entries  []*ldap.Entry
	consumed atomic.Bool
}

func NewAggregator(s *Session) *Aggregator {
	return &Aggregator{s: s}
}

// Feed appends one page worth of entries.
func (a *Aggregator) Feed(entries []*ldap.Entry) {
	a.mu.Lock()
	a.entries = append(a.entries, entries...)
	a.mu.Unlock()
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

/*
Finalize exposes the collected entries once the session is Completed, NotReady before that.
The sequence can be ranged once: a second range yields nothing, and starting over takes a new session.
*/
func (a *Aggregator) Finalize() (iter.Seq[*ldap.Entry], error) {
	if st := a.s.State(); st != StateCompleted {
		return nil, errors.Wrap(ErrNotReady, errors.NotReady, "session is %s", st)
	}
	a.mu.Lock()
	entries := a.entries
	a.mu.Unlock()
	return func(yield func(*ldap.Entry) bool) {
		if !a.consumed.CompareAndSwap(false, true) {
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}
