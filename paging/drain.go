package paging

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"pagedldap/ldap"
)

/*
Drain fetches pages until the session is done, feeding every page to agg (which may be nil).
Outcomes other than MorePages and Done come back as their coded error, for callers that prefer
an error to a switch over outcomes.
*/
func Drain(ctx context.Context, s *Session, agg *Aggregator) error {
	for {
		o, err := s.NextPage(ctx, 0)
		if err != nil {
			return err
		}
		if agg != nil {
			agg.Feed(o.Entries)
		}
		switch o.Kind {
		case Done:
			return nil
		case MorePages:
			continue
		}
		return o.Err()
	}
}

/*
DrainAll drains independent sessions concurrently and returns their entries in input order.
Each session must run over its own transport connection. The first failure cancels the others.
*/
func DrainAll(ctx context.Context, sessions ...*Session) ([][]*ldap.Entry, error) {
	out := make([][]*ldap.Entry, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		g.Go(func() error {
			agg := NewAggregator(s)
			if err := Drain(gctx, s, agg); err != nil {
				return err
			}
			seq, err := agg.Finalize()
			if err != nil {
				return err
			}
			out[i] = slices.Collect(seq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
