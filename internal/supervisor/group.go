package supervisor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs one Runner per account, each in its own goroutine.
type Group struct {
	runners []*Runner
}

func NewGroup(runners ...*Runner) *Group {
	return &Group{runners: runners}
}

// Run blocks until every runner has returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range g.runners {
		eg.Go(func() error {
			return r.Run(ctx)
		})
	}
	return eg.Wait()
}

func (g *Group) Statuses() []Status {
	out := make([]Status, len(g.runners))
	for i, r := range g.runners {
		out[i] = r.Status()
	}
	return out
}

// Status returns the status of one account.
func (g *Group) Status(account string) (Status, bool) {
	for _, r := range g.runners {
		if r.cfg.Account == account {
			return r.Status(), true
		}
	}
	return Status{}, false
}
