package source

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Multi runs several sources into the same EmitFunc. Ordering holds per
// source only.
type Multi []Source

// Name implements Source.
func (m Multi) Name() string { return "multi" }

// Run implements Source. The first source error cancels the others.
func (m Multi) Run(ctx context.Context, emit EmitFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		s := s
		g.Go(func() error {
			return s.Run(ctx, emit)
		})
	}
	return g.Wait()
}
