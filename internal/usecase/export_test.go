package usecase

import "context"

// Atomically runs fn as one unit of work.
func (r *Registry) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.atomically(ctx, fn)
}
