// Package resolver maps recipient addresses to local accounts.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/server"
)

// AccountFinder is the part of db.Store the resolver needs.
type AccountFinder interface {
	FindAccountByAddress(ctx context.Context, address string) (*db.Account, error)
}

type Resolver struct {
	store AccountFinder
}

func New(store AccountFinder) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the account that owns address. It returns
// consts.ErrInvalidAddress for bad syntax, db.ErrAccountNotFound when no
// account matches, and an error wrapping consts.ErrResolutionUnavailable for
// any other store failure.
func (r *Resolver) Resolve(ctx context.Context, address string) (*db.Account, error) {
	addr, err := server.NewAddress(address)
	if err != nil {
		metrics.ResolverLookups.WithLabelValues("invalid").Inc()
		return nil, err
	}

	account, err := r.store.FindAccountByAddress(ctx, addr.FullAddress())
	switch {
	case err == nil:
		metrics.ResolverLookups.WithLabelValues("found").Inc()
		return account, nil
	case errors.Is(err, db.ErrAccountNotFound):
		metrics.ResolverLookups.WithLabelValues("not_found").Inc()
		return nil, db.ErrAccountNotFound
	default:
		metrics.ResolverLookups.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrResolutionUnavailable, err)
	}
}
