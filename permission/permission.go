// Package permission implements the permission proxy (component I): a
// wrapper that intercepts every public operation on a class, runs
// permission callbacks in a derivative context, and only then calls
// through to the wrapped class. Grounded on the redesign note that
// replaces the source's method-intercepting Proxy with an explicit trait
// composition — this package is a concrete wrapper type implementing the
// same contract as cobase.Store/cobase.Cached, not a runtime proxy.
package permission

import (
	"github.com/ahamid/cobase"
	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/cobase_errors"
)

// Callback evaluates whether op on id is permitted in ctx. A false result
// carries reason as the diagnostic attached to the resulting AccessError.
type Callback func(ctx *cctx.Context, op string, id cobase.ID) (allowed bool, reason string)

// Target is the minimal surface a class exposes to be wrapped: both
// *cobase.Store[T] and *cobase.Cached[T] satisfy it.
type Target[T any] interface {
	ForID(id cobase.ID) *cobase.Entity[T]
	ValueOf(ctx *cctx.Context, id cobase.ID) (*T, error)
	Notifies(l bus.Listener)
	StopNotifies(l bus.Listener)
}

// Proxy wraps target, running checks before every operation.
type Proxy[T any] struct {
	target Target[T]
	checks []Callback
}

// New wraps target with the given permission checks, evaluated in order;
// the first one to disallow an operation wins.
func New[T any](target Target[T], checks ...Callback) *Proxy[T] {
	return &Proxy[T]{target: target, checks: checks}
}

// authorize runs step (1)-(2) of the spec 4.I protocol: build a derivative
// context carrying the caller's session (but starting fresh on
// version/ifModifiedSince, since those are per-call, not per-session), then
// evaluate every check against it.
func (p *Proxy[T]) authorize(ctx *cctx.Context, op string, id cobase.ID) (*cctx.Context, error) {
	derived := ctx.NewContext()
	for _, check := range p.checks {
		allowed, reason := check(derived, op, id)
		if !allowed {
			return nil, &cobase_errors.AccessError{Callback: op, Reason: reason}
		}
	}
	return derived, nil
}

// ValueOf authorizes "value-of" then executes it inside the derivative
// context (spec 4.I step 3).
func (p *Proxy[T]) ValueOf(ctx *cctx.Context, id cobase.ID) (*T, error) {
	derived, err := p.authorize(ctx, "value-of", id)
	if err != nil {
		return nil, err
	}
	return p.target.ValueOf(derived, id)
}

// SetValue authorizes "set-value" then writes through to the wrapped
// entity.
func (p *Proxy[T]) SetValue(ctx *cctx.Context, id cobase.ID, v T) error {
	if _, err := p.authorize(ctx, "set-value", id); err != nil {
		return err
	}
	return p.target.ForID(id).SetValue(v)
}

// Remove authorizes "remove" then deletes the wrapped entity outright.
func (p *Proxy[T]) Remove(ctx *cctx.Context, id cobase.ID) error {
	if _, err := p.authorize(ctx, "remove", id); err != nil {
		return err
	}
	return p.target.ForID(id).Remove()
}

// Notifies and StopNotifies delegate straight through to the wrapped
// target so listeners attach to the real class, not the proxy — the fix
// for the source's stopNotifies recursing on itself instead of delegating
// (spec §9 Open Questions).
func (p *Proxy[T]) Notifies(l bus.Listener)     { p.target.Notifies(l) }
func (p *Proxy[T]) StopNotifies(l bus.Listener) { p.target.StopNotifies(l) }
