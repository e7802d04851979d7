// Package cctx is the per-call ambient context of spec §6: it carries a
// preferred version, an ifModifiedSince hint and a session reference
// through entity-store and permission-proxy calls, wrapping a standard
// context.Context for cancellation and the logger's WithDefaultArgs-style
// field propagation (utils.Logger in the teacher).
package cctx

import "context"

// Session identifies the caller for the permission proxy (4.I). It is
// opaque to the entity store; only the permission callbacks interpret it.
type Session struct {
	ID    string
	Attrs map[string]any
}

// Context is cobase's ambient per-call context, passed to value-of and to
// every permission-proxied method.
type Context struct {
	std             context.Context
	preferredVersion int64
	haveVersion      bool
	ifModifiedSince  int64
	haveIMS          bool
	session          *Session
}

// New wraps a standard context.Context with no preferred version, no
// ifModifiedSince hint and no session.
func New(std context.Context) *Context {
	if std == nil {
		std = context.Background()
	}
	return &Context{std: std}
}

func Background() *Context { return New(context.Background()) }

func (c *Context) Std() context.Context { return c.std }

// SetVersion records the caller's preferred version, used by value-of's
// ifModifiedSince comparison.
func (c *Context) SetVersion(v int64) {
	c.preferredVersion = v
	c.haveVersion = true
}

func (c *Context) Version() (v int64, ok bool) { return c.preferredVersion, c.haveVersion }

func (c *Context) SetIfModifiedSince(v int64) {
	c.ifModifiedSince = v
	c.haveIMS = true
}

func (c *Context) IfModifiedSince() (v int64, ok bool) { return c.ifModifiedSince, c.haveIMS }

func (c *Context) Session() *Session { return c.session }

// NewContext derives a child context carrying the same session and the
// same std context.Context, with fresh version/ifModifiedSince state — used by
// the permission proxy (4.I) to build a derivative context for each call
// without mutating the caller's.
func (c *Context) NewContext() *Context {
	return &Context{std: c.std, session: c.session}
}

// WithSession returns a copy of c carrying session, used when a proxy
// establishes the caller's identity without touching version/timestamp.
func (c *Context) WithSession(session *Session) *Context {
	cp := *c
	cp.session = session
	return &cp
}

// ExecuteWithin runs fn with this context as the ambient context for the
// duration of the call; cobase has no goroutine-local storage so this is
// simply a direct call, kept as a named method so call sites read the way
// the spec describes them (ctx.executeWithin(fn)).
func (c *Context) ExecuteWithin(fn func(*Context) error) error {
	return fn(c)
}
