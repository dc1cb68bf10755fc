package core

import (
	"context"
	"log/slog"
)

// Context is passed to a behavior while it handles an envelope or a
// lifecycle hook. It must not be retained after the call returns.
type Context struct {
	cell *cell
	env  Envelope
}

// Self returns the address of the running actor.
func (c *Context) Self() Address {
	return c.cell.addr
}

// Parent returns the address of the actor that spawned this one, or the
// zero Address for top-level actors.
func (c *Context) Parent() Address {
	if c.cell.parent == nil {
		return Address{}
	}
	return c.cell.parent.addr
}

// Sender returns the sender of the current envelope.
func (c *Context) Sender() Address {
	return c.env.Sender
}

// Envelope returns the envelope being handled. It is empty inside hooks.
func (c *Context) Envelope() Envelope {
	return c.env
}

// Context returns the runtime context, cancelled on shutdown.
func (c *Context) Context() context.Context {
	return c.cell.rt.ctx
}

// Runtime returns the owning runtime.
func (c *Context) Runtime() *Runtime {
	return c.cell.rt
}

// Logger returns the runtime logger scoped to this actor.
func (c *Context) Logger() *slog.Logger {
	return c.cell.rt.logger.With("address", c.cell.addr.String())
}

// Send delivers payload to another actor with this actor as the sender.
func (c *Context) Send(to Address, payload []byte) error {
	return c.cell.rt.SendFrom(c.cell.rt.ctx, c.cell.addr, to, payload)
}

// Reply answers the sender of the current envelope.
func (c *Context) Reply(payload []byte) error {
	if !c.env.HasSender() {
		return ErrNoSender
	}
	return c.Send(c.env.Sender, payload)
}

// Spawn starts a child actor supervised under this one.
func (c *Context) Spawn(producer Producer, opts ActorOptions) (Address, error) {
	return c.cell.rt.spawn(c.cell, producer, opts)
}

// Stop asks another local actor to stop. Return Stop() from Handle to stop
// the running actor itself.
func (c *Context) Stop(addr Address) error {
	return c.cell.rt.Stop(addr)
}

// Link links this actor with another local actor. See Runtime.Link.
func (c *Context) Link(addr Address) error {
	return c.cell.rt.Link(c.cell.addr, addr)
}

// Unlink removes a link created with Link.
func (c *Context) Unlink(addr Address) {
	c.cell.rt.Unlink(c.cell.addr, addr)
}

// Children returns the addresses of live children.
func (c *Context) Children() []Address {
	children := c.cell.childList()
	out := make([]Address, 0, len(children))
	for _, ch := range children {
		out = append(out, ch.addr)
	}
	return out
}
