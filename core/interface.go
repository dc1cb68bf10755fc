package core

import (
	"context"
)

// Behavior processes envelopes for one actor. Handle is never called
// concurrently for the same actor.
type Behavior interface {
	Handle(ctx *Context, env Envelope) Effect
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc func(ctx *Context, env Envelope) Effect

// Handle calls f(ctx, env).
func (f BehaviorFunc) Handle(ctx *Context, env Envelope) Effect {
	return f(ctx, env)
}

// Producer builds a fresh Behavior. It is called at spawn and again on
// every supervised restart.
type Producer func() Behavior

// Starter is implemented by behaviors that need to run code before the
// first envelope. A returned error fails the actor.
type Starter interface {
	OnStart(ctx *Context) error
}

// Stopper is implemented by behaviors that release resources on stop.
// reason is nil for a normal stop.
type Stopper interface {
	OnStop(ctx *Context, reason error)
}

// ChildWatcher is implemented by behaviors that want to observe the
// termination of actors they spawned.
type ChildWatcher interface {
	OnChildTerminated(ctx *Context, child Address, reason error) Effect
}

// LinkWatcher is implemented by behaviors that decide for themselves what
// happens when a linked actor terminates. Without it, an abnormal end of a
// linked actor (non-nil reason) stops this actor too.
type LinkWatcher interface {
	OnLinkDied(ctx *Context, link Address, reason error) Effect
}

// Ref is a deliverable endpoint resolved by the registry: a local cell or
// a remote stub.
type Ref interface {
	Address() Address
	Phase() Phase
	deliver(ctx context.Context, env Envelope, wait bool) error
}

// RemoteTransport carries envelopes addressed to other nodes.
type RemoteTransport interface {
	// SendRemote hands env to the connection owning node. It returns once
	// the envelope is queued for writing.
	SendRemote(ctx context.Context, node string, env Envelope) error

	// Reachable reports whether node is currently believed to be up.
	Reachable(node string) bool
}
