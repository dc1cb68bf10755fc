// Package core implements the local actor runtime: bounded mailboxes, actor
// cells, a cooperative scheduler over a fixed worker pool, a sharded
// address registry and a supervisor with restart windows and backoff.
//
// Addresses are node-qualified, so the same Send call reaches an actor on
// another process once a RemoteTransport is attached with AttachRemote.
package core
