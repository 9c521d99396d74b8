// Package transport defines the two plugin capability sets a Computer binds
// together: a Transport that moves files to and from the remote work
// directory, and a Scheduler that runs job scripts there.
//
// Failures are classified once, here, so the engine's retry logic works the
// same for every plugin:
//
//   - *ConnectionError is transient and retried with backoff
//   - *RemoteIOError is permanent (permission denied, disk full)
//
// Sessions are pooled per Computer, bounded in count, and opened no faster
// than a configured interval. Callers borrow one with Pool.WithSession, which
// returns it on every exit path.
package transport
