// Package lock coordinates per-task advisory edit locks.
//
// A Coordinator never caches lock state: every acquire, release and expiry
// is a single conditional write against the task store, which makes the
// store the only place where contention is decided. Locks carry a time
// limit; a background sweep releases locks older than the configured TTL
// so an abandoned editor cannot hold a task forever.
package lock
