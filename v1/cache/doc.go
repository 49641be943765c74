// Package cache provides the read-through caches used for display data such
// as user names. Entries are advisory copies of authoritative records and
// may be dropped at any time.
package cache
