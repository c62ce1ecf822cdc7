package kades

import "errors"

var (
	// ErrUnreachable is a single failed RPC, timeout or transport error.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoKnownContacts means the routing table was empty when a lookup
	// started.
	ErrNoKnownContacts = errors.New("no known contacts")

	// ErrStoreFailed means every replication RPC of a store failed.
	ErrStoreFailed = errors.New("store failed on every replica")

	// ErrConfig covers configuration mismatches, like a peer speaking a
	// different hash width.
	ErrConfig = errors.New("configuration error")
)
