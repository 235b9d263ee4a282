// Package session implements the custody core: the session aggregate with
// its monotone state machine, per-network spend ledger, merchant allowlist,
// durable session store, lifecycle manager, and the recurring expiry and
// balance monitors. A session is a time- and spend-bounded delegation of
// signing authority via disposable per-network keypairs; everything in this
// package exists to bound that delegation and to return custody safely when
// the session ends.
package session
