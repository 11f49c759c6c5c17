/*
Package store implements the File Store: durable, atomic, single-file
storage for one ledger document per operation, guarded by a cross-process
advisory lock.

Every engine mutation goes through Transact, which acquires the lock, reads the
current bytes (if any), lets the caller compute the next state, and commits
via a temp-file-then-rename so concurrent lock-free readers never observe a
torn file. Each commit also writes a timestamped copy under backups/ and
notifies an injected events.Listener.
*/
package store
