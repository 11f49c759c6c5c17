/*
Package handle implements the Operation Handle: a per-participant façade
that caches (operationId, participantId, pid) and owns the lifetime of a
heartbeat.Scheduler. It delegates every verb to a ledger.Engine — local or
remote — without knowing which.
*/
package handle
