/*
Package heartbeat implements the Heartbeat Scheduler: a cooperative
ticker-driven task that repeats the engine's Heartbeat verb at a fixed
cadence for the lifetime of an Operation Handle, dispatching onSuccess,
onError, onAbort, and onStale callbacks. Stop is synchronous: once it
returns, no further callback will fire, though a tick already in flight is
allowed to finish with its callbacks suppressed.
*/
package heartbeat
