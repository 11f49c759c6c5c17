/*
Package metrics exposes the ledger server's Prometheus instrumentation:
operation lifecycle counters, the active-operation gauge, and latency
histograms for heartbeats and lock acquisition. Handler() is mounted on the
ledger server's mux alongside /status.
*/
package metrics
