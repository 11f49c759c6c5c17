/*
Package api implements the Ledger Server: a stateless HTTP projection of
the ledger.Engine verbs, plus /status for discovery and /metrics for
Prometheus scraping. Request logging middleware wraps every route, grounded
in the same net/http.ServeMux + typed-response-struct pattern used
throughout this codebase's HTTP surfaces.
*/
package api
