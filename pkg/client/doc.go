/*
Package client implements the Remote Ledger Client: an HTTP counterpart of
the Local Ledger Engine implementing the same ledger.Engine interface, plus
a discover() factory that scans localhost and the local LAN for a reachable
ledger server. Every call is wrapped by the Retry Engine.
*/
package client
