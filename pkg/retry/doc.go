/*
Package retry implements the Retry Engine: an exponential-backoff wrapper
used by the Remote Ledger Client around every HTTP call, with an explicit
delay schedule and a pluggable classifier distinguishing retryable failures
from fatal ones.
*/
package retry
