package retry

import (
	"context"
	"strconv"
	"time"

	"github.com/tomledger/dpl/pkg/ledger"
)

// Classification is the outcome of classifying an error produced by a
// wrapped call.
type Classification int

const (
	// Retryable errors are worth retrying: connection refusals, socket
	// errors, request timeouts, HTTP 408/429/5xx.
	Retryable Classification = iota
	// Fatal errors should surface immediately: malformed-request 4xx
	// (except 408/429), and engine errors that are legitimate outcomes
	// (AlreadyExists, NotFound in contexts expecting it, and so on).
	Fatal
)

// Delays is the default backoff schedule: 2, 4, 8, 16, 32 seconds, summing
// to 62 seconds across at most 5 retries (6 attempts total).
var Delays = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// MaxRetries bounds the number of retries after the first attempt.
const MaxRetries = 5

// Classifier decides whether err is worth retrying.
type Classifier func(error) Classification

// Do invokes fn, retrying on Retryable errors per Delays, up to MaxRetries
// additional attempts. It sleeps cooperatively between attempts and honors
// ctx cancellation during the sleep. On exhaustion it returns a
// *ledger.Error with KindRetryExhausted wrapping the last error and the
// attempt count.
func Do(ctx context.Context, fn func() error, classify Classifier) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Delays[attempt-1]
			select {
			case <-ctx.Done():
				return ledger.NewError(ledger.KindTransport, "retry cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if classify(lastErr) != Retryable {
			return lastErr
		}
	}
	return ledger.NewError(
		ledger.KindRetryExhausted,
		"exhausted retries after "+strconv.Itoa(MaxRetries+1)+" attempts",
		lastErr,
	)
}
