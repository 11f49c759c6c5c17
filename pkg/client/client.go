package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tomledger/dpl/pkg/ledger"
	"github.com/tomledger/dpl/pkg/retry"
)

const defaultTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (mainly for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-call timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is the Remote Ledger Client: an HTTP counterpart of
// ledger.LocalEngine implementing the same ledger.Engine capability set.
type Client struct {
	baseURL       string
	participantID string
	httpClient    *http.Client
	timeout       time.Duration
}

// New constructs a Client against baseURL (e.g. "http://127.0.0.1:19880")
// acting as participantID.
func New(baseURL, participantID string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		participantID: participantID,
		httpClient:    http.DefaultClient,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ledger.Engine = (*Client)(nil)

type errorEnvelope struct {
	Error struct {
		Kind    ledger.Kind `json:"kind"`
		Message string      `json:"message"`
	} `json:"error"`
}

// do executes an HTTP round trip through the Retry Engine and decodes the
// response body into out (when non-nil), classifying failures per the
// Retry Engine's retryable/fatal rules.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	return retry.Do(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return ledger.NewError(ledger.KindMalformed, "failed to encode request", err)
			}
			reqBody = bytes.NewReader(b)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reqBody)
		if err != nil {
			return ledger.NewError(ledger.KindMalformed, "failed to build request", err)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return ledger.NewError(ledger.KindTransport, "request failed", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return ledger.NewError(ledger.KindTransport, "failed to read response", err)
		}

		if resp.StatusCode >= 400 {
			return decodeAPIError(resp.StatusCode, respBody)
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return ledger.NewError(ledger.KindMalformed, "failed to decode response", err)
			}
		}
		return nil
	}, classifyHTTP)
}

func decodeAPIError(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Kind == "" {
		return ledger.NewError(httpKind(status), fmt.Sprintf("server returned %d", status), nil)
	}
	return ledger.NewError(env.Error.Kind, env.Error.Message, nil)
}

func httpKind(status int) ledger.Kind {
	switch status {
	case http.StatusNotFound:
		return ledger.KindNotFound
	case http.StatusConflict:
		return ledger.KindAlreadyExists
	case http.StatusBadRequest:
		return ledger.KindMalformed
	case http.StatusServiceUnavailable:
		return ledger.KindLockTimeout
	case http.StatusForbidden:
		return ledger.KindPermissionDenied
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return ledger.KindTransport
	default:
		if status >= 500 {
			return ledger.KindTransport
		}
		return ledger.KindMalformed
	}
}

// classifyHTTP implements the Retry Engine's classification rules for
// errors produced by Client.do: connection failures, timeouts, and
// HTTP 408/429/5xx are retryable; everything else, including legitimate
// engine outcomes like AlreadyExists/NotFound, is fatal.
func classifyHTTP(err error) retry.Classification {
	var le *ledger.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case ledger.KindTransport, ledger.KindLockTimeout:
			return retry.Retryable
		default:
			return retry.Fatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Retryable
	}

	return retry.Fatal
}

// CreateOperation implements ledger.Engine.
func (c *Client) CreateOperation(ctx context.Context, operationID, initiatorID string, metadata map[string]string) (*ledger.LedgerData, error) {
	req := struct {
		OperationID   string            `json:"operationId"`
		InitiatorID   string            `json:"initiatorId"`
		ParticipantID string            `json:"participantId"`
		Metadata      map[string]string `json:"metadata,omitempty"`
	}{OperationID: operationID, InitiatorID: initiatorID, ParticipantID: c.participantID, Metadata: metadata}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/operations", req, &raw); err != nil {
		return nil, err
	}
	return ledger.Decode(raw)
}

// PushCallFrame implements ledger.Engine.
func (c *Client) PushCallFrame(ctx context.Context, in ledger.PushCallFrameInput) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, in.OperationID, actionRequest{
		ParticipantID: in.ParticipantID,
		Action:        "pushFrame",
		CallID:        in.CallID,
		PID:           in.PID,
		FailOnCrash:   in.FailOnCrash,
		Description:   in.Description,
	})
}

// PopCallFrame implements ledger.Engine.
func (c *Client) PopCallFrame(ctx context.Context, operationID, callID string) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "popFrame",
		CallID:        callID,
	})
}

// Heartbeat implements ledger.Engine.
func (c *Client) Heartbeat(ctx context.Context, operationID, participantID string) (*ledger.HeartbeatResult, error) {
	var result ledger.HeartbeatResult
	err := c.do(ctx, http.MethodPost, "/operations/"+operationID, actionRequest{
		ParticipantID: participantID,
		Action:        "heartbeat",
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterResource implements ledger.Engine.
func (c *Client) RegisterResource(ctx context.Context, operationID, callID, path string) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "registerResource",
		CallID:        callID,
		Path:          path,
	})
}

// ReleaseResource implements ledger.Engine.
func (c *Client) ReleaseResource(ctx context.Context, operationID, path string) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "releaseResource",
		Path:          path,
	})
}

// Abort implements ledger.Engine.
func (c *Client) Abort(ctx context.Context, operationID, reason string) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "abort",
		Reason:        reason,
	})
}

// Complete implements ledger.Engine.
func (c *Client) Complete(ctx context.Context, operationID string) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "complete",
	})
}

// ReadState implements ledger.Engine.
func (c *Client) ReadState(ctx context.Context, operationID string) (*ledger.LedgerData, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/operations/"+operationID, nil, &raw); err != nil {
		return nil, err
	}
	return ledger.Decode(raw)
}

// SweepStale implements ledger.Engine.
func (c *Client) SweepStale(ctx context.Context, operationID string, timeoutMs int64) (*ledger.LedgerData, error) {
	return c.actionWithLedgerResult(ctx, operationID, actionRequest{
		ParticipantID: c.participantID,
		Action:        "sweepStale",
		TimeoutMs:     timeoutMs,
	})
}

// actionRequest mirrors the server's actionRequest shape.
type actionRequest struct {
	ParticipantID string `json:"participantId"`
	Action        string `json:"action"`
	CallID        string `json:"callId,omitempty"`
	PID           int    `json:"pid,omitempty"`
	FailOnCrash   bool   `json:"failOnCrash,omitempty"`
	Description   string `json:"description,omitempty"`
	Path          string `json:"path,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}

func (c *Client) actionWithLedgerResult(ctx context.Context, operationID string, req actionRequest) (*ledger.LedgerData, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/operations/"+operationID, req, &raw); err != nil {
		return nil, err
	}
	return ledger.Decode(raw)
}
