package handle

import (
	"context"
	"os"
	"time"

	"github.com/tomledger/dpl/pkg/heartbeat"
	"github.com/tomledger/dpl/pkg/ledger"
)

// Handle is the per-participant façade over a ledger.Engine. It caches the
// (operationId, participantId, pid) triple so callers never repeat it, and
// owns the heartbeat.Scheduler lifecycle.
type Handle struct {
	engine        ledger.Engine
	operationID   string
	participantID string
	pid           int

	scheduler *heartbeat.Scheduler
}

// New creates a Handle bound to engine, which may be a *ledger.LocalEngine
// or a *client.Client — the Handle is blind to which.
func New(engine ledger.Engine, operationID, participantID string, pid int) *Handle {
	return &Handle{
		engine:        engine,
		operationID:   operationID,
		participantID: participantID,
		pid:           pid,
	}
}

// NewWithCurrentPID is a convenience constructor that uses os.Getpid().
func NewWithCurrentPID(engine ledger.Engine, operationID, participantID string) *Handle {
	return New(engine, operationID, participantID, os.Getpid())
}

// OperationID returns the cached operation identifier.
func (h *Handle) OperationID() string { return h.operationID }

// ParticipantID returns the cached participant identifier.
func (h *Handle) ParticipantID() string { return h.participantID }

// CreateOperation creates the ledger record for this handle's operation,
// with this handle's participant as initiator.
func (h *Handle) CreateOperation(ctx context.Context, metadata map[string]string) (*ledger.LedgerData, error) {
	return h.engine.CreateOperation(ctx, h.operationID, h.participantID, metadata)
}

// PushStackFrame pushes a new call frame for this handle's participant.
func (h *Handle) PushStackFrame(ctx context.Context, callID string, failOnCrash bool, description string) (*ledger.LedgerData, error) {
	return h.engine.PushCallFrame(ctx, ledger.PushCallFrameInput{
		OperationID:   h.operationID,
		ParticipantID: h.participantID,
		CallID:        callID,
		PID:           h.pid,
		FailOnCrash:   failOnCrash,
		Description:   description,
	})
}

// PopStackFrame pops callID's frame.
func (h *Handle) PopStackFrame(ctx context.Context, callID string) (*ledger.LedgerData, error) {
	return h.engine.PopCallFrame(ctx, h.operationID, callID)
}

// RegisterResource registers path against callID's frame.
func (h *Handle) RegisterResource(ctx context.Context, callID, path string) (*ledger.LedgerData, error) {
	return h.engine.RegisterResource(ctx, h.operationID, callID, path)
}

// ReleaseResource releases path from whichever frame registered it.
func (h *Handle) ReleaseResource(ctx context.Context, path string) (*ledger.LedgerData, error) {
	return h.engine.ReleaseResource(ctx, h.operationID, path)
}

// Abort sets the operation's abort flag.
func (h *Handle) Abort(ctx context.Context, reason string) (*ledger.LedgerData, error) {
	return h.engine.Abort(ctx, h.operationID, reason)
}

// Complete transitions the operation to completed.
func (h *Handle) Complete(ctx context.Context) (*ledger.LedgerData, error) {
	return h.engine.Complete(ctx, h.operationID)
}

// ReadState reads the current ledger snapshot.
func (h *Handle) ReadState(ctx context.Context) (*ledger.LedgerData, error) {
	return h.engine.ReadState(ctx, h.operationID)
}

// StartHeartbeat starts a background heartbeat.Scheduler for this handle.
// Calling it while a scheduler is already running replaces it, stopping the
// old one first.
func (h *Handle) StartHeartbeat(ctx context.Context, interval time.Duration, listeners heartbeat.Listeners) {
	if h.scheduler != nil {
		h.scheduler.Stop()
	}
	h.scheduler = heartbeat.New(heartbeat.Config{
		Engine:        h.engine,
		OperationID:   h.operationID,
		ParticipantID: h.participantID,
		Interval:      interval,
		Listeners:     listeners,
	})
	h.scheduler.Start(ctx)
}

// StopHeartbeat stops the running scheduler, if any. It is synchronous: once
// it returns, no further heartbeat callback will fire.
func (h *Handle) StopHeartbeat() {
	if h.scheduler == nil {
		return
	}
	h.scheduler.Stop()
	h.scheduler = nil
}
