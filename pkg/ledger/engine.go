package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tomledger/dpl/pkg/events"
	"github.com/tomledger/dpl/pkg/metrics"
	"github.com/tomledger/dpl/pkg/store"
)

// Engine is the capability set both the Local Ledger Engine and the Remote
// Ledger Client implement. The Operation Handle depends only on this
// interface, so it is blind to whether it's talking to a local file or a
// remote ledger server.
type Engine interface {
	CreateOperation(ctx context.Context, operationID, initiatorID string, metadata map[string]string) (*LedgerData, error)
	PushCallFrame(ctx context.Context, in PushCallFrameInput) (*LedgerData, error)
	PopCallFrame(ctx context.Context, operationID, callID string) (*LedgerData, error)
	Heartbeat(ctx context.Context, operationID, participantID string) (*HeartbeatResult, error)
	RegisterResource(ctx context.Context, operationID, callID, path string) (*LedgerData, error)
	ReleaseResource(ctx context.Context, operationID, path string) (*LedgerData, error)
	Abort(ctx context.Context, operationID, reason string) (*LedgerData, error)
	Complete(ctx context.Context, operationID string) (*LedgerData, error)
	ReadState(ctx context.Context, operationID string) (*LedgerData, error)
	SweepStale(ctx context.Context, operationID string, timeoutMs int64) (*LedgerData, error)
}

// LocalEngine implements Engine directly over a File Store. Every verb is a
// single store.Transact call; there is no in-memory cache, disk is truth.
type LocalEngine struct {
	store    *store.Store
	listener events.Listener
}

// NewLocalEngine wires a LocalEngine to st, notifying listener (if non-nil)
// on committed state transitions.
func NewLocalEngine(st *store.Store, listener events.Listener) *LocalEngine {
	if listener == nil {
		listener = events.Nop
	}
	return &LocalEngine{store: st, listener: listener}
}

var _ Engine = (*LocalEngine)(nil)

func notFoundErr(operationID string) error {
	return NewError(KindNotFound, "no operation "+operationID, nil)
}

// load decodes the current document, translating a missing file into
// KindNotFound.
func load(old []byte, existed bool, operationID string) (*LedgerData, error) {
	if !existed {
		return nil, notFoundErr(operationID)
	}
	return Decode(old)
}

func (e *LocalEngine) notifyTransition(operationID, message string) {
	e.listener.Notify(events.Event{
		Type:        events.EventOperationTransitioned,
		OperationID: operationID,
		Timestamp:   time.Now(),
		Message:     message,
	})
}

// CreateOperation writes a new LedgerData with state=running and empty
// stack/resources. Fails with AlreadyExists if the file is already present.
func (e *LocalEngine) CreateOperation(ctx context.Context, operationID, initiatorID string, metadata map[string]string) (*LedgerData, error) {
	var result *LedgerData
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		if existed {
			return nil, false, NewError(KindAlreadyExists, "operation "+operationID+" already exists", nil)
		}
		now := time.Now()
		d := &LedgerData{
			OperationID:    operationID,
			InitiatorID:    initiatorID,
			StartTime:      now,
			OperationState: StateRunning,
			LastHeartbeat:  now,
			CallFrames:     []CallFrame{},
			TempResources:  []TempResource{},
			Metadata:       metadata,
		}
		enc, err := Encode(d)
		if err != nil {
			return nil, false, err
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	metrics.OperationsCreatedTotal.Inc()
	e.notifyTransition(operationID, "operation created")
	return result, nil
}

// PushCallFrame appends a new active frame, unless the operation is
// terminal or aborted.
func (e *LocalEngine) PushCallFrame(ctx context.Context, in PushCallFrameInput) (*LedgerData, error) {
	var result *LedgerData
	err := e.store.Transact(ctx, in.OperationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, in.OperationID)
		if lerr != nil {
			return nil, false, lerr
		}
		if mutationsBlocked(d) {
			return nil, false, blockReason(d)
		}
		for _, f := range d.CallFrames {
			if f.CallID == in.CallID {
				return nil, false, NewError(KindDuplicateCallId, "call "+in.CallID+" already active", nil)
			}
		}
		now := time.Now()
		d.CallFrames = append(d.CallFrames, CallFrame{
			ParticipantID: in.ParticipantID,
			CallID:        in.CallID,
			PID:           in.PID,
			StartTime:     now,
			LastHeartbeat: now,
			State:         FrameActive,
			FailOnCrash:   in.FailOnCrash,
			Description:   in.Description,
			Resources:     []string{},
		})
		d.LastHeartbeat = now
		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, in.OperationID)
	}
	return result, nil
}

// mutationsBlocked reports whether invariant 4 forbids pushing a frame or
// registering a resource: aborted, or operationState outside running.
func mutationsBlocked(d *LedgerData) bool {
	return d.Aborted || d.OperationState != StateRunning
}

func blockReason(d *LedgerData) error {
	if d.Aborted {
		return NewError(KindAborted, "operation "+d.OperationID+" is aborted", nil)
	}
	return NewError(KindNotRunning, "operation "+d.OperationID+" is not running", nil)
}

// PopCallFrame removes the top frame iff its callId matches callID, along with
// any resources it registered that are still present.
func (e *LocalEngine) PopCallFrame(ctx context.Context, operationID, callID string) (*LedgerData, error) {
	var result *LedgerData
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		if len(d.CallFrames) == 0 {
			return nil, false, NewError(KindUnknownCallId, "no frame "+callID, nil)
		}
		topIdx := len(d.CallFrames) - 1
		top := d.CallFrames[topIdx]
		if top.CallID != callID {
			found := false
			for _, f := range d.CallFrames {
				if f.CallID == callID {
					found = true
					break
				}
			}
			if !found {
				return nil, false, NewError(KindUnknownCallId, "no frame "+callID, nil)
			}
			return nil, false, NewError(KindNotTop, callID+" is not the top frame", nil)
		}

		popped := make(map[string]bool, len(top.Resources))
		for _, p := range top.Resources {
			popped[p] = true
		}
		d.TempResources = filterResources(d.TempResources, func(r TempResource) bool {
			return !popped[r.Path]
		})
		d.CallFrames = d.CallFrames[:topIdx]

		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	return result, nil
}

func filterResources(in []TempResource, keep func(TempResource) bool) []TempResource {
	out := make([]TempResource, 0, len(in))
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Heartbeat updates participantId's frame(s) lastHeartbeat and the global
// lastHeartbeat, then returns a HeartbeatResult describing liveness for
// every participant. A missing ledger is reported through the result
// (LedgerExists=false), never as an error, per the spec's error table.
func (e *LocalEngine) Heartbeat(ctx context.Context, operationID, participantID string) (*HeartbeatResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatLatency)

	var result *HeartbeatResult
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		if !existed {
			result = &HeartbeatResult{LedgerExists: false}
			return nil, false, nil
		}
		before, derr := Decode(old)
		if derr != nil {
			return nil, false, derr
		}
		beforeSnapshot := before.clone()

		now := time.Now()
		updated := false
		for i := range before.CallFrames {
			if before.CallFrames[i].ParticipantID == participantID {
				before.CallFrames[i].LastHeartbeat = now
				updated = true
			}
		}
		before.LastHeartbeat = now

		result = buildHeartbeatResult(before, updated, now)
		result.DataBefore = beforeSnapshot
		result.DataAfter = before.clone()

		enc, eerr := Encode(before)
		if eerr != nil {
			return nil, false, eerr
		}
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	return result, nil
}

const defaultStaleTimeoutMs = 10_000

func buildHeartbeatResult(d *LedgerData, updated bool, now time.Time) *HeartbeatResult {
	r := &HeartbeatResult{
		AbortFlag:                d.Aborted,
		LedgerExists:             true,
		HeartbeatUpdated:         updated,
		CallFrameCount:           len(d.CallFrames),
		TempResourceCount:        len(d.TempResources),
		HeartbeatAgeMs:           now.Sub(d.LastHeartbeat).Milliseconds(),
		ParticipantHeartbeatAges: map[string]int64{},
	}
	r.IsStale = r.HeartbeatAgeMs > defaultStaleTimeoutMs

	seen := map[string]bool{}
	for _, f := range d.CallFrames {
		if seen[f.ParticipantID] {
			continue
		}
		seen[f.ParticipantID] = true
		r.Participants = append(r.Participants, f.ParticipantID)
		age := now.Sub(f.LastHeartbeat).Milliseconds()
		r.ParticipantHeartbeatAges[f.ParticipantID] = age
		if age > defaultStaleTimeoutMs {
			r.StaleParticipants = append(r.StaleParticipants, f.ParticipantID)
		}
	}
	sort.Strings(r.Participants)
	sort.Strings(r.StaleParticipants)
	return r
}

// RegisterResource adds a TempResource and appends its path to the owning
// frame's resources list.
func (e *LocalEngine) RegisterResource(ctx context.Context, operationID, callID, path string) (*LedgerData, error) {
	var result *LedgerData
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		if mutationsBlocked(d) {
			return nil, false, blockReason(d)
		}
		idx := frameIndex(d, callID)
		if idx < 0 {
			return nil, false, NewError(KindUnknownCallId, "no frame "+callID, nil)
		}
		for _, r := range d.TempResources {
			if r.Path == path {
				return nil, false, NewError(KindDuplicate, "resource "+path+" already registered", nil)
			}
		}
		d.TempResources = append(d.TempResources, TempResource{
			Path:         path,
			Owner:        d.CallFrames[idx].PID,
			RegisteredAt: time.Now(),
		})
		d.CallFrames[idx].Resources = append(d.CallFrames[idx].Resources, path)

		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	return result, nil
}

func frameIndex(d *LedgerData, callID string) int {
	for i, f := range d.CallFrames {
		if f.CallID == callID {
			return i
		}
	}
	return -1
}

// ReleaseResource removes the TempResource and its back-reference in
// whichever frame actually registered it — the caller does not (and per §4.3
// cannot) claim a frame, so ownership is resolved by lookup rather than by
// a caller-supplied callId. Any caller may release any registered path; a
// release on behalf of a frame other than the registrant is not detected or
// rejected. Unknown is returned only when the path is not registered.
func (e *LocalEngine) ReleaseResource(ctx context.Context, operationID, path string) (*LedgerData, error) {
	var result *LedgerData
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		found := false
		for _, r := range d.TempResources {
			if r.Path == path {
				found = true
				break
			}
		}
		if !found {
			return nil, false, NewError(KindUnknown, "no resource "+path, nil)
		}
		d.TempResources = filterResources(d.TempResources, func(r TempResource) bool {
			return r.Path != path
		})
		for i := range d.CallFrames {
			d.CallFrames[i].Resources = filterStrings(d.CallFrames[i].Resources, func(p string) bool {
				return p != path
			})
		}

		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	return result, nil
}

func filterStrings(in []string, keep func(string) bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Abort sets aborted=true. Idempotent: calling it again on an already
// aborted operation is a no-op that still returns the current state.
// Deliberately does not also move operationState to cleanup: that would
// foreclose the abort-then-complete shutdown sequence, since the only edge
// into completed is from running (see DESIGN.md's Open Question decisions).
// cleanup is reserved for the crash path sweepStale drives on its own.
func (e *LocalEngine) Abort(ctx context.Context, operationID, reason string) (*LedgerData, error) {
	var result *LedgerData
	alreadyAborted := false
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		if d.Aborted {
			alreadyAborted = true
			result = d
			return nil, false, nil
		}
		d.Aborted = true
		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		result = d
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	if !alreadyAborted {
		metrics.OperationsAbortedTotal.Inc()
		e.notifyTransition(operationID, "operation aborted: "+reason)
	}
	return result, nil
}

// Complete transitions to completed, requiring the operation still be
// running (the only legal source of the running -> completed edge) and the
// call stack empty, and deletes the file when the resulting document meets
// invariant 5 (empty stack, empty resources, terminal state). Calling
// Complete on an operation already in cleanup, failed, or completed returns
// NotRunning rather than silently overwriting a terminal state.
func (e *LocalEngine) Complete(ctx context.Context, operationID string) (*LedgerData, error) {
	var result *LedgerData
	var deleted bool
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		if d.OperationState != StateRunning {
			return nil, false, NewError(KindNotRunning, "operation "+operationID+" is already "+string(d.OperationState), nil)
		}
		if len(d.CallFrames) != 0 {
			return nil, false, NewError(KindNonEmptyStack, "operation "+operationID+" has active frames", nil)
		}
		d.OperationState = StateCompleted
		result = d

		if eligibleForDeletion(d) {
			deleted = true
			return nil, true, nil
		}
		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	metrics.OperationsCompletedTotal.Inc()
	if deleted {
		e.notifyTransition(operationID, "operation completed and deleted")
	} else {
		e.notifyTransition(operationID, "operation completed")
	}
	return result, nil
}

// eligibleForDeletion implements invariant 5.
func eligibleForDeletion(d *LedgerData) bool {
	if len(d.CallFrames) != 0 || len(d.TempResources) != 0 {
		return false
	}
	return d.OperationState == StateCompleted || d.OperationState == StateFailed
}

// ReadState is a pure read; it never mutates and never blocks on a writer
// longer than one lock acquisition.
func (e *LocalEngine) ReadState(ctx context.Context, operationID string) (*LedgerData, error) {
	b, err := e.store.ReadLocked(ctx, operationID)
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	return Decode(b)
}

// SweepStale marks frames older than timeoutMs as crashed. A newly crashed
// failOnCrash frame moves the whole operation to cleanup and records
// detectionTimestamp on the round that detects it. On every subsequent
// round, while the operation is already in cleanup, the designated
// coordinator — the first remaining frame in stack order that is no longer
// active — is advanced one
// step (crashed -> cleaningUp -> cleanedUp -> removed); re-deriving the
// coordinator fresh on each call is the resolution of the re-election open
// question recorded in DESIGN.md. A crashed non-failOnCrash frame is always
// silently removed along with its resources, regardless of round. When
// advancing the coordinator empties the stack and lands the operation in
// failed, this call is itself the observer of invariant 5's empty+terminal
// condition and deletes the file in the same transaction, exactly as
// Complete does for the running -> completed path.
func (e *LocalEngine) SweepStale(ctx context.Context, operationID string, timeoutMs int64) (*LedgerData, error) {
	var result *LedgerData
	var deleted bool
	err := e.store.Transact(ctx, operationID, func(old []byte, existed bool) ([]byte, bool, error) {
		d, lerr := load(old, existed, operationID)
		if lerr != nil {
			return nil, false, lerr
		}
		now := time.Now()
		changed := false
		wasCleanup := d.OperationState == StateCleanup

		var kept []CallFrame
		enteredCleanup := false
		for _, f := range d.CallFrames {
			ageMs := now.Sub(f.LastHeartbeat).Milliseconds()
			if f.State == FrameActive && ageMs > timeoutMs {
				changed = true
				if f.FailOnCrash {
					f.State = FrameCrashed
					enteredCleanup = true
					kept = append(kept, f)
					continue
				}
				// Non-failing crash: drop the frame and its resources silently.
				d.TempResources = filterResources(d.TempResources, func(r TempResource) bool {
					return !containsString(f.Resources, r.Path)
				})
				continue
			}
			kept = append(kept, f)
		}
		d.CallFrames = kept

		if enteredCleanup && d.OperationState == StateRunning {
			d.OperationState = StateCleanup
			ts := now
			d.DetectionTimestamp = &ts
		}

		// Only advance the coordinator for cleanup that was already underway
		// coming into this round — a frame detected crashed this round stays
		// crashed until the next sweepStale call observes it.
		if wasCleanup && d.OperationState == StateCleanup {
			if advanceCleanupCoordinator(d) {
				changed = true
			}
		}

		if !changed {
			result = d
			return nil, false, nil
		}

		result = d
		if eligibleForDeletion(d) {
			deleted = true
			return nil, true, nil
		}

		enc, eerr := Encode(d)
		if eerr != nil {
			return nil, false, eerr
		}
		return enc, false, nil
	})
	if err != nil {
		return nil, translateStoreErr(err, operationID)
	}
	if deleted {
		metrics.OperationsFailedTotal.Inc()
		e.notifyTransition(operationID, "operation failed and deleted")
	}
	return result, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// advanceCleanupCoordinator re-derives the coordinator — the first
// remaining frame in stack order that is no longer active (crashed,
// cleaningUp or cleanedUp); active frames are skipped — and drives it
// crashed -> cleaningUp -> cleanedUp, then removes it and its resources once
// cleanedUp. Re-running this on every sweepStale call means the choice is
// recomputed from whatever frames remain; no separate coordinator field is
// persisted.
func advanceCleanupCoordinator(d *LedgerData) bool {
	for i := range d.CallFrames {
		f := &d.CallFrames[i]
		switch f.State {
		case FrameCrashed:
			f.State = FrameCleaningUp
			return true
		case FrameCleaningUp:
			f.State = FrameCleanedUp
			return true
		case FrameCleanedUp:
			removePath := d.CallFrames[i].Resources
			d.TempResources = filterResources(d.TempResources, func(r TempResource) bool {
				return !containsString(removePath, r.Path)
			})
			d.CallFrames = append(d.CallFrames[:i], d.CallFrames[i+1:]...)
			if len(d.CallFrames) == 0 {
				d.OperationState = StateFailed
			}
			return true
		default:
			// FrameActive: nothing to advance yet, move to the next frame.
		}
	}
	return false
}

// translateStoreErr maps a store-layer error (ErrNotFound / ErrLockTimeout,
// or a *Error already produced inside a MutateFn) into the public error
// taxonomy.
func translateStoreErr(err error, operationID string) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFoundErr(operationID)
	}
	if errors.Is(err, store.ErrLockTimeout) {
		return NewError(KindLockTimeout, "lock timeout for "+operationID, err)
	}
	return NewError(KindTransport, "store failure for "+operationID, err)
}
