package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomledger/dpl/pkg/store"
)

func newTestEngine(t *testing.T) *LocalEngine {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewLocalEngine(st, nil)
}

// S1. Happy path: create -> push -> heartbeat -> pop -> complete -> readState NotFound.
func TestHappyPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op1", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op1", ParticipantID: "cli", CallID: "c1", PID: 1234, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}

	result, err := e.Heartbeat(ctx, "op1", "cli")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if result.AbortFlag {
		t.Error("expected abortFlag=false")
	}
	if result.CallFrameCount != 1 {
		t.Errorf("expected callFrameCount=1, got %d", result.CallFrameCount)
	}

	if _, err := e.PopCallFrame(ctx, "op1", "c1"); err != nil {
		t.Fatalf("PopCallFrame: %v", err)
	}
	if _, err := e.Complete(ctx, "op1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, err = e.ReadState(ctx, "op1")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound after completion deletes the file, got %v", err)
	}
}

// S2. Abort propagation.
func TestAbortPropagation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op2", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op2", ParticipantID: "cli", CallID: "c1", PID: 1, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	if _, err := e.Abort(ctx, "op2", "user"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	result, err := e.Heartbeat(ctx, "op2", "cli")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !result.AbortFlag {
		t.Error("expected abortFlag=true after abort")
	}

	_, err = e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op2", ParticipantID: "cli", CallID: "c2", PID: 1,
	})
	if KindOf(err) != KindAborted {
		t.Fatalf("expected Aborted pushing to an aborted operation, got %v", err)
	}
}

// backdateHeartbeat rewrites op's ledger file so every frame and the
// operation's own lastHeartbeat are `age` in the past, simulating a
// participant that stopped heartbeating without sleeping in the test.
func backdateHeartbeat(t *testing.T, e *LocalEngine, operationID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	d, err := e.ReadState(ctx, operationID)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	past := time.Now().Add(-age)
	d.LastHeartbeat = past
	for i := range d.CallFrames {
		d.CallFrames[i].LastHeartbeat = past
	}
	enc, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := e.store.AtomicReplace(ctx, operationID, enc); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}
}

// S3. Crash sweep with failOnCrash=true.
func TestCrashSweepFailOnCrash(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op3", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op3", ParticipantID: "cli", CallID: "c1", PID: 1, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	backdateHeartbeat(t, e, "op3", 15*time.Second)

	if _, err := e.SweepStale(ctx, "op3", 10_000); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}

	d, err := e.ReadState(ctx, "op3")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if d.OperationState != StateCleanup {
		t.Errorf("expected operationState=cleanup, got %q", d.OperationState)
	}
	if len(d.CallFrames) != 1 || d.CallFrames[0].State != FrameCrashed {
		t.Fatalf("expected a single crashed frame, got %+v", d.CallFrames)
	}
	if d.DetectionTimestamp == nil {
		t.Error("expected detectionTimestamp to be set")
	}
}

// S4. Crash sweep with failOnCrash=false.
func TestCrashSweepNotFailOnCrash(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op4", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op4", ParticipantID: "child", CallID: "c1", PID: 2, FailOnCrash: false,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	backdateHeartbeat(t, e, "op4", 15*time.Second)

	if _, err := e.SweepStale(ctx, "op4", 10_000); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}

	d, err := e.ReadState(ctx, "op4")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if len(d.CallFrames) != 0 {
		t.Errorf("expected the stale frame to be silently removed, got %+v", d.CallFrames)
	}
	if d.OperationState != StateRunning {
		t.Errorf("expected operationState=running, got %q", d.OperationState)
	}
}

// A second sweepStale call, with cleanup already underway, advances the
// coordinator one more step rather than re-detecting the same crash.
func TestCrashSweepAdvancesCoordinatorOnSubsequentRound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op3b", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op3b", ParticipantID: "cli", CallID: "c1", PID: 1, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	backdateHeartbeat(t, e, "op3b", 15*time.Second)

	if _, err := e.SweepStale(ctx, "op3b", 10_000); err != nil {
		t.Fatalf("first SweepStale: %v", err)
	}
	d, err := e.ReadState(ctx, "op3b")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if d.CallFrames[0].State != FrameCrashed {
		t.Fatalf("expected crashed after first sweep, got %q", d.CallFrames[0].State)
	}

	if _, err := e.SweepStale(ctx, "op3b", 10_000); err != nil {
		t.Fatalf("second SweepStale: %v", err)
	}
	d, err = e.ReadState(ctx, "op3b")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if d.CallFrames[0].State != FrameCleaningUp {
		t.Fatalf("expected cleaningUp after second sweep, got %q", d.CallFrames[0].State)
	}
}

// Running a crashed failOnCrash frame through both coordinator steps
// (crashed -> cleaningUp -> cleanedUp) empties the stack, lands the
// operation in failed, and SweepStale itself must observe the
// empty+terminal condition and delete the file — it is not only Complete's
// job.
func TestCrashSweepAdvancesToFailedAndDeletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op3c", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op3c", ParticipantID: "cli", CallID: "c1", PID: 1, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	backdateHeartbeat(t, e, "op3c", 15*time.Second)

	// Round 1: detects the crash, enters cleanup.
	if _, err := e.SweepStale(ctx, "op3c", 10_000); err != nil {
		t.Fatalf("sweep 1: %v", err)
	}
	// Round 2: crashed -> cleaningUp.
	if _, err := e.SweepStale(ctx, "op3c", 10_000); err != nil {
		t.Fatalf("sweep 2: %v", err)
	}
	// Round 3: cleaningUp -> cleanedUp.
	if _, err := e.SweepStale(ctx, "op3c", 10_000); err != nil {
		t.Fatalf("sweep 3: %v", err)
	}
	// Round 4: cleanedUp -> removed, stack empties, operation fails and the
	// file must be deleted in this same call.
	if _, err := e.SweepStale(ctx, "op3c", 10_000); err != nil {
		t.Fatalf("sweep 4: %v", err)
	}

	_, err := e.ReadState(ctx, "op3c")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound after the operation failed and was deleted, got %v", err)
	}
}

// Complete must never move an operation out of crash cleanup.
func TestCompleteRejectsOperationInCleanup(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op3d", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{
		OperationID: "op3d", ParticipantID: "cli", CallID: "c1", PID: 1, FailOnCrash: true,
	}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	backdateHeartbeat(t, e, "op3d", 15*time.Second)

	for i := 0; i < 3; i++ {
		if _, err := e.SweepStale(ctx, "op3d", 10_000); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	d, err := e.ReadState(ctx, "op3d")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if d.OperationState != StateCleanup {
		t.Fatalf("expected operationState=cleanup before the final sweep, got %q", d.OperationState)
	}

	_, err = e.Complete(ctx, "op3d")
	if KindOf(err) != KindNotRunning {
		t.Fatalf("expected NotRunning completing a non-running operation, got %v", err)
	}
}

// S5. Duplicate create.
func TestDuplicateCreate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op5", "a", nil); err != nil {
		t.Fatalf("first CreateOperation: %v", err)
	}
	_, err := e.CreateOperation(ctx, "op5", "b", nil)
	if KindOf(err) != KindAlreadyExists {
		t.Fatalf("expected AlreadyExists on duplicate create, got %v", err)
	}
}

// S6. Lock contention: two goroutines push concurrently, both succeed, and
// the final stack contains both frames.
func TestConcurrentPushCallFrame(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op6", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.PushCallFrame(ctx, PushCallFrameInput{
			OperationID: "op6", ParticipantID: "a", CallID: "ca", PID: 1,
		})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := e.PushCallFrame(ctx, PushCallFrameInput{
			OperationID: "op6", ParticipantID: "b", CallID: "cb", PID: 2,
		})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent PushCallFrame failed: %v", err)
		}
	}

	d, err := e.ReadState(ctx, "op6")
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if len(d.CallFrames) != 2 {
		t.Fatalf("expected both frames to survive, got %+v", d.CallFrames)
	}
}

func TestPopCallFrameRequiresTop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op7", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{OperationID: "op7", ParticipantID: "cli", CallID: "c1", PID: 1}); err != nil {
		t.Fatalf("PushCallFrame c1: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{OperationID: "op7", ParticipantID: "cli", CallID: "c2", PID: 1}); err != nil {
		t.Fatalf("PushCallFrame c2: %v", err)
	}

	_, err := e.PopCallFrame(ctx, "op7", "c1")
	if KindOf(err) != KindNotTop {
		t.Fatalf("expected NotTop popping a non-top frame, got %v", err)
	}
}

func TestRegisterAndReleaseResource(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateOperation(ctx, "op8", "cli", nil); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := e.PushCallFrame(ctx, PushCallFrameInput{OperationID: "op8", ParticipantID: "cli", CallID: "c1", PID: 1}); err != nil {
		t.Fatalf("PushCallFrame: %v", err)
	}
	if _, err := e.RegisterResource(ctx, "op8", "c1", "/tmp/r1"); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}

	d, err := e.ReleaseResource(ctx, "op8", "/tmp/r1")
	if err != nil {
		t.Fatalf("ReleaseResource: %v", err)
	}
	if len(d.TempResources) != 0 {
		t.Errorf("expected resource removed, got %+v", d.TempResources)
	}
	if len(d.CallFrames[0].Resources) != 0 {
		t.Errorf("expected frame's resource back-reference removed, got %+v", d.CallFrames[0].Resources)
	}

	_, err = e.ReleaseResource(ctx, "op8", "/tmp/r1")
	if KindOf(err) != KindUnknown {
		t.Fatalf("expected Unknown releasing an already-released resource, got %v", err)
	}
}
