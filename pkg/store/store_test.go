package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestReadLockedMissingReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ReadLocked(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAtomicReplaceThenRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.AtomicReplace(ctx, "op1", []byte(`{"operationId":"op1"}`)); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}

	got, err := st.ReadLocked(ctx, "op1")
	if err != nil {
		t.Fatalf("ReadLocked: %v", err)
	}
	if string(got) != `{"operationId":"op1"}` {
		t.Errorf("unexpected contents: %s", got)
	}
}

func TestTransactWritesBackup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Transact(ctx, "op2", func(old []byte, existed bool) ([]byte, bool, error) {
		if existed {
			t.Fatalf("expected no existing file")
		}
		return []byte(`{"operationId":"op2"}`), false, nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	entries, err := st.ListOperationIDs()
	if err != nil {
		t.Fatalf("ListOperationIDs: %v", err)
	}
	if len(entries) != 1 || entries[0] != "op2" {
		t.Fatalf("expected [op2], got %v", entries)
	}

	backups, err := os.ReadDir(filepath.Join(st.baseDir, "backups"))
	if err != nil {
		t.Fatalf("ReadDir backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup file, got %d", len(backups))
	}
}

func TestTransactDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.AtomicReplace(ctx, "op3", []byte(`{"operationId":"op3"}`)); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}

	err := st.Transact(ctx, "op3", func(old []byte, existed bool) ([]byte, bool, error) {
		if !existed {
			t.Fatalf("expected existing file")
		}
		return nil, true, nil
	})
	if err != nil {
		t.Fatalf("Transact delete: %v", err)
	}

	_, err = st.ReadLocked(ctx, "op3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// TestConcurrentTransact exercises twenty goroutines running Transact on the
// same operation id concurrently; the lock serializes them and every call
// must commit without error (mirroring spec scenario S6 at the store layer).
func TestConcurrentTransact(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.AtomicReplace(ctx, "op4", []byte(`{"operationId":"op4","count":0}`)); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Transact(ctx, "op4", func(old []byte, existed bool) ([]byte, bool, error) {
				// Re-write the same bytes; the test checks only that every
				// concurrent Transact call acquires the lock and commits.
				return old, false, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Transact failed: %v", err)
		}
	}
}

func TestLockTimeout(t *testing.T) {
	st := newTestStore(t).WithLockTimeout(100 * time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.Transact(ctx, "op5", func(old []byte, existed bool) ([]byte, bool, error) {
			close(started)
			<-release
			return []byte(`{"operationId":"op5"}`), false, nil
		})
	}()

	<-started
	_, err := st.ReadLocked(ctx, "op5")
	close(release)
	<-done

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while the other goroutine held the lock, got %v", err)
	}
}
