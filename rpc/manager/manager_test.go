package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/rpc/transport"
)

// TestInstanceSingleton tests that Instance always returns the same manager
func TestInstanceSingleton(t *testing.T) {
	if Instance() != Instance() {
		t.Errorf("Instance must return the process-wide singleton")
	}
}

// TestInitializeIdempotent tests that repeated initialization is a no-op
func TestInitializeIdempotent(t *testing.T) {
	m := Instance()
	defer m.ResetForTests()

	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	w := m.Worker()
	if err := m.Initialize(); err != nil {
		t.Fatalf("second initialize failed: %v", err)
	}
	if m.Worker() != w {
		t.Errorf("second initialize must not replace the worker")
	}
}

// TestGenerateRequestIDUnique tests that concurrently generated ids never
// collide
func TestGenerateRequestIDUnique(t *testing.T) {
	m := Instance()

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]uint64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				ids = append(ids, m.GenerateRequestID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate request id %d", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}

// TestCompletePendingWrite tests resolution and late-duplicate tolerance
func TestCompletePendingWrite(t *testing.T) {
	m := Instance()

	pw := &PendingWrite{ID: m.GenerateRequestID(), Promise: NewWritePromise()}
	m.RegisterPendingWrite(pw)

	m.CompletePendingWrite(pw.ID, nil)
	if err := pw.Promise.Await(); err != nil {
		t.Errorf("expected ok, got %v", err)
	}

	// A late duplicate response for the same id is silently tolerated
	m.CompletePendingWrite(pw.ID, errors.New("late"))

	// So is a completion for an id that was never registered
	m.CompletePendingWrite(m.GenerateRequestID(), nil)
}

// TestCompletePendingRead tests read resolution with a value
func TestCompletePendingRead(t *testing.T) {
	m := Instance()

	pr := &PendingRead{ID: m.GenerateRequestID(), Promise: NewReadPromise()}
	m.RegisterPendingRead(pr)

	m.CompletePendingRead(pr.ID, ReadResult{Found: true, Value: []byte("v")}, nil)

	res, err := pr.Promise.Await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Found || string(res.Value) != "v" {
		t.Errorf("unexpected result: %+v", res)
	}
}

// TestShutdownResolvesPending tests that shutdown leaves no future pending:
// writes resolve as canceled, reads as missing
func TestShutdownResolvesPending(t *testing.T) {
	m := Instance()
	defer m.ResetForTests()

	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	pw := &PendingWrite{ID: m.GenerateRequestID(), Promise: NewWritePromise()}
	m.RegisterPendingWrite(pw)
	pr := &PendingRead{ID: m.GenerateRequestID(), Promise: NewReadPromise()}
	m.RegisterPendingRead(pr)

	m.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pw.Promise.Await(); !errors.Is(err, ErrShutdown) {
			t.Errorf("write: expected ErrShutdown, got %v", err)
		}
		res, err := pr.Promise.Await()
		if err != nil || res.Found {
			t.Errorf("read: expected missing, got %+v err=%v", res, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pending operations not resolved within bounded time")
	}
}

// TestShutdownIdempotent tests that shutdown can run twice and that the
// manager can be initialized again afterwards
func TestShutdownIdempotent(t *testing.T) {
	m := Instance()
	defer m.ResetForTests()

	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	m.Shutdown()
	m.Shutdown()

	if err := m.Initialize(); err != nil {
		t.Fatalf("re-initialize after shutdown failed: %v", err)
	}
}

// TestCallbackScheduling tests the re-entrancy discipline: a completion
// callback fires on the progress goroutine while the manager lock is
// held, and work it schedules onto a fresh goroutine (which acquires the
// lock) must still complete within bounded time.
func TestCallbackScheduling(t *testing.T) {
	m := Instance()
	defer m.ResetForTests()

	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	done := make(chan struct{})
	req, err := m.Worker().RecvTagged(0x42, 0xFFFF, make([]byte, 8),
		func(err error, info transport.RecvInfo) {
			// Runs under the manager lock. Calling into the manager here
			// would deadlock; scheduling it must not.
			go func() {
				m.GetStorage().Set("from-callback", []byte("ok"))
				close(done)
			}()
		})
	if err != nil {
		t.Fatalf("failed to post receive: %v", err)
	}

	// Force the completion via cancellation; the progress loop delivers it.
	req.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled callback work did not complete; re-entrancy discipline broken")
	}

	if v, ok := m.GetStorage().Get("from-callback"); !ok || string(v) != "ok" {
		t.Errorf("scheduled work did not reach the store")
	}
}
