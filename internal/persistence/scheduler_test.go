package persistence

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
)

type savedState struct {
	documentID documents.DocumentID
	state      []byte
}

type fakeSaver struct {
	mu      sync.Mutex
	saves   []savedState
	updated bool
	err     error
	notify  chan savedState
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{
		updated: true,
		notify:  make(chan savedState, 64),
	}
}

func (f *fakeSaver) ConditionalSave(_ context.Context, documentID documents.DocumentID, state []byte) (bool, error) {
	f.mu.Lock()
	f.saves = append(f.saves, savedState{documentID: documentID, state: append([]byte(nil), state...)})
	updated := f.updated
	err := f.err
	f.mu.Unlock()
	f.notify <- savedState{documentID: documentID, state: append([]byte(nil), state...)}
	return updated, err
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeSaver) last() savedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func awaitSave(testContext *testing.T, saver *fakeSaver) savedState {
	testContext.Helper()
	select {
	case saved := <-saver.notify:
		return saved
	case <-time.After(2 * time.Second):
		testContext.Fatal("expected a save within deadline")
		return savedState{}
	}
}

func expectNoSave(testContext *testing.T, saver *fakeSaver, within time.Duration) {
	testContext.Helper()
	select {
	case saved := <-saver.notify:
		testContext.Fatalf("unexpected save for %s", saved.documentID)
	case <-time.After(within):
	}
}

func mustScheduler(testContext *testing.T, cfg SchedulerConfig) *Scheduler {
	testContext.Helper()
	scheduler, err := NewScheduler(cfg)
	if err != nil {
		testContext.Fatalf("failed to create scheduler: %v", err)
	}
	return scheduler
}

func TestScheduleImmediateOnFirstTrigger(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: time.Hour,
		SnapshotInterval: 10 * time.Second,
	})

	// No prior snapshot timestamp: the periodic branch applies immediately.
	scheduler.Schedule("doc-1", []byte{0x01})

	saved := awaitSave(testContext, saver)
	if saved.documentID != "doc-1" {
		testContext.Fatalf("unexpected document: %s", saved.documentID)
	}
	if scheduler.PendingCount() != 0 {
		testContext.Fatalf("expected no armed timer after immediate save")
	}
}

func TestScheduleDebouncesRapidEdits(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: 50 * time.Millisecond,
		SnapshotInterval: 10 * time.Second,
	})

	scheduler.Schedule("doc-1", []byte{0x01})
	awaitSave(testContext, saver)

	// Rapid edits within the snapshot window coalesce into one trailing write.
	scheduler.Schedule("doc-1", []byte{0x02})
	scheduler.Schedule("doc-1", []byte{0x03})
	scheduler.Schedule("doc-1", []byte{0x04})
	if scheduler.PendingCount() != 1 {
		testContext.Fatalf("expected a single armed timer, got %d", scheduler.PendingCount())
	}

	saved := awaitSave(testContext, saver)
	if !bytes.Equal(saved.state, []byte{0x04}) {
		testContext.Fatalf("expected last state to win, got %v", saved.state)
	}
	expectNoSave(testContext, saver, 150*time.Millisecond)
	if saver.count() != 2 {
		testContext.Fatalf("expected exactly two saves, got %d", saver.count())
	}
}

func TestConcurrentTriggersSingleImmediateSave(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: 300 * time.Millisecond,
		SnapshotInterval: 10 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(sequence byte) {
			defer wg.Done()
			scheduler.Schedule("doc-1", []byte{sequence})
		}(byte(i))
	}
	wg.Wait()

	// Exactly one trigger may observe the stale timestamp and dispatch
	// immediately; the rest must land in the debounce branch.
	awaitSave(testContext, saver)
	expectNoSave(testContext, saver, 100*time.Millisecond)
	if count := saver.count(); count != 1 {
		testContext.Fatalf("expected a single immediate save, got %d", count)
	}
	if scheduler.PendingCount() > 1 {
		testContext.Fatalf("expected at most one armed timer, got %d", scheduler.PendingCount())
	}
}

func TestPeriodicSaveAfterIntervalElapsed(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: time.Hour,
		SnapshotInterval: 10 * time.Second,
	})

	scheduler.Schedule("doc-1", []byte{0x01})
	awaitSave(testContext, saver)

	scheduler.Schedule("doc-1", []byte{0x02})
	if scheduler.PendingCount() != 1 {
		testContext.Fatalf("expected debounce within the interval")
	}

	clock.Advance(10 * time.Second)
	scheduler.Schedule("doc-1", []byte{0x03})

	saved := awaitSave(testContext, saver)
	if !bytes.Equal(saved.state, []byte{0x03}) {
		testContext.Fatalf("expected periodic save of latest state, got %v", saved.state)
	}
	if scheduler.PendingCount() != 0 {
		testContext.Fatalf("expected the pending timer to be cancelled by the periodic save")
	}
}

func TestFlushCancelsPendingTimer(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: 50 * time.Millisecond,
		SnapshotInterval: 10 * time.Second,
	})

	scheduler.Schedule("doc-1", []byte{0x01})
	awaitSave(testContext, saver)
	scheduler.Schedule("doc-1", []byte{0x02})

	scheduler.Flush("doc-1", []byte{0x03})

	if !bytes.Equal(saver.last().state, []byte{0x03}) {
		testContext.Fatalf("expected flush state to be saved, got %v", saver.last().state)
	}
	if scheduler.PendingCount() != 0 {
		testContext.Fatalf("expected flush to cancel the armed timer")
	}
	<-saver.notify
	expectNoSave(testContext, saver, 150*time.Millisecond)
	if saver.count() != 2 {
		testContext.Fatalf("expected the cancelled timer to never fire, got %d saves", saver.count())
	}
}

func TestOversizedStateRejected(testContext *testing.T) {
	saver := newFakeSaver()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:       saver,
		Deletions:   documents.NewDeletionCache(),
		WarnBytes:   4,
		RejectBytes: 8,
	})

	scheduler.Flush("doc-1", make([]byte, 9))
	if saver.count() != 0 {
		testContext.Fatalf("expected oversized state to be dropped")
	}

	scheduler.Flush("doc-1", make([]byte, 5))
	if saver.count() != 1 {
		testContext.Fatalf("expected warn-sized state to be written")
	}
}

func TestMissingDocumentPopulatesDeletionCache(testContext *testing.T) {
	saver := newFakeSaver()
	saver.updated = false
	deletions := documents.NewDeletionCache()
	deleted := make(chan documents.DocumentID, 1)
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:     saver,
		Deletions: deletions,
		OnDeleted: func(documentID documents.DocumentID) {
			deleted <- documentID
		},
	})

	scheduler.Flush("doc-gone", []byte{0x01})

	if !deletions.Contains("doc-gone") {
		testContext.Fatalf("expected zero-rows save to populate the deletion cache")
	}
	select {
	case documentID := <-deleted:
		if documentID != "doc-gone" {
			testContext.Fatalf("unexpected deleted document: %s", documentID)
		}
	default:
		testContext.Fatalf("expected the deletion callback to fire")
	}

	// Cached deletions short-circuit before any store call.
	scheduler.Flush("doc-gone", []byte{0x02})
	if saver.count() != 1 {
		testContext.Fatalf("expected cached deletion to skip the store, got %d saves", saver.count())
	}
}

func TestSaveErrorNotRetriedInline(testContext *testing.T) {
	saver := newFakeSaver()
	saver.err = errors.New("store unavailable")
	deletions := documents.NewDeletionCache()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:     saver,
		Deletions: deletions,
	})

	scheduler.Flush("doc-1", []byte{0x01})
	if saver.count() != 1 {
		testContext.Fatalf("expected a single attempt, got %d", saver.count())
	}
	if deletions.Contains("doc-1") {
		testContext.Fatalf("a transient failure must not be treated as deletion")
	}
}

func TestFlushAllPersistsPendingTimers(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: time.Hour,
		SnapshotInterval: 10 * time.Second,
	})

	scheduler.Schedule("doc-1", []byte{0x01})
	awaitSave(testContext, saver)
	scheduler.Schedule("doc-2", []byte{0x02})
	awaitSave(testContext, saver)
	scheduler.Schedule("doc-1", []byte{0x03})
	scheduler.Schedule("doc-2", []byte{0x04})
	if scheduler.PendingCount() != 2 {
		testContext.Fatalf("expected two armed timers, got %d", scheduler.PendingCount())
	}

	scheduler.FlushAll()

	if scheduler.PendingCount() != 0 {
		testContext.Fatalf("expected all timers flushed")
	}
	if saver.count() != 4 {
		testContext.Fatalf("expected both pending states persisted, got %d saves", saver.count())
	}
}

func TestForgetCancelsTimerWithoutSaving(testContext *testing.T) {
	saver := newFakeSaver()
	clock := newFakeClock()
	scheduler := mustScheduler(testContext, SchedulerConfig{
		Store:            saver,
		Deletions:        documents.NewDeletionCache(),
		Clock:            clock.Now,
		DebounceInterval: 50 * time.Millisecond,
		SnapshotInterval: 10 * time.Second,
	})

	scheduler.Schedule("doc-1", []byte{0x01})
	awaitSave(testContext, saver)
	scheduler.Schedule("doc-1", []byte{0x02})

	scheduler.Forget("doc-1")

	expectNoSave(testContext, saver, 150*time.Millisecond)
	if scheduler.PendingCount() != 0 {
		testContext.Fatalf("expected no armed timer after forget")
	}

	// Scheduling state was dropped: the next trigger is treated as the first.
	scheduler.Schedule("doc-1", []byte{0x03})
	awaitSave(testContext, saver)
}
