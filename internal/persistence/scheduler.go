package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"go.uber.org/zap"
)

const (
	defaultDebounceInterval = 2 * time.Second
	defaultSnapshotInterval = 10 * time.Second
	defaultWarnBytes        = 2 * 1024 * 1024
	defaultRejectBytes      = 5 * 1024 * 1024
)

var (
	errMissingStore     = errors.New("persistence: store is required")
	errMissingDeletions = errors.New("persistence: deletion cache is required")
)

// Saver is the slice of the document store the scheduler persists through.
type Saver interface {
	ConditionalSave(ctx context.Context, documentID documents.DocumentID, state []byte) (bool, error)
}

// SchedulerConfig describes the dependencies and tuning for a Scheduler.
type SchedulerConfig struct {
	Store            Saver
	Deletions        *documents.DeletionCache
	Clock            func() time.Time
	Logger           *zap.Logger
	DebounceInterval time.Duration
	SnapshotInterval time.Duration
	WarnBytes        int64
	RejectBytes      int64
	// OnDeleted is invoked when a save discovers the document was deleted
	// out from under a live session. Called outside the scheduler lock.
	OnDeleted func(documents.DocumentID)
}

type pendingWrite struct {
	timer *time.Timer
	state []byte
}

// Scheduler decides when in-memory document state reaches the store. Two
// strategies per document: a debounced write coalescing bursts of edits, and
// a periodic safety-net write once the snapshot interval has elapsed, which
// bounds worst-case data loss on crash to one interval.
//
// Invariants: at most one armed timer per document, and the snapshot
// timestamp is stamped before the save is dispatched in every branch. Two
// triggers racing at the interval boundary would otherwise both observe a
// stale timestamp and both issue an immediate write.
type Scheduler struct {
	store            Saver
	deletions        *documents.DeletionCache
	clock            func() time.Time
	logger           *zap.Logger
	debounceInterval time.Duration
	snapshotInterval time.Duration
	warnBytes        int64
	rejectBytes      int64
	onDeleted        func(documents.DocumentID)

	mu           sync.Mutex
	pending      map[documents.DocumentID]*pendingWrite
	lastSnapshot map[documents.DocumentID]time.Time

	inFlight sync.WaitGroup
}

// NewScheduler validates the configuration and constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Deletions == nil {
		return nil, errMissingDeletions
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounceInterval := cfg.DebounceInterval
	if debounceInterval <= 0 {
		debounceInterval = defaultDebounceInterval
	}
	snapshotInterval := cfg.SnapshotInterval
	if snapshotInterval <= 0 {
		snapshotInterval = defaultSnapshotInterval
	}
	warnBytes := cfg.WarnBytes
	if warnBytes <= 0 {
		warnBytes = defaultWarnBytes
	}
	rejectBytes := cfg.RejectBytes
	if rejectBytes <= 0 {
		rejectBytes = defaultRejectBytes
	}
	return &Scheduler{
		store:            cfg.Store,
		deletions:        cfg.Deletions,
		clock:            clock,
		logger:           logger,
		debounceInterval: debounceInterval,
		snapshotInterval: snapshotInterval,
		warnBytes:        warnBytes,
		rejectBytes:      rejectBytes,
		onDeleted:        cfg.OnDeleted,
		pending:          make(map[documents.DocumentID]*pendingWrite),
		lastSnapshot:     make(map[documents.DocumentID]time.Time),
	}, nil
}

// Schedule is called on every accepted update with the full encoded state.
// If the snapshot interval has elapsed since the last stamped save the state
// is persisted immediately; otherwise a single debounce timer is (re)armed,
// cancelling any previous one for the same document.
func (s *Scheduler) Schedule(documentID documents.DocumentID, state []byte) {
	now := s.clock()

	s.mu.Lock()
	s.cancelPendingLocked(documentID)

	if now.Sub(s.lastSnapshot[documentID]) >= s.snapshotInterval {
		// Stamp before dispatch so a concurrent trigger observes the fresh
		// timestamp and takes the debounce branch instead.
		s.lastSnapshot[documentID] = now
		s.mu.Unlock()

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.persist(documentID, state)
		}()
		return
	}

	write := &pendingWrite{state: state}
	write.timer = time.AfterFunc(s.debounceInterval, func() {
		s.firePending(documentID, write)
	})
	s.pending[documentID] = write
	s.mu.Unlock()
}

// Flush cancels any armed timer and persists the given state synchronously.
// Used on last-disconnect and during shutdown so the trailing debounce
// window is never lost.
func (s *Scheduler) Flush(documentID documents.DocumentID, state []byte) {
	s.mu.Lock()
	s.cancelPendingLocked(documentID)
	s.lastSnapshot[documentID] = s.clock()
	s.mu.Unlock()

	s.persist(documentID, state)
}

// FlushAll persists every document with an armed timer using the state
// captured when the timer was scheduled, then waits for in-flight
// asynchronous saves to settle. Shutdown path only.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	now := s.clock()
	flushes := make(map[documents.DocumentID][]byte, len(s.pending))
	for documentID, write := range s.pending {
		write.timer.Stop()
		flushes[documentID] = write.state
		s.lastSnapshot[documentID] = now
	}
	s.pending = make(map[documents.DocumentID]*pendingWrite)
	s.mu.Unlock()

	for documentID, state := range flushes {
		s.persist(documentID, state)
	}
	s.inFlight.Wait()
}

// Forget drops per-document scheduling state after a session is torn down.
// Any armed timer is cancelled without firing.
func (s *Scheduler) Forget(documentID documents.DocumentID) {
	s.mu.Lock()
	s.cancelPendingLocked(documentID)
	delete(s.lastSnapshot, documentID)
	s.mu.Unlock()
}

// PendingCount reports the number of armed debounce timers.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) cancelPendingLocked(documentID documents.DocumentID) {
	if write, found := s.pending[documentID]; found {
		write.timer.Stop()
		delete(s.pending, documentID)
	}
}

// firePending runs on the debounce timer goroutine. The identity check
// guards against a timer that lost the Stop race with a reschedule: only the
// currently registered write may stamp and persist.
func (s *Scheduler) firePending(documentID documents.DocumentID, write *pendingWrite) {
	s.mu.Lock()
	if s.pending[documentID] != write {
		s.mu.Unlock()
		return
	}
	delete(s.pending, documentID)
	s.lastSnapshot[documentID] = s.clock()
	s.mu.Unlock()

	s.persist(documentID, write.state)
}

// persist applies the deletion-cache fast path and the size policy, then
// issues the conditional save. Store failures are logged, never retried
// inline: state keeps accumulating in memory and the next trigger retries
// naturally.
func (s *Scheduler) persist(documentID documents.DocumentID, state []byte) {
	if s.deletions.Contains(documentID) {
		s.logger.Warn("skipping save for deleted document",
			zap.String("document_id", documentID.String()))
		return
	}

	stateBytes := int64(len(state))
	if stateBytes > s.rejectBytes {
		s.logger.Error("document state exceeds reject threshold, save dropped",
			zap.String("document_id", documentID.String()),
			zap.Int64("state_bytes", stateBytes),
			zap.Int64("reject_bytes", s.rejectBytes))
		return
	}
	if stateBytes > s.warnBytes {
		s.logger.Warn("document state exceeds warn threshold",
			zap.String("document_id", documentID.String()),
			zap.Int64("state_bytes", stateBytes),
			zap.Int64("warn_bytes", s.warnBytes))
	}

	updated, err := s.store.ConditionalSave(context.Background(), documentID, state)
	if err != nil {
		s.logger.Error("document save failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	if !updated {
		// The store is authoritative: zero rows means the document was
		// deleted while sessions were still open.
		s.deletions.MarkDeleted(documentID)
		s.logger.Warn("document missing from store, caching deletion",
			zap.String("document_id", documentID.String()))
		if s.onDeleted != nil {
			s.onDeleted(documentID)
		}
		return
	}

	s.logger.Debug("document state saved",
		zap.String("document_id", documentID.String()),
		zap.Int64("state_bytes", stateBytes))
}
