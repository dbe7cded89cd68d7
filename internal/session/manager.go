package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/limits"
	"go.uber.org/zap"
)

const (
	defaultShutdownGrace = 2 * time.Second
	drainPollInterval    = 50 * time.Millisecond
	eventBufferSize      = 16
)

var (
	// ErrDraining indicates the server is shutting down and admits no one.
	ErrDraining = errors.New("session: server is draining")
	// ErrUserConnectionLimit mirrors limits.RejectedUserLimit as a connection error.
	ErrUserConnectionLimit = errors.New("session: too many connections for this user")
	// ErrDocumentConnectionLimit mirrors limits.RejectedDocLimit as a connection error.
	ErrDocumentConnectionLimit = errors.New("session: document at capacity")
	// ErrConnectionClosed indicates use of a connection after Close.
	ErrConnectionClosed = errors.New("session: connection closed")

	errMissingAuthenticator = errors.New("session: authenticator is required")
	errMissingAdmissions    = errors.New("session: admission controller is required")
	errMissingScheduler     = errors.New("session: write scheduler is required")
	errMissingStore         = errors.New("session: state fetcher is required")
)

// EventType discriminates frames delivered to a connection.
type EventType int

const (
	// EventUpdate carries a peer's document update.
	EventUpdate EventType = iota
	// EventDocumentDeleted tells the client the document no longer exists.
	EventDocumentDeleted
)

// Event is a frame delivered to a connected client.
type Event struct {
	Type    EventType
	Payload []byte
}

// Authenticator validates a credential against a document before admission.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string, documentID documents.DocumentID) (auth.Principal, error)
}

// WriteScheduler is the persistence-scheduling slice the manager drives.
type WriteScheduler interface {
	Schedule(documentID documents.DocumentID, state []byte)
	Flush(documentID documents.DocumentID, state []byte)
	FlushAll()
	Forget(documentID documents.DocumentID)
}

// StateFetcher loads persisted document state for session materialization.
type StateFetcher interface {
	FetchState(ctx context.Context, documentID documents.DocumentID) ([]byte, error)
}

// ManagerConfig describes the dependencies of the session manager.
type ManagerConfig struct {
	Authenticator Authenticator
	Admissions    *limits.AdmissionController
	Scheduler     WriteScheduler
	Store         StateFetcher
	StateFactory  StateFactory
	Logger        *zap.Logger
	ShutdownGrace time.Duration
}

// documentSession is the in-memory per-document state: one handle, the set
// of live connections. Created on first admitted connection, discarded when
// the last one leaves and the trailing flush has completed. While that flush
// is in flight flushDone is non-nil and the session stays registered so a
// reconnect cannot materialize from a store row the flush has not reached yet.
type documentSession struct {
	documentID  documents.DocumentID
	state       State
	connections map[int64]*Connection
	flushDone   chan struct{}
}

// Manager orchestrates authentication, admission, the in-memory document
// handles, update broadcast, and shutdown draining. Per-document lifecycle:
// Idle (no entry in sessions) -> Active (>=1 connection) -> Idle again, with
// a process-wide Draining phase during shutdown.
type Manager struct {
	authenticator Authenticator
	admissions    *limits.AdmissionController
	scheduler     WriteScheduler
	store         StateFetcher
	stateFactory  StateFactory
	logger        *zap.Logger
	shutdownGrace time.Duration

	mu         sync.Mutex
	sessions   map[documents.DocumentID]*documentSession
	draining   bool
	nextConnID int64
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Admissions == nil {
		return nil, errMissingAdmissions
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	stateFactory := cfg.StateFactory
	if stateFactory == nil {
		stateFactory = NewUpdateLogState
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shutdownGrace := cfg.ShutdownGrace
	if shutdownGrace <= 0 {
		shutdownGrace = defaultShutdownGrace
	}
	return &Manager{
		authenticator: cfg.Authenticator,
		admissions:    cfg.Admissions,
		scheduler:     cfg.Scheduler,
		store:         cfg.Store,
		stateFactory:  stateFactory,
		logger:        logger,
		shutdownGrace: shutdownGrace,
		sessions:      make(map[documents.DocumentID]*documentSession),
	}, nil
}

// Connect runs the admission pipeline: authenticate, admit, materialize the
// document session (loading persisted state on first connection), subscribe.
// The returned Connection must be closed exactly once.
func (m *Manager) Connect(ctx context.Context, credential string, documentID documents.DocumentID) (*Connection, error) {
	if m.isDraining() {
		return nil, ErrDraining
	}

	principal, err := m.authenticator.Authenticate(ctx, credential, documentID)
	if err != nil {
		return nil, err
	}

	decision := m.admissions.TryAdmit(documentID, principal.UserID)
	if decision != limits.Admitted {
		m.logger.Warn("connection rejected",
			zap.String("user_id", principal.UserID.String()),
			zap.String("document_id", documentID.String()),
			zap.String("reason", decision.String()))
		switch decision {
		case limits.RejectedUserLimit:
			return nil, ErrUserConnectionLimit
		default:
			return nil, ErrDocumentConnectionLimit
		}
	}

	connection, err := m.attach(ctx, documentID, principal)
	if err != nil {
		m.admissions.Release(documentID, principal.UserID)
		return nil, err
	}

	m.logger.Info("connected",
		zap.String("user_id", principal.UserID.String()),
		zap.String("document_id", documentID.String()),
		zap.Int("document_total", m.admissions.DocumentTotal(documentID)),
		zap.Int("active_connections", m.admissions.ActiveConnections()))
	return connection, nil
}

func (m *Manager) attach(ctx context.Context, documentID documents.DocumentID, principal auth.Principal) (*Connection, error) {
	for {
		m.mu.Lock()
		if m.draining {
			m.mu.Unlock()
			return nil, ErrDraining
		}
		session := m.sessions[documentID]
		if session != nil && session.flushDone != nil {
			// The previous session's trailing flush is still in flight. Wait
			// it out so the reload below observes the flushed state.
			flushDone := session.flushDone
			m.mu.Unlock()
			select {
			case <-flushDone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if session == nil {
			m.mu.Unlock()
			loaded, err := m.materialize(ctx, documentID)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			if m.draining {
				m.mu.Unlock()
				return nil, ErrDraining
			}
			existing := m.sessions[documentID]
			if existing != nil && existing.flushDone != nil {
				// A close-and-flush started while the fetch was in flight;
				// the loaded state may be stale. Start over.
				m.mu.Unlock()
				continue
			}
			// Another connection may have materialized the session while the
			// fetch was in flight; its handle wins.
			if existing != nil {
				session = existing
			} else {
				session = loaded
				m.sessions[documentID] = session
			}
		}

		m.nextConnID++
		connection := &Connection{
			id:         m.nextConnID,
			manager:    m,
			session:    session,
			documentID: documentID,
			principal:  principal,
			events:     make(chan Event, eventBufferSize),
		}
		session.connections[connection.id] = connection
		m.mu.Unlock()
		return connection, nil
	}
}

// materialize loads the persisted state into a fresh handle. A store miss at
// this point means deletion raced the connect; the authenticator has already
// confirmed existence and warmed the cache on the miss path.
func (m *Manager) materialize(ctx context.Context, documentID documents.DocumentID) (*documentSession, error) {
	persisted, err := m.store.FetchState(ctx, documentID)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("session: load state: %w", err)
	}
	state, err := m.stateFactory(persisted)
	if err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	return &documentSession{
		documentID:  documentID,
		state:       state,
		connections: make(map[int64]*Connection),
	}, nil
}

// NotifyDeleted fans a document-deleted event out to every connection of the
// document. Wired as the scheduler's OnDeleted callback so clients learn the
// document vanished under them.
func (m *Manager) NotifyDeleted(documentID documents.DocumentID) {
	m.mu.Lock()
	session := m.sessions[documentID]
	var targets []*Connection
	if session != nil {
		targets = make([]*Connection, 0, len(session.connections))
		for _, connection := range session.connections {
			targets = append(targets, connection)
		}
	}
	m.mu.Unlock()

	for _, connection := range targets {
		connection.deliver(Event{Type: EventDocumentDeleted})
	}
}

// ActiveDocuments reports the number of materialized document sessions.
func (m *Manager) ActiveDocuments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops admitting, waits out the grace period for connections to
// close naturally (bounded by ctx), force-closes the rest, and flushes every
// pending write. Safe to call once during process termination.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	m.logger.Info("draining sessions",
		zap.Int("active_connections", m.admissions.ActiveConnections()),
		zap.Duration("grace", m.shutdownGrace))

	waitCtx, cancel := context.WithTimeout(ctx, m.shutdownGrace)
	defer cancel()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for m.ActiveDocuments() > 0 {
		select {
		case <-waitCtx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	for _, connection := range m.openConnections() {
		connection.Close()
	}
	m.scheduler.FlushAll()
	m.logger.Info("drain complete")
}

func (m *Manager) isDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

func (m *Manager) openConnections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var connections []*Connection
	for _, session := range m.sessions {
		for _, connection := range session.connections {
			connections = append(connections, connection)
		}
	}
	return connections
}

// Connection is one admitted client attached to a document session.
type Connection struct {
	id         int64
	manager    *Manager
	session    *documentSession
	documentID documents.DocumentID
	principal  auth.Principal
	events     chan Event
	closeOnce  sync.Once
	closed     bool
	closedMu   sync.Mutex
}

// Principal returns the identity attached at admission.
func (c *Connection) Principal() auth.Principal {
	return c.principal
}

// Events delivers peer updates and session-level notices. The channel closes
// when the connection does. Slow consumers drop frames rather than stalling
// the update path.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Apply folds an incoming update into the document handle, broadcasts it to
// the other connections of the document, and schedules persistence with the
// full encoded state. The mutation and broadcast path never waits on I/O;
// persistence is the scheduler's asynchronous concern.
func (c *Connection) Apply(update []byte) error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return ErrConnectionClosed
	}
	c.closedMu.Unlock()

	if err := c.session.state.ApplyUpdate(update); err != nil {
		return err
	}

	c.manager.mu.Lock()
	peers := make([]*Connection, 0, len(c.session.connections))
	for id, peer := range c.session.connections {
		if id == c.id {
			continue
		}
		peers = append(peers, peer)
	}
	c.manager.mu.Unlock()
	for _, peer := range peers {
		peer.deliver(Event{Type: EventUpdate, Payload: update})
	}

	c.manager.scheduler.Schedule(c.documentID, c.session.state.EncodeState())
	return nil
}

// Close releases the admission slot and detaches from the session. The last
// connection to leave flushes the current state synchronously and discards
// the in-memory handle, completing the Active -> Idle transition. The session
// entry outlives the connection until that flush returns; a reconnect racing
// the flush parks in attach instead of loading the not-yet-flushed row.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		manager := c.manager
		manager.mu.Lock()
		delete(c.session.connections, c.id)
		last := len(c.session.connections) == 0
		var finalState []byte
		var flushDone chan struct{}
		if last {
			finalState = c.session.state.EncodeState()
			flushDone = make(chan struct{})
			c.session.flushDone = flushDone
		}
		manager.mu.Unlock()

		manager.admissions.Release(c.documentID, c.principal.UserID)
		close(c.events)

		if last {
			if len(finalState) > 0 {
				manager.scheduler.Flush(c.documentID, finalState)
			}
			manager.scheduler.Forget(c.documentID)

			manager.mu.Lock()
			if manager.sessions[c.documentID] == c.session {
				delete(manager.sessions, c.documentID)
			}
			manager.mu.Unlock()
			close(flushDone)
		}

		manager.logger.Info("disconnected",
			zap.String("user_id", c.principal.UserID.String()),
			zap.String("document_id", c.documentID.String()),
			zap.Int("document_total", manager.admissions.DocumentTotal(c.documentID)),
			zap.Int("active_connections", manager.admissions.ActiveConnections()))
	})
}

func (c *Connection) deliver(event Event) {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
	}
}
