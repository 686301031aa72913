// Package connmanager implements the server-side Connection Manager: an
// id-keyed registry of live logical connections, a timer-driven scavenger
// that retires inactive connections via a try-lock/skip-when-busy scan,
// and a bounded-wait graceful shutdown.
package connmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hubrpc/hubrpc/internal/telemetry"
	"github.com/hubrpc/hubrpc/pkg/duplex"
)

// Status is a connection record's liveness classification.
type Status int32

const (
	// Active means the connection is live; it survives every scan and is
	// ticked by inbound frames and by each scan.
	Active Status = iota
	// Inactive is set by MarkInactive; the scavenger disposes the record
	// once its last-seen time is older than the configured inactivity
	// threshold. Scans never move a record from Active to Inactive.
	Inactive
)

// ErrManagerStopped is returned by CreateConnection after CloseConnections
// has run.
var ErrManagerStopped = errors.New("connection manager is stopped")

// ConnectionRecord is the server's bookkeeping for one logical connection:
// its duplex pipes, liveness state, and an arbitrary per-connection feature
// bag for hub-layer state (e.g. the negotiated protocol, the invoker).
type ConnectionRecord struct {
	ID string

	mu          sync.Mutex
	status      Status
	lastSeenUTC time.Time
	features    map[string]any

	// Transport and Application are the two halves of the duplex pair
	// created for this connection; Transport is handed to the transport
	// implementation, Application to the hub layer.
	Transport   *duplex.Pipe
	Application *duplex.Pipe
}

// TickHeartbeat marks the record Active and stamps lastSeenUTC with now.
// Callers invoke this on every inbound frame so the scavenger does not
// retire a connection that is merely slow between messages.
func (r *ConnectionRecord) TickHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = Active
	r.lastSeenUTC = time.Now().UTC()
}

// MarkInactive flags the record for scavenger consideration; used when a
// connection's own read loop observes an otherwise-silent half-close. The
// last-seen time is left as it is, so the record is disposed once that is
// older than the inactivity threshold.
func (r *ConnectionRecord) MarkInactive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = Inactive
}

func (r *ConnectionRecord) snapshot() (Status, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastSeenUTC
}

// Feature returns a value stashed in the record's feature bag.
func (r *ConnectionRecord) Feature(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.features[key]
	return v, ok
}

// SetFeature stashes a value in the record's feature bag, e.g. the
// negotiated hub protocol name or an *hub.Dispatcher instance.
func (r *ConnectionRecord) SetFeature(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.features == nil {
		r.features = make(map[string]any)
	}
	r.features[key] = value
}

// ManagerConfig configures the Connection Manager's scavenger.
type ManagerConfig struct {
	// InactiveThreshold is how long a connection may remain Inactive
	// before the scavenger disposes it. Default: 5 seconds.
	InactiveThreshold time.Duration

	// ScanInterval is the scavenger tick period. Default: 1 second.
	ScanInterval time.Duration

	// CloseTimeout bounds CloseConnections' total wait for in-flight
	// disposals. Default: 5 seconds.
	CloseTimeout time.Duration

	// PipeBufferSize bounds each connection's duplex pair. Zero uses
	// duplex.DefaultBufferSize.
	PipeBufferSize int

	// DebuggerAttached reports whether a debugger is currently attached to
	// the process; when it returns true, the scavenger suppresses disposal
	// for the current scan and ticks every otherwise-stale record instead,
	// so a developer paused at a breakpoint does not come back to a torn
	// down connection. Defaults to debuggerAttached (a /proc/self/status
	// TracerPid check on Linux, always false elsewhere). Tests override
	// this to force or disable suppression deterministically.
	DebuggerAttached func() bool
}

// DefaultManagerConfig returns the recommended production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InactiveThreshold: 5 * time.Second,
		ScanInterval:      1 * time.Second,
		CloseTimeout:      5 * time.Second,
	}
}

// DisposeFunc tears down a connection record's transport-facing resources
// (closing sockets, completing pipes) before the record is removed from
// the registry. Supplied by the caller, since the manager itself has no
// notion of WebSocket/long-poll specifics.
type DisposeFunc func(ctx context.Context, rec *ConnectionRecord) error

// Manager is the server-side registry of live logical connections.
type Manager struct {
	executionLock sync.Mutex

	mu          sync.RWMutex
	connections map[string]*ConnectionRecord
	disposed    bool

	config  ManagerConfig
	dispose DisposeFunc
	sink    telemetry.Sink
	logger  *zap.Logger

	timer   *time.Timer
	started bool
	stopCh  chan struct{}
}

// New constructs a Manager. dispose is invoked by the scavenger and by
// CloseConnections to release a connection's resources; sink and logger
// may be nil, defaulting to telemetry.Noop and a no-op zap.Logger.
func New(dispose DisposeFunc, sink telemetry.Sink, logger *zap.Logger, config ManagerConfig) *Manager {
	if sink == nil {
		sink = telemetry.Noop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InactiveThreshold <= 0 {
		config.InactiveThreshold = 5 * time.Second
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 1 * time.Second
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 5 * time.Second
	}
	if config.DebuggerAttached == nil {
		config.DebuggerAttached = debuggerAttached
	}
	return &Manager{
		connections: make(map[string]*ConnectionRecord),
		config:      config,
		dispose:     dispose,
		sink:        sink,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// CreateConnection mints a new unique id, allocates a duplex pair, and
// inserts a fresh ConnectionRecord into the registry.
func (m *Manager) CreateConnection() (*ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrManagerStopped
	}
	transportSide, appSide := duplex.NewPipePair(m.config.PipeBufferSize)
	rec := &ConnectionRecord{
		ID:          uuid.NewString(),
		status:      Active,
		lastSeenUTC: time.Now().UTC(),
		Transport:   transportSide,
		Application: appSide,
	}
	m.connections[rec.ID] = rec
	m.sink.ConnectionCreated()
	m.sink.SetActiveConnections(len(m.connections))
	return rec, nil
}

// TryGetConnection returns the record for id, if present.
func (m *Manager) TryGetConnection(id string) (*ConnectionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.connections[id]
	return rec, ok
}

// RemoveConnection atomically takes id out of the registry and reports
// the removal to telemetry. It is a no-op if id is not present.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	_, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	count := len(m.connections)
	m.mu.Unlock()
	if ok {
		m.sink.ConnectionRemoved()
		m.sink.SetActiveConnections(count)
	}
}

// Start is idempotent; it starts the scavenger goroutine on a 1-tick
// (ScanInterval) cadence.
func (m *Manager) Start() {
	m.executionLock.Lock()
	defer m.executionLock.Unlock()
	if m.started || m.disposed {
		return
	}
	m.started = true
	m.timer = time.NewTimer(m.config.ScanInterval)
	go m.scavengerLoop()
}

func (m *Manager) scavengerLoop() {
	for {
		select {
		case <-m.timer.C:
			m.scan()
		case <-m.stopCh:
			return
		}
	}
}

// scan performs one scavenger pass: try-lock, pause the timer, snapshot
// every record's status, dispose the stale ones, emit telemetry, resume
// the timer. If the try-lock fails (a CloseConnections is in flight) the
// tick is skipped entirely, bounding scan overhead to one pass at a time.
// A debugger attached to the process suppresses disposal for the whole
// pass: every record is ticked instead, so a developer paused at a
// breakpoint never comes back to a scavenged connection.
func (m *Manager) scan() {
	if !m.executionLock.TryLock() {
		m.timer.Reset(m.config.ScanInterval)
		return
	}
	defer m.executionLock.Unlock()

	start := time.Now()
	debugging := m.config.DebuggerAttached != nil && m.config.DebuggerAttached()

	m.mu.RLock()
	snapshot := make([]*ConnectionRecord, 0, len(m.connections))
	for _, rec := range m.connections {
		snapshot = append(snapshot, rec)
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	for _, rec := range snapshot {
		status, lastSeen := rec.snapshot()
		if !debugging && status == Inactive {
			// An Inactive record is not ticked: a tick would mark it
			// Active again and it would never be disposed.
			if now.Sub(lastSeen) > m.config.InactiveThreshold {
				go m.disposeAndRemove(rec)
			}
			continue
		}
		rec.TickHeartbeat()
	}

	m.sink.ObserveScavengerScan(time.Since(start))
	m.timer.Reset(m.config.ScanInterval)
}

// disposeAndRemove disposes rec's resources then removes it from the
// registry; removal always happens even if dispose returns an error.
func (m *Manager) disposeAndRemove(rec *ConnectionRecord) {
	if m.dispose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.CloseTimeout)
		if err := m.dispose(ctx, rec); err != nil {
			m.logger.Warn("dispose failed during scavenger pass", zap.String("connection_id", rec.ID), zap.Error(err))
		}
		cancel()
	}
	m.RemoveConnection(rec.ID)
}

// CloseConnections marks the manager disposed, stops the scavenger timer,
// and concurrently disposes every remaining connection, waiting at most
// CloseTimeout in total. Individual disposals that exceed the deadline are
// abandoned — they keep running detached, and CloseConnections returns
// regardless.
func (m *Manager) CloseConnections(ctx context.Context) error {
	m.executionLock.Lock()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.executionLock.Unlock()
		return nil
	}
	m.disposed = true
	records := make([]*ConnectionRecord, 0, len(m.connections))
	for _, rec := range m.connections {
		records = append(records, rec)
	}
	m.mu.Unlock()
	if m.started {
		close(m.stopCh)
	}
	m.executionLock.Unlock()

	closeCtx, cancel := context.WithTimeout(ctx, m.config.CloseTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(closeCtx)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if m.dispose != nil {
				if err := m.dispose(gctx, rec); err != nil {
					m.logger.Warn("dispose failed during shutdown", zap.String("connection_id", rec.ID), zap.Error(err))
				}
			}
			m.RemoveConnection(rec.ID)
			return nil
		})
	}
	// errgroup.Wait's error is always nil here since the goroutines log
	// and swallow rather than propagate; the timeout itself is the only
	// signal CloseConnections surfaces. Disposals still running when
	// closeCtx expires are left to finish on their own.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-closeCtx.Done():
	}
	if closeCtx.Err() != nil {
		return closeCtx.Err()
	}
	return nil
}

// Len reports the number of tracked connections; intended for tests and
// metrics, not for production control flow.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
