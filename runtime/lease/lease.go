// Package lease implements the heartbeat and recovery protocol over the
// snapshot repository's lease columns. Every running execution's checkpoint
// row names its owning server node and carries a heartbeat timestamp; a
// manager periodically refreshes the heartbeats of its own rows and claims
// rows whose owner stopped heartbeating, handing the recovered executions
// back to a resume callback.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/telemetry"
)

// Protocol timing defaults. The stale threshold is three missed heartbeats:
// a node is presumed dead only after its rows sat silent through multiple
// heartbeat windows.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRecoveryInterval  = 60 * time.Second
	DefaultStaleThreshold    = 90 * time.Second
)

// ResumeFunc resumes one recovered execution from its claimed snapshot.
type ResumeFunc func(ctx context.Context, snap *state.Snapshot) error

// Option configures a Manager.
type Option func(*Manager)

// WithServerNodeID overrides the generated server node identity.
func WithServerNodeID(id string) Option {
	return func(m *Manager) { m.serverNodeID = id }
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatEvery = d }
}

// WithRecoveryInterval overrides the recovery sweep period.
func WithRecoveryInterval(d time.Duration) Option {
	return func(m *Manager) { m.recoveryEvery = d }
}

// WithStaleThreshold overrides the heartbeat age past which a row's owner is
// presumed dead.
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithLogger sets the manager's logger.
func WithLogger(log telemetry.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the manager's metrics backend.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides time.Now in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// Manager owns one server node's side of the lease protocol. A nil
// repository disables the protocol entirely: single-process deployments
// without persistence neither heartbeat nor recover.
type Manager struct {
	repo           state.Repository
	serverNodeID   string
	heartbeatEvery time.Duration
	recoveryEvery  time.Duration
	staleAfter     time.Duration
	log            telemetry.Logger
	metrics        telemetry.Metrics
	clock          func() time.Time
}

// NewManager builds a manager with a generated server node identity and the
// default protocol timings.
func NewManager(repo state.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:           repo,
		serverNodeID:   uuid.NewString(),
		heartbeatEvery: DefaultHeartbeatInterval,
		recoveryEvery:  DefaultRecoveryInterval,
		staleAfter:     DefaultStaleThreshold,
		log:            telemetry.NoopLogger(),
		metrics:        telemetry.NoopMetrics(),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServerNodeID returns this node's lease identity.
func (m *Manager) ServerNodeID() string { return m.serverNodeID }

// Active reports whether the protocol is running against a repository.
func (m *Manager) Active() bool { return m.repo != nil }

// Heartbeat refreshes the heartbeat of every checkpoint row this node owns
// and returns the number of rows touched. Rows owned by other nodes are
// never touched.
func (m *Manager) Heartbeat(ctx context.Context) (int64, error) {
	if m.repo == nil {
		return 0, nil
	}
	touched, err := m.repo.UpdateHeartbeats(ctx, m.serverNodeID, m.clock())
	if err == nil {
		m.metrics.IncCounter("hensu.lease.heartbeats", float64(touched))
	}
	return touched, err
}

// ClaimStale atomically takes over every checkpoint row whose heartbeat is
// older than the stale threshold and returns the claimed execution refs.
func (m *Manager) ClaimStale(ctx context.Context) ([]state.ExecutionRef, error) {
	if m.repo == nil {
		return nil, nil
	}
	now := m.clock()
	refs, err := m.repo.ClaimStale(ctx, m.serverNodeID, now.Add(-m.staleAfter), now)
	if err == nil && len(refs) > 0 {
		m.metrics.IncCounter("hensu.lease.claims", float64(len(refs)))
	}
	return refs, err
}

// Recover claims stale executions and resumes each through the callback.
// Resume failures are logged and skipped; one broken execution never blocks
// the rest of the sweep. Returns the number of executions resumed.
func (m *Manager) Recover(ctx context.Context, resume ResumeFunc) (int, error) {
	refs, err := m.ClaimStale(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		snap, err := m.repo.FindLatest(ctx, ref.TenantID, ref.ExecutionID)
		if err != nil {
			m.log.Error(ctx, "lease: load claimed snapshot",
				"tenant", ref.TenantID, "execution", ref.ExecutionID, "err", err)
			continue
		}
		m.log.Info(ctx, "lease: recovering execution",
			"tenant", ref.TenantID, "execution", ref.ExecutionID, "workflow", snap.WorkflowID)
		if err := resume(ctx, snap); err != nil {
			m.log.Error(ctx, "lease: resume recovered execution",
				"tenant", ref.TenantID, "execution", ref.ExecutionID, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Run drives the heartbeat and recovery tickers until the context is
// cancelled. It is a no-op for managers without a repository.
func (m *Manager) Run(ctx context.Context, resume ResumeFunc) {
	if m.repo == nil {
		return
	}
	heartbeat := time.NewTicker(m.heartbeatEvery)
	defer heartbeat.Stop()
	recovery := time.NewTicker(m.recoveryEvery)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := m.Heartbeat(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error(ctx, "lease: heartbeat", "server", m.serverNodeID, "err", err)
			}
		case <-recovery.C:
			if _, err := m.Recover(ctx, resume); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error(ctx, "lease: recovery sweep", "server", m.serverNodeID, "err", err)
			}
		}
	}
}
