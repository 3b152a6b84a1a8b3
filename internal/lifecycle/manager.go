package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// State is the supervision state of the ingestion pipeline
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateDegraded      State = "degraded"
	StateCrashed       State = "crashed"
	StateStopped       State = "stopped"
)

var (
	// ErrNotStarted is returned by Stop when supervision never began
	ErrNotStarted = errors.New("pipeline supervision not started")
	// ErrAlreadyStarted is returned by Start while supervision is active
	ErrAlreadyStarted = errors.New("pipeline supervision already started")

	errStartupTimeout = errors.New("pipeline produced no frame within the startup grace period")
	errTerminated     = errors.New("pipeline execution unit terminated unexpectedly")
)

// Pipeline is the ingestion producer under supervision: it decodes camera
// feeds, runs inference and writes annotated frames. The manager never
// inspects its internals beyond this liveness surface.
type Pipeline interface {
	// Start launches the pipeline's workers. It returns once launching has
	// been attempted; readiness is observed through LastHeartbeat.
	Start(ctx context.Context) error

	// Stop terminates all workers and releases their resources
	Stop()

	// Alive reports whether the execution unit is still running
	Alive() bool

	// LastHeartbeat returns the time of the most recent liveness signal
	// (zero until the pipeline has produced its first frame)
	LastHeartbeat() time.Time

	// Cameras returns the active camera set
	Cameras() []string
}

// Factory builds a fresh pipeline for a camera set. Configuration problems
// (a missing camera source address, unreadable settings) surface here and
// land the manager in StateCrashed.
type Factory func(cameras []string) (Pipeline, error)

// Handle wraps the running pipeline for read-only access by consumers.
// Only the manager ever starts or stops the underlying pipeline.
type Handle struct {
	pipeline  Pipeline
	StartedAt time.Time
}

// Cameras returns the supervised pipeline's active camera set
func (h *Handle) Cameras() []string { return h.pipeline.Cameras() }

// LastHeartbeat returns the pipeline's most recent liveness signal
func (h *Handle) LastHeartbeat() time.Time { return h.pipeline.LastHeartbeat() }

// Options tunes supervision timing. Zero values select the defaults.
type Options struct {
	StartupGrace  time.Duration // time allowed for the first frame (default 2s)
	Staleness     time.Duration // heartbeat age that marks StateDegraded (default 10s)
	CheckInterval time.Duration // health check period (default 1s)
	MinBackoff    time.Duration // first restart delay (default 1s)
	MaxBackoff    time.Duration // restart delay cap (default 30s)
}

func (o Options) withDefaults() Options {
	if o.StartupGrace <= 0 {
		o.StartupGrace = 2 * time.Second
	}
	if o.Staleness <= 0 {
		o.Staleness = 10 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Status is a point-in-time snapshot of the supervision state
type Status struct {
	State         State     `json:"state"`
	Since         time.Time `json:"since"`
	Cameras       []string  `json:"cameras,omitempty"`
	Restarts      uint64    `json:"restarts"`
	LastError     string    `json:"last_error,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Manager owns the ingestion pipeline's lifecycle: it starts the pipeline,
// watches its heartbeat on a fixed period independent of consumer traffic,
// and restarts it forever with exponential backoff when it crashes. Camera
// feeds are expected to be intermittently unreachable, so the manager never
// gives up; only an explicit Stop is terminal.
type Manager struct {
	opts    Options
	factory Factory

	mu       sync.RWMutex
	state    State
	since    time.Time
	handle   *Handle
	lastErr  error
	restarts uint64
	cameras  []string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a manager in StateUninitialized
func NewManager(factory Factory, opts Options) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		factory: factory,
		state:   StateUninitialized,
		since:   time.Now(),
	}
}

// Start begins supervising a pipeline for the given camera set.
// It returns immediately; progress is observable through Status.
func (m *Manager) Start(cameras []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized, StateStopped:
	default:
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cameras = append([]string(nil), cameras...)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastErr = nil
	m.setStateLocked(StateStarting, nil)

	go m.supervise(ctx, m.done)
	return nil
}

// Stop shuts the pipeline down and ends supervision. Terminal: no restart
// is attempted until Start is called again.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Current returns a handle to the running pipeline, or nil while none is
// available (StateStarting, StateCrashed, between restarts). Callers must
// not busy-loop on nil; retry on their own schedule, no tighter than ~1s.
// During StateDegraded the handle stays available so consumers keep
// serving the last known frames.
func (m *Manager) Current() *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// Status returns a snapshot of the supervision state
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:    m.state,
		Since:    m.since,
		Cameras:  append([]string(nil), m.cameras...),
		Restarts: m.restarts,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.handle != nil {
		st.LastHeartbeat = m.handle.LastHeartbeat()
	}
	return st
}

// supervise is the crash-and-retry loop. One invocation per Start call;
// it exits only when the run context is cancelled.
func (m *Manager) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(StateStopped, nil)

	backoff := m.newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateStarting, nil)

		pipeline, err := m.factory(m.cameraSet())
		if err != nil {
			m.setState(StateCrashed, fmt.Errorf("pipeline configuration: %w", err))
			if !m.waitBackoff(ctx, backoff) {
				return
			}
			continue
		}

		if err := pipeline.Start(ctx); err != nil {
			pipeline.Stop()
			m.setState(StateCrashed, fmt.Errorf("pipeline start: %w", err))
			if !m.waitBackoff(ctx, backoff) {
				return
			}
			continue
		}

		if !m.awaitFirstFrame(ctx, pipeline) {
			pipeline.Stop()
			if ctx.Err() != nil {
				return
			}
			m.setState(StateCrashed, errStartupTimeout)
			if !m.waitBackoff(ctx, backoff) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.handle = &Handle{pipeline: pipeline, StartedAt: time.Now()}
		m.mu.Unlock()
		m.setState(StateRunning, nil)

		// A successful start resets the restart delay
		backoff = m.newBackoff()

		crashErr := m.watch(ctx, pipeline)

		m.mu.Lock()
		m.handle = nil
		m.mu.Unlock()
		pipeline.Stop()

		if crashErr == nil {
			// Shutdown request
			return
		}

		m.mu.Lock()
		m.restarts++
		m.mu.Unlock()
		m.setState(StateCrashed, crashErr)

		if !m.waitBackoff(ctx, backoff) {
			return
		}
	}
}

// awaitFirstFrame polls for the pipeline's first heartbeat within the
// startup grace period
func (m *Manager) awaitFirstFrame(ctx context.Context, p Pipeline) bool {
	deadline := time.Now().Add(m.opts.StartupGrace)
	poll := m.opts.StartupGrace / 40
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}

	for time.Now().Before(deadline) {
		if !p.LastHeartbeat().IsZero() {
			return true
		}
		if !p.Alive() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
	return false
}

// watch runs the periodic health check until the pipeline must be restarted
// (returns the crash reason) or the run context ends (returns nil).
// Heartbeat staleness drives Running -> Degraded and back; a heartbeat
// stale beyond three staleness periods, or a dead execution unit, forces
// a restart.
func (m *Manager) watch(ctx context.Context, p Pipeline) error {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !p.Alive() {
				return errTerminated
			}

			stale := time.Since(p.LastHeartbeat())
			switch {
			case stale > 3*m.opts.Staleness:
				// The execution unit is alive but wedged; it will never
				// terminate on its own, so treat it as crashed
				return fmt.Errorf("pipeline heartbeat stale for %s", stale.Round(time.Second))
			case stale > m.opts.Staleness:
				m.setState(StateDegraded, nil)
			default:
				m.setState(StateRunning, nil)
			}
		}
	}
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.opts.MaxBackoff, retry.NewExponential(m.opts.MinBackoff))
}

// waitBackoff sleeps for the next restart delay. Returns false when the
// run context ended during the wait.
func (m *Manager) waitBackoff(ctx context.Context, backoff retry.Backoff) bool {
	delay, _ := backoff.Next()
	log.Printf("[Lifecycle] Restarting pipeline in %s", delay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) cameraSet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.cameras...)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s, err)
}

func (m *Manager) setStateLocked(s State, err error) {
	if err != nil {
		m.lastErr = err
	}
	if m.state == s {
		return
	}
	m.state = s
	m.since = time.Now()
	if err != nil {
		log.Printf("[Lifecycle] State -> %s (%v)", s, err)
	} else {
		log.Printf("[Lifecycle] State -> %s", s)
	}
}
