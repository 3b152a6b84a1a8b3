package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePipeline is a hand-driven pipeline for exercising the manager's
// state machine without cameras or ffmpeg.
type fakePipeline struct {
	startErr error
	cameras  []string

	mu    sync.Mutex
	alive bool
	hb    time.Time
}

func (f *fakePipeline) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.alive = true
	f.mu.Unlock()
	return nil
}

func (f *fakePipeline) Stop() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func (f *fakePipeline) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakePipeline) LastHeartbeat() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hb
}

func (f *fakePipeline) Cameras() []string { return f.cameras }

func (f *fakePipeline) beat() {
	f.mu.Lock()
	f.hb = time.Now()
	f.mu.Unlock()
}

func (f *fakePipeline) kill() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

// beatUntilStopped keeps the heartbeat fresh from a background goroutine
func (f *fakePipeline) beatUntilStopped(t *testing.T) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.beat()
			}
		}
	}()
	return func() { close(done) }
}

func fastOptions() Options {
	return Options{
		StartupGrace:  200 * time.Millisecond,
		Staleness:     50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
		MinBackoff:    20 * time.Millisecond,
		MaxBackoff:    100 * time.Millisecond,
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never reached %s, stuck at %s", want, m.Status().State)
}

func TestStartReachesRunning(t *testing.T) {
	fake := &fakePipeline{cameras: []string{"cam-1"}}
	m := NewManager(func(cameras []string) (Pipeline, error) {
		fake.beat()
		return fake, nil
	}, fastOptions())

	if m.Current() != nil {
		t.Fatal("Current must be nil before Start")
	}
	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	stop := fake.beatUntilStopped(t)
	defer stop()

	waitForState(t, m, StateRunning)

	h := m.Current()
	if h == nil {
		t.Fatal("Current must return a handle while running")
	}
	if got := h.Cameras(); len(got) != 1 || got[0] != "cam-1" {
		t.Fatalf("handle cameras = %v", got)
	}
	if err := m.Start([]string{"cam-1"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestConfigurationErrorCrashesWithBackoff(t *testing.T) {
	var attempts atomic.Int64
	m := NewManager(func(cameras []string) (Pipeline, error) {
		attempts.Add(1)
		return nil, errors.New("no source configured for cam-1")
	}, fastOptions())

	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, StateCrashed)

	st := m.Status()
	if st.LastError == "" {
		t.Fatal("crashed status must carry the configuration error")
	}

	// Backoff paces the retries: in 200ms with a 20ms minimum delay we
	// must see more than one attempt but nowhere near an unthrottled loop.
	time.Sleep(200 * time.Millisecond)
	n := attempts.Load()
	if n < 2 {
		t.Fatalf("manager stopped retrying after %d attempts", n)
	}
	if n > 12 {
		t.Fatalf("%d factory calls in 200ms, backoff not applied", n)
	}
	if m.Current() != nil {
		t.Fatal("Current must be nil while crashed")
	}
}

func TestStartupGraceExpiryCrashes(t *testing.T) {
	// The pipeline starts but never produces a frame
	m := NewManager(func(cameras []string) (Pipeline, error) {
		return &fakePipeline{cameras: cameras}, nil
	}, fastOptions())

	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, StateCrashed)
}

func TestStaleHeartbeatDegradesThenRecovers(t *testing.T) {
	fake := &fakePipeline{cameras: []string{"cam-1"}}
	m := NewManager(func(cameras []string) (Pipeline, error) {
		fake.beat()
		return fake, nil
	}, Options{
		StartupGrace:  200 * time.Millisecond,
		Staleness:     50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
		MinBackoff:    20 * time.Millisecond,
		MaxBackoff:    100 * time.Millisecond,
	})

	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, StateRunning)

	// Heartbeat goes stale: degraded, but the handle stays available
	waitForState(t, m, StateDegraded)
	if m.Current() == nil {
		t.Fatal("handle must remain available while degraded")
	}

	// Heartbeat resumes: back to running without a restart
	stop := fake.beatUntilStopped(t)
	defer stop()
	waitForState(t, m, StateRunning)

	if got := m.Status().Restarts; got != 0 {
		t.Fatalf("recovery from degraded must not restart, got %d restarts", got)
	}
}

func TestCrashTriggersRestart(t *testing.T) {
	var built atomic.Int64
	pipelines := make(chan *fakePipeline, 4)
	m := NewManager(func(cameras []string) (Pipeline, error) {
		built.Add(1)
		f := &fakePipeline{cameras: cameras}
		f.beat()
		pipelines <- f
		return f, nil
	}, fastOptions())

	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	first := <-pipelines
	stopFirst := first.beatUntilStopped(t)
	waitForState(t, m, StateRunning)

	stopFirst()
	first.kill()

	// The crashed state lasts only for the backoff window, so wait on the
	// restart counter instead of polling for the state itself
	deadline := time.Now().Add(2 * time.Second)
	for m.Status().Restarts == 0 {
		if !time.Now().Before(deadline) {
			t.Fatalf("no restart recorded, state %s", m.Status().State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := <-pipelines
	stopSecond := second.beatUntilStopped(t)
	defer stopSecond()
	waitForState(t, m, StateRunning)

	if built.Load() < 2 {
		t.Fatalf("expected a fresh pipeline after the crash, built %d", built.Load())
	}
	if got := m.Status().Restarts; got == 0 {
		t.Fatal("restart counter must advance after a crash")
	}
}

func TestStopIsTerminal(t *testing.T) {
	fake := &fakePipeline{cameras: []string{"cam-1"}}
	m := NewManager(func(cameras []string) (Pipeline, error) {
		fake.beat()
		return fake, nil
	}, fastOptions())

	if err := m.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop before Start = %v, want ErrNotStarted", err)
	}

	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop := fake.beatUntilStopped(t)
	waitForState(t, m, StateRunning)
	stop()

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.Status().State; got != StateStopped {
		t.Fatalf("state after Stop = %s", got)
	}
	if fake.Alive() {
		t.Fatal("pipeline must be stopped")
	}
	if m.Current() != nil {
		t.Fatal("Current must be nil after Stop")
	}

	// Stopped is terminal for the old run but a fresh Start is allowed
	if err := m.Start([]string{"cam-1"}); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	m.Stop()
}
