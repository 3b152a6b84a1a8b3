package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/eventbus"
	"vigil/internal/framestore"
)

// Config holds pipeline settings
type Config struct {
	Sources         map[string]string // camera ID -> device (rtsp://, http://, /dev/videoN)
	FPS             int
	Width           int
	Height          int
	MinConfidence   float32
	AnalyzeInterval time.Duration // pacing between inference calls per camera
	EmitInterval    time.Duration // violation rate limit per camera and identity
	SnapshotDir     string
}

func (c Config) withDefaults() Config {
	if c.FPS <= 0 {
		c.FPS = 25
	}
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.AnalyzeInterval <= 0 {
		c.AnalyzeInterval = 500 * time.Millisecond
	}
	if c.EmitInterval <= 0 {
		c.EmitInterval = 30 * time.Second
	}
	return c
}

// camState is per-camera processing state, touched only by that camera's
// capture goroutine
type camState struct {
	lastAnalysis time.Time
	result       *AnalysisResult
}

// Pipeline decodes camera feeds, runs face recognition, annotates frames
// into the frame store and publishes violation events. It is the unit of
// supervision: a dead capture worker fails the whole pipeline so the
// supervisor rebuilds every connection.
type Pipeline struct {
	cfg      Config
	store    *framestore.Store
	bus      *eventbus.Bus
	analyzer Analyzer
	gate     *emitGate

	cameras  []string
	captures []*capture
	states   map[string]*camState

	live      atomic.Int64
	started   atomic.Bool
	heartbeat atomic.Int64 // unix nanos of the last handled frame

	mu  sync.Mutex
	ctx context.Context
}

// New validates the configuration and builds an idle pipeline
func New(cfg Config, store *framestore.Store, bus *eventbus.Bus, analyzer Analyzer) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no camera sources configured")
	}
	for id, device := range cfg.Sources {
		if device == "" {
			return nil, fmt.Errorf("no source configured for camera %s", id)
		}
	}
	if analyzer == nil {
		return nil, fmt.Errorf("no analyzer configured")
	}

	cameras := make([]string, 0, len(cfg.Sources))
	for id := range cfg.Sources {
		cameras = append(cameras, id)
	}
	sort.Strings(cameras)

	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		analyzer: analyzer,
		gate:     newEmitGate(cfg.EmitInterval),
		cameras:  cameras,
		states:   make(map[string]*camState, len(cameras)),
	}
	for _, id := range cameras {
		p.states[id] = &camState{}
	}
	return p, nil
}

// Start launches one capture worker per camera. Readiness is observed
// through LastHeartbeat once the first frame lands.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for _, id := range p.cameras {
		cameraID := id
		c := newCapture(cameraID, p.cfg.Sources[cameraID], p.cfg.FPS, p.cfg.Width, p.cfg.Height, func(data []byte) {
			p.handleFrame(cameraID, data)
		})
		p.captures = append(p.captures, c)

		p.live.Add(1)
		go func() {
			defer p.live.Add(-1)
			c.run()
		}()
	}

	log.Printf("[Pipeline] Started %d capture workers", len(p.captures))
	return nil
}

// Stop terminates all capture workers
func (p *Pipeline) Stop() {
	for _, c := range p.captures {
		c.stop()
	}
	log.Printf("[Pipeline] Stopped")
}

// Alive reports whether every capture worker is still running. A single
// dead worker fails the unit so the supervisor reconnects all feeds.
func (p *Pipeline) Alive() bool {
	if !p.started.Load() {
		return false
	}
	return p.live.Load() == int64(len(p.captures))
}

// LastHeartbeat returns the time of the most recently handled frame
func (p *Pipeline) LastHeartbeat() time.Time {
	nanos := p.heartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Cameras returns the configured camera IDs in stable order
func (p *Pipeline) Cameras() []string {
	return append([]string(nil), p.cameras...)
}

// handleFrame processes one decoded JPEG frame: paced inference, overlay
// drawing, violation emission and the frame store write. Called from the
// camera's capture goroutine only.
func (p *Pipeline) handleFrame(cameraID string, data []byte) {
	now := time.Now()
	p.heartbeat.Store(now.UnixNano())

	state := p.states[cameraID]

	if now.Sub(state.lastAnalysis) >= p.cfg.AnalyzeInterval {
		state.lastAnalysis = now

		result, err := p.analyzer.Analyze(p.analysisContext(), data)
		if err != nil {
			// Keep drawing the previous result until inference recovers
			log.Printf("[Pipeline] Analysis failed for camera %s: %v", cameraID, err)
		} else {
			state.result = result
			annotated := annotateFrame(data, result)
			p.emitViolations(cameraID, result, annotated)
			p.store.Put(cameraID, annotated, now, framestore.EncodingJPEG)
			return
		}
	}

	p.store.Put(cameraID, annotateFrame(data, state.result), now, framestore.EncodingJPEG)
}

// emitViolations publishes one event per recognized face, rate limited
// per camera and identity
func (p *Pipeline) emitViolations(cameraID string, result *AnalysisResult, frame []byte) {
	for _, rec := range result.Recognitions {
		if rec.Confidence < p.cfg.MinConfidence {
			continue
		}

		kind := eventbus.KindUnknownFace
		identity := ""
		if rec.IsKnown && rec.Identity != nil {
			kind = eventbus.KindKnownFace
			identity = *rec.Identity
		}

		gateKey := identity
		if gateKey == "" {
			gateKey = "unknown"
		}
		if !p.gate.allow(cameraID, gateKey) {
			continue
		}

		imageRef, err := saveSnapshot(p.cfg.SnapshotDir, cameraID, gateKey, frame)
		if err != nil {
			log.Printf("[Pipeline] Failed to save snapshot for camera %s: %v", cameraID, err)
		}

		ev := eventbus.NewEvent(cameraID, kind, identity, rec.Confidence, imageRef)
		if len(rec.BBox) >= 4 {
			ev.Details = map[string]any{
				"bbox":       rec.BBox,
				"similarity": rec.Similarity,
			}
		}
		p.bus.Publish(ev)

		log.Printf("[Pipeline] Violation on camera %s: %s (confidence %.2f)", cameraID, kind, rec.Confidence)
	}
}

func (p *Pipeline) analysisContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

var _ interface {
	Start(ctx context.Context) error
	Stop()
	Alive() bool
	LastHeartbeat() time.Time
	Cameras() []string
} = (*Pipeline)(nil)
