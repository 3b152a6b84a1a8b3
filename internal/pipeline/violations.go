package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// emitGate rate-limits violation events per camera and identity so a person
// standing in front of a camera produces one event per interval, not one
// per frame
type emitGate struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func newEmitGate(interval time.Duration) *emitGate {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &emitGate{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (g *emitGate) allow(cameraID, identity string) bool {
	key := cameraID + "|" + identity

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.last[key] = now
	return true
}

// saveSnapshot writes the annotated frame that triggered a violation.
// Returns the stored filename for use as the event's image reference.
func saveSnapshot(dir, cameraID, identity string, frame []byte) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s.jpg", sanitizeName(cameraID), sanitizeName(identity), time.Now().Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(dir, filename), frame, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return filename, nil
}

// sanitizeName keeps snapshot filenames flat and shell-safe
func sanitizeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
