package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a violation event
type Kind string

const (
	KindUnknownFace Kind = "unknown_face"
	KindKnownFace   Kind = "known_face"
)

// Event is a single violation detected by the ingestion pipeline.
// Immutable once constructed; the bus owns it until delivered or dropped.
type Event struct {
	ID         string         `json:"id"`
	CameraID   string         `json:"camera_id"`
	Kind       Kind           `json:"kind"`
	Identity   string         `json:"identity,omitempty"`
	Confidence float32        `json:"confidence"`
	CapturedAt time.Time      `json:"captured_at"`
	ImageRef   string         `json:"image_ref,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewEvent creates a violation event with a fresh unique ID
func NewEvent(cameraID string, kind Kind, identity string, confidence float32, imageRef string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		CameraID:   cameraID,
		Kind:       kind,
		Identity:   identity,
		Confidence: confidence,
		CapturedAt: time.Now(),
		ImageRef:   imageRef,
	}
}
