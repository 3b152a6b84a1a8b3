package framestore

import (
	"sync"
	"time"
)

// Encoding identifies the payload encoding of a frame
type Encoding string

const (
	EncodingJPEG Encoding = "jpeg"
	EncodingRaw  Encoding = "raw"
)

// Frame is one annotated video frame. Immutable once constructed;
// callers must not modify Payload after handing the frame to a store.
type Frame struct {
	CameraID   string
	Seq        uint64
	CapturedAt time.Time
	Payload    []byte
	Encoding   Encoding
}

// Slot holds the most recent frame for a single camera.
// Writes replace the previous frame unconditionally (latest-wins, no history).
// Reads never block writes and never observe a partially written frame:
// the slot swaps a pointer to an immutable Frame under a short critical section.
type Slot struct {
	mu    sync.RWMutex
	frame *Frame
	seq   uint64
}

// Put stores a frame, replacing the previous one. The slot assigns the
// sequence number so that it is non-decreasing across writes regardless
// of what the producer puts in.
func (s *Slot) Put(frame *Frame) {
	s.mu.Lock()
	s.seq++
	frame.Seq = s.seq
	s.frame = frame
	s.mu.Unlock()
}

// Latest returns the most recent frame, or nil if none has ever been written.
func (s *Slot) Latest() *Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Seq returns the current sequence number (0 if nothing was ever written).
func (s *Slot) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Store is a registry of frame slots keyed by camera ID. It is the contact
// point between the ingestion pipeline (writer) and stream encoders (readers).
// Memory is bounded to one frame per camera regardless of consumer count.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewStore creates an empty frame store
func NewStore() *Store {
	return &Store{
		slots: make(map[string]*Slot),
	}
}

// Put stores the latest frame for a camera, creating the slot on first write.
func (st *Store) Put(cameraID string, payload []byte, capturedAt time.Time, encoding Encoding) {
	st.slot(cameraID).Put(&Frame{
		CameraID:   cameraID,
		CapturedAt: capturedAt,
		Payload:    payload,
		Encoding:   encoding,
	})
}

// Latest returns the most recent frame for a camera.
// The second return value is false if no frame has ever been written.
func (st *Store) Latest(cameraID string) (*Frame, bool) {
	st.mu.RLock()
	slot, exists := st.slots[cameraID]
	st.mu.RUnlock()

	if !exists {
		return nil, false
	}

	frame := slot.Latest()
	if frame == nil {
		return nil, false
	}
	return frame, true
}

// Seq returns the current frame sequence number for a camera (0 if unknown).
func (st *Store) Seq(cameraID string) uint64 {
	st.mu.RLock()
	slot, exists := st.slots[cameraID]
	st.mu.RUnlock()

	if !exists {
		return 0
	}
	return slot.Seq()
}

// Cameras returns the IDs of all cameras that have a slot
func (st *Store) Cameras() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.slots))
	for id := range st.slots {
		ids = append(ids, id)
	}
	return ids
}

func (st *Store) slot(cameraID string) *Slot {
	st.mu.RLock()
	slot, exists := st.slots[cameraID]
	st.mu.RUnlock()

	if exists {
		return slot
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if slot, exists = st.slots[cameraID]; exists {
		return slot
	}
	slot = &Slot{}
	st.slots[cameraID] = slot
	return slot
}
