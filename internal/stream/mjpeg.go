package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"vigil/internal/framestore"
)

// DefaultTick is the encoder sampling interval (~25 fps)
const DefaultTick = 40 * time.Millisecond

// MJPEGEncoder serves per-viewer MJPEG sessions over
// multipart/x-mixed-replace. Each session runs its own ticker loop that
// samples the frame store for the requested camera and writes the latest
// frame as one multipart part. Sessions are fully independent: a slow viewer
// never slows down a fast one or the ingestion pipeline, because everyone
// reads the same latest-wins slot at their own pace.
type MJPEGEncoder struct {
	store    *framestore.Store
	tick     time.Duration
	sessions atomic.Int64
}

// NewMJPEGEncoder creates an encoder sampling the store every tick.
// tick <= 0 selects DefaultTick.
func NewMJPEGEncoder(store *framestore.Store, tick time.Duration) *MJPEGEncoder {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &MJPEGEncoder{
		store: store,
		tick:  tick,
	}
}

// Sessions returns the number of active viewer sessions
func (e *MJPEGEncoder) Sessions() int64 {
	return e.sessions.Load()
}

// ServeHTTP streams the latest frames for the camera in the request path
// until the viewer disconnects. While no frame has ever been stored the
// response stays open emitting zero parts; the first stored frame becomes
// the first part. A pipeline outage is invisible here beyond a stalled
// image: the session keeps polling and resumes as soon as frames return.
func (e *MJPEGEncoder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("camera_id")
	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Push headers right away so the viewer sees an open stream even while
	// the pipeline has not produced a frame yet
	flusher.Flush()

	e.sessions.Add(1)
	defer e.sessions.Add(-1)

	log.Printf("[Stream] Viewer connected to camera %s from %s", cameraID, r.RemoteAddr)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[Stream] Viewer disconnected from camera %s", cameraID)
			return
		case <-ticker.C:
			frame, ok := e.store.Latest(cameraID)
			if !ok {
				continue
			}
			if err := writePart(w, frame.Payload); err != nil {
				// Write failure means the client is gone
				log.Printf("[Stream] Viewer dropped from camera %s: %v", cameraID, err)
				return
			}
			flusher.Flush()
		}
	}
}

// writePart writes one multipart frame in the replace-stream framing
func writePart(w http.ResponseWriter, payload []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

// SnapshotHandler serves the latest frame for a camera as a single JPEG
type SnapshotHandler struct {
	store *framestore.Store
}

// NewSnapshotHandler creates a snapshot handler backed by the frame store
func NewSnapshotHandler(store *framestore.Store) *SnapshotHandler {
	return &SnapshotHandler{store: store}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("camera_id")
	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	frame, ok := h.store.Latest(cameraID)
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame.Payload)))
	w.Write(frame.Payload)
}
