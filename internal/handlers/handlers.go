package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vigil/internal/archive"
	"vigil/internal/database"
	"vigil/internal/eventbus"
	"vigil/internal/lifecycle"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ControlHandler exposes pipeline lifecycle operations
type ControlHandler struct {
	manager *lifecycle.Manager
	cameras []string
}

// NewControlHandler creates the pipeline control surface. The camera set
// comes from configuration; a start request may narrow it.
func NewControlHandler(manager *lifecycle.Manager, cameras []string) *ControlHandler {
	return &ControlHandler{manager: manager, cameras: cameras}
}

type startRequest struct {
	Cameras []string `json:"cameras,omitempty"`
}

// Start handles POST /api/control/start
func (h *ControlHandler) Start(w http.ResponseWriter, r *http.Request) {
	cameras := h.cameras
	if r.Body != nil && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Cameras) > 0 {
			cameras = req.Cameras
		}
	}

	if err := h.manager.Start(cameras); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.manager.Status())
}

// Stop handles POST /api/control/stop
func (h *ControlHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.manager.Status())
}

// Status handles GET /api/control/status
func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

// ViolationsHandler serves the recorded violation history
type ViolationsHandler struct {
	db *database.Database
}

func NewViolationsHandler(db *database.Database) *ViolationsHandler {
	return &ViolationsHandler{db: db}
}

// List handles GET /api/violations with camera_id, min_confidence,
// hours, limit and offset query parameters
func (h *ViolationsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ViolationFilter{
		CameraID: q.Get("camera_id"),
	}

	if v := q.Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be a number between 0 and 1")
			return
		}
		filter.MinConfidence = float32(f)
	}
	var err error
	if filter.Hours, err = intParam(q.Get("hours")); err != nil {
		writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	violations, err := h.db.ListViolations(filter)
	if err != nil {
		log.Printf("[API] Failed to list violations: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if violations == nil {
		violations = []*database.ViolationRecord{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// ImagesHandler serves violation snapshots from the snapshot directory
type ImagesHandler struct {
	dir string
}

func NewImagesHandler(dir string) *ImagesHandler {
	return &ImagesHandler{dir: dir}
}

// Serve handles GET /api/detections/images/{filename}
func (h *ImagesHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")

	// Prevent directory traversal
	if filename == "" || strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, `/\`) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(h.dir, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

// StreamsHandler controls the HLS archive transcodes
type StreamsHandler struct {
	archive *archive.Manager
	sources map[string]string
}

func NewStreamsHandler(archive *archive.Manager, sources map[string]string) *StreamsHandler {
	return &StreamsHandler{archive: archive, sources: sources}
}

// Start handles POST /api/streams/{name}/start
func (h *StreamsHandler) Start(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	source, ok := h.sources[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown camera "+name)
		return
	}
	if !strings.HasPrefix(source, "rtsp://") {
		writeError(w, http.StatusConflict, "camera "+name+" is not an RTSP source")
		return
	}

	playlist, err := h.archive.EnsureStream(name, source)
	if err != nil {
		log.Printf("[API] Failed to start stream %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hls": playlist})
}

// Status handles GET /api/streams/{name}/status
func (h *StreamsHandler) Status(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	running := h.archive.IsRunning(name)

	resp := map[string]any{"running": running}
	if running {
		resp["hls"] = "/streams/" + name + "/index.m3u8"
	} else {
		resp["hls"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stop handles POST /api/streams/{name}/stop
func (h *StreamsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h.archive.StopStream(name)
	writeJSON(w, http.StatusOK, map[string]string{"stopped": name})
}

// HealthHandler reports service health
type HealthHandler struct {
	manager *lifecycle.Manager
	bus     *eventbus.Bus
	started time.Time
}

func NewHealthHandler(manager *lifecycle.Manager, bus *eventbus.Bus) *HealthHandler {
	return &HealthHandler{manager: manager, bus: bus, started: time.Now()}
}

// Serve handles GET /api/health
func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status()

	healthy := status.State == lifecycle.StateRunning || status.State == lifecycle.StateDegraded
	overall := "healthy"
	code := http.StatusOK
	if !healthy {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":         overall,
		"pipeline_state": status.State,
		"restarts":       status.Restarts,
		"cameras":        status.Cameras,
		"subscribers":    h.bus.SubscriberCount(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
