package archive

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// streamProcess wraps one ffmpeg RTSP to HLS transcode
type streamProcess struct {
	name      string
	cmd       *exec.Cmd
	outputDir string
	done      chan struct{}
}

func (s *streamProcess) isRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *streamProcess) stop() {
	if s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(os.Interrupt)

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
		<-s.done
	}
}

// Manager starts and tracks ffmpeg RTSP to HLS pipelines so camera feeds
// stay watchable through plain HTTP file serving
type Manager struct {
	root      string
	mu        sync.Mutex
	processes map[string]*streamProcess
}

// NewManager creates a manager writing playlists under root
func NewManager(root string) *Manager {
	return &Manager{
		root:      root,
		processes: make(map[string]*streamProcess),
	}
}

// buildCommand assembles the transcode invocation. Stream copy keeps
// latency and CPU low; switch to libx264 if the camera codec differs.
func (m *Manager) buildCommand(rtspURL, outputDir string) *exec.Cmd {
	playlist := filepath.Join(outputDir, "index.m3u8")
	segments := filepath.Join(outputDir, "segment_%05d.ts")

	return exec.Command("ffmpeg",
		"-nostdin",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		"-tag:v", "hvc1",
		"-hls_segment_filename", segments,
		playlist,
	)
}

// EnsureStream starts the transcode if not already running and returns
// the public playlist path
func (m *Manager) EnsureStream(name, rtspURL string) (string, error) {
	if rtspURL == "" {
		return "", fmt.Errorf("RTSP URL is required to start a stream")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.processes[name]; ok && existing.isRunning() {
		return m.publicPlaylistURL(name), nil
	}

	outputDir := filepath.Join(m.root, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stream directory: %w", err)
	}

	cmd := m.buildCommand(rtspURL, outputDir)

	// Keep ffmpeg output around for debugging
	logFile, err := os.Create(filepath.Join(outputDir, "ffmpeg_debug.log"))
	if err != nil {
		return "", fmt.Errorf("failed to create ffmpeg log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	proc := &streamProcess{
		name:      name,
		cmd:       cmd,
		outputDir: outputDir,
		done:      make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(proc.done)
	}()

	m.processes[name] = proc
	log.Printf("[Archive] Started HLS transcode for stream %s", name)
	return m.publicPlaylistURL(name), nil
}

// StopStream terminates one transcode
func (m *Manager) StopStream(name string) {
	m.mu.Lock()
	proc, ok := m.processes[name]
	if ok {
		delete(m.processes, name)
	}
	m.mu.Unlock()

	if ok {
		proc.stop()
		log.Printf("[Archive] Stopped HLS transcode for stream %s", name)
	}
}

// StopAll terminates every transcode, used on shutdown
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.processes))
	for name := range m.processes {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopStream(name)
	}
}

// IsRunning reports whether a named transcode is active
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.processes[name]
	return ok && proc.isRunning()
}

// PlaylistPath returns the on-disk playlist location
func (m *Manager) PlaylistPath(name string) string {
	return filepath.Join(m.root, name, "index.m3u8")
}

func (m *Manager) publicPlaylistURL(name string) string {
	return fmt.Sprintf("/streams/%s/index.m3u8", name)
}
