package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// capture decodes one camera feed with FFmpeg and hands each complete
// JPEG frame to its sink
type capture struct {
	cameraID string
	device   string
	fps      int
	width    int
	height   int
	sink     func(data []byte)
	running  atomic.Bool
	stopCh   chan struct{}
	cmd      *exec.Cmd
}

func newCapture(cameraID, device string, fps, width, height int, sink func(data []byte)) *capture {
	return &capture{
		cameraID: cameraID,
		device:   device,
		fps:      fps,
		width:    width,
		height:   height,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
}

// run is the capture loop. It returns when the source ends or stop is called.
func (c *capture) run() {
	c.running.Store(true)
	defer c.running.Store(false)

	log.Printf("[Capture] Starting capture loop for camera %s (device: %s, fps: %d)", c.cameraID, c.device, c.fps)

	// HTTP still-image endpoints are polled instead of streamed
	if c.isHTTPImageEndpoint() {
		c.captureHTTPImages()
		return
	}

	c.captureFFmpeg()
}

func (c *capture) stop() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)

	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}

func (c *capture) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "image"))
}

func (c *capture) captureHTTPImages() {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(c.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			resp, err := client.Get(c.device)
			if err != nil {
				log.Printf("[Capture] Error fetching frame from %s: %v", c.device, err)
				continue
			}

			frame, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[Capture] Error reading frame: %v", err)
				continue
			}

			c.sink(frame)
		}
	}
}

func (c *capture) captureFFmpeg() {
	var args []string

	if strings.HasPrefix(c.device, "rtsp://") {
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	} else if strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://") {
		args = []string{
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	} else {
		// V4L2 device (USB camera)
		args = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-framerate", fmt.Sprintf("%d", c.fps),
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}

	c.cmd = exec.Command("ffmpeg", args...)

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stdout pipe: %v", err)
		return
	}

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stderr pipe: %v", err)
		return
	}

	if err := c.cmd.Start(); err != nil {
		log.Printf("[Capture] Error starting ffmpeg: %v", err)
		return
	}

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-c.stopCh:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF {
					log.Printf("[Capture] Error reading frame for camera %s: %v", c.cameraID, err)
				}
				return
			}

			frameBuffer = append(frameBuffer, chunk[:n]...)

			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				c.sink(frame)
			}
		}
	}
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}
