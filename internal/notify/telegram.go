package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/eventbus"
)

const telegramAPI = "https://api.telegram.org"

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// telegramResponse is the Bot API envelope
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// TelegramNotifier pushes violation alerts to a Telegram chat. It runs as
// a regular bus subscriber; the pipeline's emit gating already throttles
// repeats, so every received event becomes one alert.
type TelegramNotifier struct {
	cfg         TelegramConfig
	snapshotDir string
	api         string
	client      *http.Client
	bus         *eventbus.Bus
	sub         *eventbus.Subscriber
	done        chan struct{}
}

// NewTelegramNotifier creates a notifier; snapshots referenced by events
// are read from snapshotDir for photo alerts
func NewTelegramNotifier(cfg TelegramConfig, snapshotDir string, bus *eventbus.Bus) *TelegramNotifier {
	return &TelegramNotifier{
		cfg:         cfg,
		snapshotDir: snapshotDir,
		api:         telegramAPI,
		client:      &http.Client{Timeout: 30 * time.Second},
		bus:         bus,
		done:        make(chan struct{}),
	}
}

// Enabled reports whether alerts will actually be sent
func (n *TelegramNotifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.BotToken != "" && n.cfg.ChatID != ""
}

// Start subscribes to the bus and begins sending alerts
func (n *TelegramNotifier) Start() {
	if !n.Enabled() {
		close(n.done)
		return
	}
	n.sub = n.bus.Subscribe()
	go n.run()
	log.Printf("[Telegram] Notifier started as subscriber %s", n.sub.ID)
}

// Stop detaches from the bus and waits for the alert loop to finish
func (n *TelegramNotifier) Stop() {
	if n.sub != nil {
		n.bus.Unsubscribe(n.sub.ID)
	}
	<-n.done
}

func (n *TelegramNotifier) run() {
	defer close(n.done)

	for ev := range n.sub.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.sendAlert(ctx, ev); err != nil {
			log.Printf("[Telegram] Failed to send alert for event %s: %v", ev.ID, err)
		}
		cancel()
	}
}

// sendAlert sends a photo alert when the event's snapshot is available,
// falling back to a plain message
func (n *TelegramNotifier) sendAlert(ctx context.Context, ev *eventbus.Event) error {
	caption := formatCaption(ev)

	if ev.ImageRef != "" {
		photo, err := os.ReadFile(filepath.Join(n.snapshotDir, ev.ImageRef))
		if err == nil {
			return n.sendPhoto(ctx, photo, caption)
		}
		log.Printf("[Telegram] Snapshot %s unreadable, sending text alert: %v", ev.ImageRef, err)
	}
	return n.sendMessage(ctx, caption)
}

func formatCaption(ev *eventbus.Event) string {
	when := ev.CapturedAt.Format("2006-01-02 15:04:05")
	if ev.Kind == eventbus.KindKnownFace {
		return fmt.Sprintf("👤 <b>%s</b> seen on camera <b>%s</b>\n🕐 %s (confidence %.0f%%)",
			ev.Identity, ev.CameraID, when, ev.Confidence*100)
	}
	return fmt.Sprintf("🚨 <b>Unknown person</b> on camera <b>%s</b>\n🕐 %s (confidence %.0f%%)",
		ev.CameraID, when, ev.Confidence*100)
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    n.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.api, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func (n *TelegramNotifier) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", n.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "violation.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", n.api, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}
	return nil
}
