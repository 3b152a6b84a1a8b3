package notify

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/eventbus"
)

type capturedRequest struct {
	path        string
	contentType string
	body        []byte
}

func fakeTelegramServer(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestNotifierDisabledWithoutCredentials(t *testing.T) {
	bus := eventbus.NewBus(16)
	n := NewTelegramNotifier(TelegramConfig{Enabled: true}, "", bus)
	if n.Enabled() {
		t.Fatal("notifier must be disabled without token and chat id")
	}

	// Start and Stop must be safe no-ops while disabled
	n.Start()
	n.Stop()
	if bus.SubscriberCount() != 0 {
		t.Fatal("disabled notifier must not subscribe")
	}
}

func TestNotifierSendsPhotoAlert(t *testing.T) {
	srv, captured := fakeTelegramServer(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "snap.jpg"), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	bus := eventbus.NewBus(16)
	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true}, dir, bus)
	n.api = srv.URL
	n.Start()

	bus.Publish(eventbus.NewEvent("cam-1", eventbus.KindUnknownFace, "", 0.9, "snap.jpg"))

	deadline := time.Now().Add(2 * time.Second)
	for len(captured()) == 0 {
		if !time.Now().Before(deadline) {
			t.Fatal("no Telegram request sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	n.Stop()

	reqs := captured()
	if !strings.HasSuffix(reqs[0].path, "/sendPhoto") {
		t.Fatalf("path = %s, want sendPhoto", reqs[0].path)
	}
	if !strings.HasPrefix(reqs[0].contentType, "multipart/form-data") {
		t.Fatalf("content type = %s", reqs[0].contentType)
	}
	if !strings.Contains(string(reqs[0].body), "Unknown person") {
		t.Fatal("caption missing from photo upload")
	}
}

func TestNotifierFallsBackToTextWithoutSnapshot(t *testing.T) {
	srv, captured := fakeTelegramServer(t)

	bus := eventbus.NewBus(16)
	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true}, t.TempDir(), bus)
	n.api = srv.URL
	n.Start()

	bus.Publish(eventbus.NewEvent("cam-2", eventbus.KindKnownFace, "alice", 0.85, ""))

	deadline := time.Now().Add(2 * time.Second)
	for len(captured()) == 0 {
		if !time.Now().Before(deadline) {
			t.Fatal("no Telegram request sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	n.Stop()

	reqs := captured()
	if !strings.HasSuffix(reqs[0].path, "/sendMessage") {
		t.Fatalf("path = %s, want sendMessage", reqs[0].path)
	}
	if !strings.Contains(string(reqs[0].body), "alice") {
		t.Fatal("identity missing from message")
	}
}
