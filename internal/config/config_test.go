package config

import (
	"testing"
)

func TestParseCameraSources(t *testing.T) {
	sources, err := parseCameraSources("front=rtsp://cam.local/stream, yard=/dev/video0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources", len(sources))
	}
	if sources["front"] != "rtsp://cam.local/stream" {
		t.Fatalf("front = %q", sources["front"])
	}
	if sources["yard"] != "/dev/video0" {
		t.Fatalf("yard = %q", sources["yard"])
	}
}

func TestParseCameraSourcesEmpty(t *testing.T) {
	sources, err := parseCameraSources("  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected empty map, got %v", sources)
	}
}

func TestParseCameraSourcesRejectsMalformedEntries(t *testing.T) {
	for _, raw := range []string{
		"front",
		"=rtsp://cam.local",
		"front=",
		"front=rtsp://a,front=rtsp://b",
	} {
		if _, err := parseCameraSources(raw); err == nil {
			t.Errorf("parseCameraSources(%q) accepted malformed input", raw)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort == "" {
		t.Fatal("HTTPPort default missing")
	}
	if cfg.StreamFPS <= 0 || cfg.InboxCapacity <= 0 {
		t.Fatalf("numeric defaults missing: fps=%d inbox=%d", cfg.StreamFPS, cfg.InboxCapacity)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("CAMERA_SOURCES", "door=rtsp://door.local/stream")
	t.Setenv("MIN_CONFIDENCE", "0.75")
	t.Setenv("EMIT_INTERVAL_SEC", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "9999" {
		t.Fatalf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.CameraSources["door"] != "rtsp://door.local/stream" {
		t.Fatalf("CameraSources = %v", cfg.CameraSources)
	}
	if cfg.MinConfidence != 0.75 {
		t.Fatalf("MinConfidence = %v", cfg.MinConfidence)
	}
	if cfg.EmitInterval != 5 {
		t.Fatalf("EmitInterval = %d", cfg.EmitInterval)
	}
}
