package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/archive"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/eventbus"
	"vigil/internal/framestore"
	"vigil/internal/handlers"
	"vigil/internal/lifecycle"
	"vigil/internal/notify"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
	"vigil/internal/ws"
)

func main() {
	var (
		httpPort  = flag.String("port", "", "HTTP listen port (overrides HTTP_PORT)")
		autoStart = flag.Bool("autostart", true, "start the pipeline at boot")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[Main] Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("[Main] Failed to migrate database: %v", err)
	}

	store := framestore.NewStore()
	bus := eventbus.NewBus(cfg.InboxCapacity)

	recorder := database.NewRecorder(db, bus)
	recorder.Start()

	notifier := notify.NewTelegramNotifier(notify.TelegramConfig{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Enabled:  cfg.TelegramEnabled,
	}, cfg.SnapshotDir, bus)
	notifier.Start()

	analyzer := pipeline.NewFaceService(cfg.InferenceURL)

	manager := lifecycle.NewManager(func(cameras []string) (lifecycle.Pipeline, error) {
		sources := make(map[string]string, len(cameras))
		for _, id := range cameras {
			device, ok := cfg.CameraSources[id]
			if !ok {
				return nil, fmt.Errorf("no source configured for camera %s", id)
			}
			sources[id] = device
		}
		return pipeline.New(pipeline.Config{
			Sources:       sources,
			FPS:           cfg.StreamFPS,
			Width:         cfg.FrameWidth,
			Height:        cfg.FrameHeight,
			MinConfidence: cfg.MinConfidence,
			EmitInterval:  time.Duration(cfg.EmitInterval) * time.Second,
			SnapshotDir:   cfg.SnapshotDir,
		}, store, bus, analyzer)
	}, lifecycle.Options{
		StartupGrace:  time.Duration(cfg.StartupGrace) * time.Second,
		Staleness:     time.Duration(cfg.Staleness) * time.Second,
		CheckInterval: time.Duration(cfg.HealthInterval) * time.Second,
	})

	hls := archive.NewManager(cfg.HLSDir)

	if *autoStart {
		cameras := make([]string, 0, len(cfg.CameraSources))
		for id := range cfg.CameraSources {
			cameras = append(cameras, id)
		}
		if len(cameras) > 0 {
			if err := manager.Start(cameras); err != nil {
				log.Printf("[Main] Pipeline autostart failed: %v", err)
			}
		} else {
			log.Println("[Main] No cameras configured, pipeline idle until started with sources")
		}
	}

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: newMux(cfg, store, bus, db, manager, hls),
	}

	go func() {
		log.Printf("[Main] HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] HTTP server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("[Main] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}

	if err := manager.Stop(); err != nil && err != lifecycle.ErrNotStarted {
		log.Printf("[Main] Pipeline stop error: %v", err)
	}
	hls.StopAll()
	notifier.Stop()
	recorder.Stop()
	bus.Close()

	log.Println("[Main] Shutdown complete")
}

func newMux(
	cfg *config.Config,
	store *framestore.Store,
	bus *eventbus.Bus,
	db *database.Database,
	manager *lifecycle.Manager,
	hls *archive.Manager,
) *http.ServeMux {
	mjpeg := stream.NewMJPEGEncoder(store, time.Second/time.Duration(cfg.StreamFPS))
	control := handlers.NewControlHandler(manager, cameraIDs(cfg.CameraSources))
	violations := handlers.NewViolationsHandler(db)
	images := handlers.NewImagesHandler(cfg.SnapshotDir)
	streams := handlers.NewStreamsHandler(hls, cfg.CameraSources)
	health := handlers.NewHealthHandler(manager, bus)

	mux := http.NewServeMux()
	mux.Handle("GET /video_feed/{camera_id}", mjpeg)
	mux.Handle("GET /snapshot/{camera_id}", stream.NewSnapshotHandler(store))
	mux.Handle("GET /ws/violations", ws.NewHandler(bus))

	mux.HandleFunc("POST /api/control/start", control.Start)
	mux.HandleFunc("POST /api/control/stop", control.Stop)
	mux.HandleFunc("GET /api/control/status", control.Status)

	mux.HandleFunc("GET /api/violations", violations.List)
	mux.HandleFunc("GET /api/detections/images/{filename}", images.Serve)

	mux.HandleFunc("POST /api/streams/{name}/start", streams.Start)
	mux.HandleFunc("GET /api/streams/{name}/status", streams.Status)
	mux.HandleFunc("POST /api/streams/{name}/stop", streams.Stop)
	mux.Handle("GET /streams/", http.StripPrefix("/streams/", http.FileServer(http.Dir(cfg.HLSDir))))

	mux.HandleFunc("GET /api/health", health.Serve)

	return mux
}

func cameraIDs(sources map[string]string) []string {
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	return ids
}
