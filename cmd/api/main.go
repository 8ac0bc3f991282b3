package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/jnyjxn/angiogen-render/internal/blob"
	"github.com/jnyjxn/angiogen-render/internal/config"
	"github.com/jnyjxn/angiogen-render/internal/engine"
	"github.com/jnyjxn/angiogen-render/internal/httpapi"
	"github.com/jnyjxn/angiogen-render/internal/jobs"
	"github.com/jnyjxn/angiogen-render/internal/relay"
	"github.com/jnyjxn/angiogen-render/internal/render"
	"github.com/jnyjxn/angiogen-render/internal/store"
)

const completedRetention = time.Hour

func main() {
	loadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fatal("config", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	camera, err := config.LoadCamera(cfg.CameraFile)
	if err != nil {
		fatal("camera config", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("mkdir data dir", err)
	}

	jobStore, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		fatal("open job store", err)
	}
	defer jobStore.Close()
	if closed, err := jobStore.CloseInterrupted(context.Background()); err != nil {
		slog.Warn("close interrupted jobs", "error", err)
	} else if len(closed) > 0 {
		slog.Info("closed jobs interrupted by previous shutdown", "count", len(closed))
	}

	hub := httpapi.NewHub(32)
	var opts []jobs.Option
	var mqttRelay *relay.MQTT
	if cfg.MQTTBroker != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mqttRelay, err = relay.Dial(ctx, relay.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: "angiogen-" + uuid.NewString()[:8],
			Topic:    cfg.MQTTTopic,
		})
		cancel()
		if err != nil {
			slog.Warn("mqtt relay disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer mqttRelay.Close()
			opts = append(opts, jobs.WithPublisher(mqttRelay))
		}
	}
	registry := jobs.NewRegistry(hub, opts...)
	hub.Attach(registry)
	defer registry.Close()

	if len(cfg.RendererCmd) == 0 {
		slog.Warn("no renderer command configured, every job will fail", "env", "ANGIOGEN_RENDERER_CMD")
	}
	backend := render.Process{Command: cfg.RendererCmd}
	eng := engine.New(engine.Config{
		MeshRoot:  cfg.MeshRoot,
		MeshFiles: cfg.MeshFiles,
		Workers:   cfg.Workers,
		Camera:    camera,
	}, registry, backend, jobStore)

	server := httpapi.Server{
		Engine:    eng,
		Registry:  registry,
		Jobs:      jobStore,
		Hub:       hub,
		Meshes:    blob.LocalFS{Root: cfg.MeshRoot},
		Relay:     mqttRelay,
		StaticDir: cfg.StaticDir,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go pruneCompleted(ctx, registry)

	errc := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", cfg.Addr, "meshRoot", cfg.MeshRoot, "workers", cfg.Workers)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("waiting for running jobs")
	eng.Wait()
}

func pruneCompleted(ctx context.Context, registry *jobs.Registry) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := registry.Prune(time.Now().Add(-completedRetention)); n > 0 {
				slog.Debug("pruned completed jobs", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
