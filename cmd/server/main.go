package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codestream/internal/broadcast"
	"codestream/internal/platform/config"
	"codestream/internal/platform/logger"
	"codestream/internal/platform/metrics"
	"codestream/internal/workspace"

	"github.com/go-chi/chi/v5"
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	shutdownTimeout := config.GetEnvDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	launcher := broadcast.NewExecLauncher(broadcast.ResolveEncoderPath(config.GetEnv("ENCODER_PATH", ""), "./bin"))
	if err := launcher.Check(); err != nil {
		log.Warn("encoder not available, broadcasts will fail until it is installed",
			"path", launcher.Path(),
			"error", err,
		)
	}

	capture := broadcast.HostCapture()
	if f := config.GetEnv("CAPTURE_FORMAT", ""); f != "" {
		capture.Format = f
	}
	if in := config.GetEnv("CAPTURE_INPUT", ""); in != "" {
		capture.Input = in
	}

	sup := broadcast.NewSupervisor(broadcast.Options{
		Launcher:         launcher,
		IngestBaseURL:    config.GetEnv("INGEST_BASE_URL", broadcast.DefaultIngestBaseURL),
		Capture:          capture,
		GracePeriod:      config.GetEnvDuration("STOP_GRACE_PERIOD", broadcast.DefaultGracePeriod),
		SubscriberBuffer: config.GetEnvInt("SUBSCRIBER_BUFFER", broadcast.DefaultSubscriberBuffer),
		Logger:           logger.Component(log, "broadcast"),
		Recorder:         met,
	})

	store, closeStore, err := openMirrorStore(config.GetEnv("WORKSPACE_DB", ""))
	if err != nil {
		log.Error("open mirror store failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	baseDir := config.GetEnv("WORKSPACE_BASE_DIR", workspace.DefaultBaseDir)
	ws, err := workspace.NewService(workspace.Options{
		BaseDir:   baseDir,
		Namespace: config.GetEnv("WORKSPACE_NAMESPACE", workspace.DefaultNamespace),
		Ignore:    config.GetEnvList("WORKSPACE_IGNORE"),
		VCS:       workspace.NewGitClient(config.GetEnv("GIT_PATH", "git")),
		Store:     store,
		Logger:    logger.Component(log, "workspace"),
		Recorder:  met,

		AllowLocalRemotes: config.GetEnvBool("WORKSPACE_ALLOW_LOCAL_REMOTES", false),
	})
	if err != nil {
		log.Error("workspace setup failed", "error", err)
		os.Exit(1)
	}

	bh := broadcast.NewHandler(sup, logger.Component(log, "broadcast"))
	wh := workspace.NewHandler(ws, logger.Component(log, "workspace"))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler())
	r.Route("/broadcast", bh.Routes)
	wh.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"encoder", launcher.Path(),
		"capture_format", capture.Format,
		"workspace_base_dir", ws.BaseDir(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		log.Error("broadcast shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		closeStore()
		os.Exit(1)
	}

	log.Info("server stopped")
}
