// Command gputaskd runs the GPU task scheduler daemon: it accepts task
// submissions over HTTP, queues them, and launches them onto idle GPUs
// inside detached tmux sessions.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/config"
	"github.com/agentaflow/gpu-task-scheduler/pkg/gpu"
	"github.com/agentaflow/gpu-task-scheduler/pkg/httpapi"
	"github.com/agentaflow/gpu-task-scheduler/pkg/launcher"
	"github.com/agentaflow/gpu-task-scheduler/pkg/manager"
	"github.com/agentaflow/gpu-task-scheduler/pkg/observability"
	"github.com/agentaflow/gpu-task-scheduler/pkg/scheduler"
	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", "", "override listen_addr from config")
	runtimeDir := flag.String("runtime-dir", "", "override runtime_dir from config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gputaskd: failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *runtimeDir != "" {
		cfg.RuntimeDir = *runtimeDir
	}

	if err := run(cfg); err != nil {
		log.Fatalf("gputaskd: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger := log.New(log.Writer(), "[gputaskd] ", log.LstdFlags)

	if err := os.MkdirAll(cfg.RuntimeDir, 0o750); err != nil {
		return err
	}

	tracingService, err := observability.NewTracingService(cfg.TracingServiceConfig())
	if err != nil {
		return err
	}
	defer tracingService.Shutdown(context.Background())

	st, err := store.Open(filepath.Join(cfg.RuntimeDir, "tasks.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	prober := gpu.NewNvidiaSMIProber()
	host := session.NewTmuxHost()
	taskDir := filepath.Join(cfg.RuntimeDir, "tasks")
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	l := launcher.New(taskDir, workDir, cfg.CondaInitScript, st, host)
	sched := scheduler.New(prober, host, st, l, cfg.PollInterval)
	mgr := manager.New(st, sched, prober, host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	router := httpapi.NewRouter(mgr, tracingService, cfg.FrontendOrigins)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (runtime dir %s)", cfg.ListenAddr, cfg.RuntimeDir)
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Printf("received signal %s, shutting down", sig)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
