// Cowork orchestrator server — accepts chat turns over HTTP, runs the
// multi-agent engine per project, and mirrors step events to WebSocket
// subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cowork-ai/cowork/pkg/api"
	"github.com/cowork-ai/cowork/pkg/cleanup"
	"github.com/cowork-ai/cowork/pkg/config"
	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/deps"
	"github.com/cowork-ai/cowork/pkg/engine"
	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/queue"
	"github.com/cowork-ai/cowork/pkg/skill"
	"github.com/cowork-ai/cowork/pkg/version"
	"github.com/cowork-ai/cowork/pkg/workdir"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		slog.Error("Failed to load settings file", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting cowork",
		"version", version.Full(),
		"port", cfg.Port,
		"app_env", cfg.AppEnv,
		"skills_mode", cfg.SkillsMode)

	// 2. Prepare the filesystem workspace
	wd, err := workdir.NewManager(cfg.WorkdirRoot)
	if err != nil {
		slog.Error("Failed to prepare workdir", "error", err)
		os.Exit(1)
	}
	slog.Info("Workdir ready", "root", wd.Root())

	sweeper := cleanup.NewService(wd.Root(), cleanup.Policy{
		UploadTTL:  7 * 24 * time.Hour,
		ProjectTTL: 30 * 24 * time.Hour,
		Interval:   time.Hour,
	})
	sweeper.Start(context.Background())

	// 3. Connect the Core service client and start the persistence worker
	core := coreapi.NewClient(cfg.CoreAPIURL, cfg.CoreAPIInternalKey)
	recorder := coreapi.NewRecorder(core)
	recorder.Start()
	slog.Info("Core client initialized", "url", cfg.CoreAPIURL)

	// 4. Load skill packs
	packs, err := skill.LoadPacks(cfg.SkillPackRoot)
	if err != nil {
		slog.Error("Failed to load skill packs", "error", err)
		os.Exit(1)
	}
	skills := skill.NewEngine(skill.ParseMode(cfg.SkillsMode), packs)
	slog.Info("Skill packs loaded", "count", len(packs), "mode", cfg.SkillsMode)

	// 5. Build the engine
	eng := engine.New(engine.Options{
		Core:            core,
		Sink:            recorder,
		LLM:             llm.NewClient(),
		Skills:          skills,
		Workdir:         wd,
		SearchEndpoint:  cfg.SearchEndpoint,
		ApprovalTimeout: cfg.ApprovalTimeout,
		DefaultAllow:    cfg.DefaultAllow,
		MemorySearch:    cfg.MemorySearchPastChats,
		CustomAgents:    settings.CustomAgents(),

		WorkforceConcurrency: settings.Workforce.Concurrency,
		WorkforceRetryLimit:  settings.Workforce.RetryLimit,
	})

	// 6. Start the event hub and the per-project queue manager
	hub := events.NewHub(10 * time.Second)
	manager := queue.NewManager(eng, hub)

	// 7. Bind HTTP
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	installer := deps.NewInstaller(installSteps(cfg.DepsInstallCommand))
	server := api.NewServer(manager, core, wd, hub, installer)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 8. Wait for a signal, then shut down in dependency order: stop
	// accepting requests, drain running turns, flush the recorder.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	manager.Shutdown()
	sweeper.Stop()
	recorder.Stop()
	slog.Info("Shutdown complete")
}

// installSteps turns the configured install command into installer steps.
// One shell command for now; an empty command means nothing to install.
func installSteps(command string) []deps.Step {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	return []deps.Step{{Name: "install", Command: "sh", Args: []string{"-c", command}}}
}
