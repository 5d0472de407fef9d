package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/codegen"
	"github.com/ent0n29/codecat/internal/config"
	"github.com/ent0n29/codecat/internal/devicelink"
	"github.com/ent0n29/codecat/internal/github"
	"github.com/ent0n29/codecat/internal/httpapi"
	"github.com/ent0n29/codecat/internal/observability"
	"github.com/ent0n29/codecat/internal/records"
	"github.com/ent0n29/codecat/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command surface, interactions webhook and bridge websocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	store, err := records.NewStore(ctx, cfg.DatabaseURL, cfg.RecordsFixtures)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	defer store.Close()

	var (
		generator          codegen.Generator
		defaultModel       string
		credentialOptional bool
	)
	switch cfg.CodegenProvider {
	case config.ProviderOllama:
		client, err := codegen.NewOllamaClient(cfg.OllamaHost, cfg.OllamaModel)
		if err != nil {
			return fmt.Errorf("ollama client init failed: %w", err)
		}
		generator, defaultModel, credentialOptional = client, cfg.OllamaModel, true
	default:
		generator = codegen.NewOpenRouterClient(cfg.OpenRouterBaseURL, cfg.OpenRouterModel)
		defaultModel = cfg.OpenRouterModel
	}
	logger.Info("code generation provider", zap.String("provider", cfg.CodegenProvider), zap.String("model", defaultModel))

	hosting := github.NewClient(cfg.GithubAPIBaseURL, cfg.GithubOAuthBaseURL)
	hub := chat.NewHub(logger.Named("chat"))

	orch, err := workflow.New(workflow.Options{
		Store:              store,
		Generator:          generator,
		Hosting:            hosting,
		Messenger:          hub,
		Directory:          hub,
		Logger:             logger.Named("workflow"),
		Metrics:            metrics,
		DefaultModel:       defaultModel,
		CredentialOptional: credentialOptional,
		NotifyConcurrency:  cfg.NotifyConcurrency,
		PipelineTimeout:    cfg.PipelineTimeout,
	})
	if err != nil {
		return err
	}
	hub.SetActionHandler(httpapi.ActionHandler(orch, logger.Named("bridge")))

	if n, err := orch.ReportOrphans(ctx); err != nil {
		logger.Warn("orphan scan failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("tasks left without an in-memory context; they stay in their stored status", zap.Int("count", n))
	}

	deps := httpapi.Deps{
		Workflow: orch,
		Bridge:   hub,
		Store:    store,
		Logger:   logger.Named("http"),
		Metrics:  metrics,
	}
	if cfg.DeviceFlowEnabled() {
		linker, err := devicelink.New(devicelink.Options{
			Store:        store,
			Directory:    hub,
			Authorizer:   hosting,
			ClientID:     cfg.GithubClientID,
			ClientSecret: cfg.GithubClientSecret,
			Logger:       logger.Named("devicelink"),
			Metrics:      metrics,
		})
		if err != nil {
			return err
		}
		defer linker.Close()
		deps.Linker = linker
	} else {
		logger.Info("github oauth not configured; /connect-github disabled")
	}

	api := httpapi.New(cfg, deps)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete", zap.Int("outstanding_tasks", orch.Outstanding()))
	return nil
}
