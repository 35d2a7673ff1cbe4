package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/chatlog"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/gateway"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/llm"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/logger"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/tracer"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/library"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	for i := 1; i < len(os.Args)-1; i++ {
		if os.Args[i] == "--config" {
			return os.Args[i+1]
		}
	}
	if v := os.Getenv("BIBLESTUDY_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func run() error {
	// 1. Config (.env first so env overrides see it)
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Agent library
	lib, err := library.Load(cfg.Library)
	if err != nil {
		return fmt.Errorf("library: %w", err)
	}
	log.Info("agent library loaded", "path", cfg.Library, "agents", lib.Len())

	// 4. Providers, each behind its own circuit breaker
	registry := llm.NewRegistry()

	ollama := llm.NewOllamaProvider(cfg.Providers.Ollama, log)
	if err := registry.Register(llm.NewBreakerProvider(ollama, cfg.Breaker, log)); err != nil {
		return fmt.Errorf("register ollama: %w", err)
	}
	if !ollama.IsHealthy(ctx) {
		log.Warn("ollama is not reachable; agents bound to it will fail until it comes up",
			"base_url", cfg.Providers.Ollama.BaseURL)
	}

	if cfg.Providers.Mistral.APIKey != "" {
		mistral := llm.NewMistralProvider(cfg.Providers.Mistral, log)
		if err := registry.Register(llm.NewBreakerProvider(mistral, cfg.Breaker, log)); err != nil {
			return fmt.Errorf("register mistral: %w", err)
		}
	} else {
		log.Warn("MISTRAL_API_KEY not set; mistral provider disabled")
	}

	// Fail fast if the library binds an agent to a provider we never
	// registered (e.g. mistral without a key).
	for _, name := range lib.Providers() {
		if _, err := registry.Get(name); err != nil {
			log.Warn("library references an unavailable provider", "provider", name)
		}
	}

	// 5. Rate limiter & orchestrator
	limiter := usecase.NewClientLimiter(cfg.Admission)
	defer limiter.Close()

	orch := usecase.NewOrchestrator(lib, registry, limiter, cfg.Orchestrator, log)

	// 6. Chat log (optional)
	var recorder gateway.Recorder
	if cfg.ChatLog.Enabled {
		store, err := chatlog.NewStore(cfg.ChatLog.Path)
		if err != nil {
			return fmt.Errorf("chatlog: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	// 7. Gateway
	var auth gateway.Authenticator = gateway.NoAuth{}
	if len(cfg.Gateway.Auth.Tokens) > 0 {
		auth = gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens)
	}

	srv := gateway.NewServer(orch, recorder, auth, cfg.Gateway.Addr, log)
	srv.RegisterStatusRoutes(registry, lib.Len())

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
