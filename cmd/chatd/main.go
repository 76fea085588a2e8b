package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stampatlas/voicekit/chat"
	"github.com/stampatlas/voicekit/shared"
)

const envKeyAPIKey = "OPENAI_API_KEY"

type config struct {
	Addr          string        `yaml:"addr"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Instructions  string        `yaml:"instructions"`
	RateLimit     int           `yaml:"rate_limit"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LogFile       string        `yaml:"log_file"`
}

func defaultConfig() config {
	return config{
		Addr:          ":8080",
		Model:         "gpt-4.1-mini",
		Instructions:  "You are the Stamp Atlas catalog assistant. Answer questions about stamps concisely.",
		RateLimit:     60,
		StaleAfter:    60 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	cfgPath := shared.MustGetenv(shared.GetenvString, "CHATD_CONFIG", false, "")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		panic(err)
	}

	var logger shared.LoggerAdapter
	if cfg.LogFile != "" {
		logger = shared.NewFileLogger(cfg.LogFile, 10, 2, 3, false)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "chatd"),
		zap.String("version", shared.Version),
	)

	apiKey, err := shared.Getenv(shared.GetenvString, envKeyAPIKey, true, "")
	if err != nil {
		logger.Error("loading API key", err)
		os.Exit(1)
	}

	runner := chat.NewResponsesRunner(apiKey, cfg.BaseURL, cfg.Model, cfg.Instructions)
	store := chat.NewStore(logger, runner, cfg.StaleAfter)
	handler := chat.NewHandler(logger, store)
	handler.RateLimit = cfg.RateLimit

	root := chi.NewRouter()
	root.Mount("/api/chat", handler.Routes())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chat server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		store.RunSweeper(ctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("chat server exited", err)
		os.Exit(1)
	}
	logger.Info("chat server stopped")
}
