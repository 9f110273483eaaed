package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/model"
	"inferd/internal/registry"
	"inferd/internal/session"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath       string
		addr          string
		modelsDir     string
		defaultModel  string
		contextSize   int
		cacheBudgetMB int
		streamBuffer  int
		threads       int
		gpuLayers     int
		logLevel      string
		corsOrigins   string
	)
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Streaming token-generation session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags explicitly set on the command line win over the file.
			override := func(name string, apply func()) {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			override("addr", func() { cfg.Addr = addr })
			override("models-dir", func() { cfg.ModelsDir = modelsDir })
			override("default-model", func() { cfg.DefaultModel = defaultModel })
			override("context-size", func() { cfg.ContextSize = contextSize })
			override("cache-budget-mb", func() { cfg.CacheBudgetMB = cacheBudgetMB })
			override("stream-buffer", func() { cfg.StreamBuffer = streamBuffer })
			override("threads", func() { cfg.Threads = threads })
			override("gpu-layers", func() { cfg.GPULayers = gpuLayers })
			override("log-level", func() { cfg.LogLevel = logLevel })
			applyDefaults(&cfg, addr, modelsDir, contextSize, logLevel)
			return serve(cfg, splitCSV(corsOrigins))
		},
	}
	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "Path to a yaml/json/toml config file")
	f.StringVar(&addr, "addr", ":8080", "HTTP listen address, e.g. :8080")
	f.StringVar(&modelsDir, "models-dir", "~/models/llm", "Directory to scan for *.gguf model files")
	f.StringVar(&defaultModel, "default-model", "", "Default model id when request omits model")
	f.IntVar(&contextSize, "context-size", model.DefaultContextSize, "Context length for loaded models")
	f.IntVar(&cacheBudgetMB, "cache-budget-mb", 0, "KV cache budget in MB across all sessions (0=unlimited)")
	f.IntVar(&streamBuffer, "stream-buffer", 0, "Buffered token events per stream before drop-oldest")
	f.IntVar(&threads, "threads", 0, "Backend thread count (0=runtime default)")
	f.IntVar(&gpuLayers, "gpu-layers", 0, "GPU layers to offload (0=CPU only)")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated CORS origins (empty disables CORS)")
	return root
}

func applyDefaults(cfg *config.Config, addr, modelsDir string, contextSize int, logLevel string) {
	if cfg.Addr == "" {
		cfg.Addr = addr
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = modelsDir
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = contextSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
}

func serve(cfg config.Config, corsOrigins []string) error {
	logger := newLogger(cfg.LogLevel)

	catalog, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		logger.Error().Err(err).Str("dir", cfg.ModelsDir).Msg("failed to scan models dir")
		return err
	}
	logger.Info().Int("models", len(catalog)).Str("dir", cfg.ModelsDir).Msg("model catalog loaded")

	backend := engine.NewDefault(cfg.Threads, cfg.GPULayers)
	reg := session.NewRegistry(session.Config{
		Catalog:      catalog,
		Backend:      backend,
		BudgetBytes:  int64(cfg.CacheBudgetMB) * 1024 * 1024,
		StreamBuffer: cfg.StreamBuffer,
		DefaultModel: cfg.DefaultModel,
		ContextSize:  cfg.ContextSize,
		Logger:       logger,
	})
	if cfg.DefaultModel != "" {
		if _, err := reg.LoadModel(cfg.DefaultModel, cfg.ContextSize); err != nil {
			logger.Warn().Err(err).Str("model", cfg.DefaultModel).Msg("default model not preloaded")
		}
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetLogger(logger)
	httpapi.SetBaseContext(baseCtx)
	if len(corsOrigins) > 0 {
		httpapi.SetCORSOptions(true, corsOrigins,
			[]string{"GET", "POST", "DELETE", "OPTIONS"},
			[]string{"Accept", "Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(reg)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-baseCtx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("registry drain error")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
