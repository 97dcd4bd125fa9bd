// Command infernod is a minimal host process embedding the inference
// runtime: it boots a mock provider by default (zero external
// dependencies), optionally serves an MCP tool surface over stdio, and
// optionally republishes every state transition as an SSE diagnostics
// stream for a companion UI.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpsdk "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/inferno"
	"github.com/ashita-ai/inferno/internal/config"
	"github.com/ashita-ai/inferno/internal/memory"
	"github.com/ashita-ai/inferno/internal/provider"
	"github.com/ashita-ai/inferno/internal/registry"
	"github.com/ashita-ai/inferno/internal/sse"
	"github.com/ashita-ai/inferno/internal/telemetry"
)

var version = "dev"

const teardownTimeout = 10 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("INFERNOD_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer shutdownCancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("infernod: otel shutdown failed", "error", err)
		}
	}()

	broker := sse.NewBroker(logger)

	opts := []inferno.Option{
		inferno.WithLogger(logger),
		inferno.WithStorageDir(cfg.StorageDir),
		inferno.WithLibVersion(version),
		inferno.WithMCPServer(),
		inferno.WithPrivacyMode(string(cfg.PrivacyMode)),
		inferno.WithTimeoutMultiplier(cfg.TimeoutMultiplier),
		inferno.WithQuotaMargin(cfg.QuotaSafetyMargin),
		inferno.WithPolicyOrder(policyOrder(cfg.ProviderPolicy.Order)...),
		inferno.WithRegistry(
			registry.WithMaxMemoryMB(cfg.MaxRegistryMemoryMB),
			registry.WithDefaultIdleTimeout(cfg.DefaultIdleTimeout),
		),
		inferno.WithEventHook(func(next, prev inferno.RuntimeState) {
			broker.PublishJSON("state", map[string]any{
				"state": string(next.Tag),
				"from":  string(prev.Tag),
			})
		}),
	}
	if cfg.QdrantURL != "" {
		opts = append(opts, inferno.WithMemory(memory.Config{
			Dims:             384,
			QdrantURL:        cfg.QdrantURL,
			QdrantAPIKey:     cfg.QdrantAPIKey,
			QdrantCollection: cfg.QdrantCollection,
		}))
	}

	rt, err := inferno.New(opts...)
	if err != nil {
		return err
	}

	logger.Info("infernod starting", "version", version, "storage_dir", cfg.StorageDir)

	if err := rt.Init(ctx); err != nil {
		return err
	}
	logger.Info("infernod ready", "state", string(rt.GetState().Tag))

	if mcpSrv := rt.MCP(); mcpSrv != nil && os.Getenv("INFERNOD_MCP_STDIO") == "1" {
		go func() {
			if err := mcpsdk.ServeStdio(mcpSrv.MCPServer()); err != nil {
				logger.Warn("infernod: mcp stdio server stopped", "error", err)
			}
		}()
		logger.Info("infernod: serving MCP tools over stdio")
	}

	var httpSrv *http.Server
	if addr := os.Getenv("INFERNOD_HTTP_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/events", diagnosticsStreamHandler(broker, logger))
		httpSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("infernod: serving diagnostics stream", "addr", addr, "path", "/events")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("infernod: diagnostics http server stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("infernod shutting down")

	if httpSrv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), teardownTimeout)
		_ = httpSrv.Shutdown(httpCtx)
		httpCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer shutdownCancel()
	if err := rt.Teardown(shutdownCtx); err != nil {
		logger.Warn("infernod: teardown failed", "error", err)
	}
	return nil
}

// diagnosticsStreamHandler serves the SSE diagnostics feed: every
// state transition published by the runtime's event hook, fanned out
// to however many companion-UI clients are connected.
func diagnosticsStreamHandler(broker *sse.Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := broker.Subscribe()
		defer broker.Unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if _, err := w.Write(event); err != nil {
					logger.Debug("infernod: diagnostics client disconnected", "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}

// policyOrder converts the config package's plain string provider order
// into the typed provider.ID slice inferno.WithPolicyOrder expects.
func policyOrder(order []string) []provider.ID {
	ids := make([]provider.ID, len(order))
	for i, s := range order {
		ids[i] = provider.ID(s)
	}
	return ids
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
