// Execwatch follows executions on a push endpoint and serves their current
// state over HTTP.
//
// It loads configuration, opens the managed WebSocket connection, subscribes
// to the configured execution ids and exposes /health, /executions and
// Prometheus metrics. Shutdown is handled gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/execstream/internal/auth"
	"github.com/rickgao/execstream/internal/config"
	"github.com/rickgao/execstream/internal/connection"
	"github.com/rickgao/execstream/internal/execution"
	"github.com/rickgao/execstream/internal/logging"
	"github.com/rickgao/execstream/internal/metrics"
	"github.com/rickgao/execstream/internal/realtime"
	"github.com/rickgao/execstream/internal/version"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "configs/execwatch.yaml", "path to config file")
		url        = pflag.String("url", "", "push endpoint URL (overrides server.url)")
		subscribe  = pflag.StringSliceP("subscribe", "s", nil, "execution ids to follow (adds to subscriptions.ids)")
		verbose    = pflag.BoolP("verbose", "v", false, "debug logging")
		showVer    = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, *url, *subscribe, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execwatch: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execwatch: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting execwatch", version.Attr(), "config", *configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("execwatch failed", "error", err)
		os.Exit(1)
	}
	logger.Info("execwatch stopped")
}

// loadConfig reads the file, applies flag overrides and validates the result.
func loadConfig(path, url string, subscribe []string, verbose bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if url != "" {
		cfg.Server.URL = url
	}
	cfg.Subscriptions.IDs = append(cfg.Subscriptions.IDs, subscribe...)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("metrics registration failed", "error", err)
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	ctx, stop := context.WithCancelCause(sigCtx)
	defer stop(nil)

	client := realtime.New(clientConfig(cfg, creds, logger, stop), logger)

	if err := client.Start(context.Background()); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	client.Connect()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHandler(client, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		return client.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return exitErr(ctx)
}

// exitErr reports why ctx ended when the cause was giving up on the
// endpoint. Signal shutdown is not an error.
func exitErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, connection.ErrMaxAttempts) {
		return cause
	}
	return nil
}

// clientConfig maps file configuration onto the client. Giving up after
// max attempts stops the process with ErrMaxAttempts as the cause.
func clientConfig(cfg *config.Config, creds *auth.Credentials, logger *slog.Logger, stop context.CancelCauseFunc) realtime.Config {
	return realtime.Config{
		Transport:     cfg.ClientOptions(creds),
		Reconnect:     cfg.ManagerOptions(),
		Router:        cfg.RouterOptions(),
		Subscriptions: cfg.Subscriptions.IDs,

		OnOpen: func(connID int) {
			logger.Info("connected", "conn_id", connID)
		},
		OnClose: func(ev connection.CloseEvent) {
			logger.Info("disconnected",
				"conn_id", ev.ConnID,
				"code", ev.Code,
				"reason", ev.Reason,
				"clean", ev.Clean,
			)
		},
		OnError: func(err error) {
			logger.Warn("client error", "error", err)
		},
		OnMaxAttempts: func(attempts int) {
			logger.Error("giving up on push endpoint", "attempts", attempts)
			stop(fmt.Errorf("giving up on %s: %w after %d attempts", cfg.Server.URL, connection.ErrMaxAttempts, attempts))
		},
		OnPhaseChange: func(from, to connection.Phase) {
			logger.Debug("phase change", "from", from, "to", to)
		},

		Executions: execution.Callbacks{
			OnStarted: func(rec execution.Record) {
				logger.Info("execution started", "execution_id", rec.ID)
			},
			OnProgress: func(rec execution.Record) {
				logger.Debug("execution progress", "execution_id", rec.ID, "updated_at", rec.UpdatedAt)
			},
			OnCompleted: func(rec execution.Record) {
				logger.Info("execution completed", "execution_id", rec.ID)
			},
			OnFailed: func(rec execution.Record) {
				logger.Warn("execution failed", "execution_id", rec.ID)
			},
		},
	}
}

// newHandler serves health, tracked executions and Prometheus metrics.
func newHandler(client *realtime.Client, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := client.Stats()

		health := struct {
			Status        string `json:"status"`
			Phase         string `json:"phase"`
			Attempts      int    `json:"attempts"`
			LastError     string `json:"last_error,omitempty"`
			Executions    int    `json:"executions"`
			Subscriptions int    `json:"subscriptions"`
			Version       string `json:"version"`
		}{
			Status:        "healthy",
			Phase:         stats.Connection.Phase.String(),
			Attempts:      stats.Connection.Attempts,
			Executions:    stats.Executions.Tracked,
			Subscriptions: stats.Subscriptions,
			Version:       version.Version,
		}
		if stats.Connection.LastError != nil {
			health.LastError = stats.Connection.LastError.Error()
		}

		code := http.StatusOK
		switch stats.Connection.Phase {
		case connection.PhaseOpen:
		case connection.PhaseClosed:
			health.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		default:
			health.Status = "degraded"
		}

		writeJSON(w, code, health)
	})

	mux.HandleFunc("/executions", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			rec, ok := client.Execution(id)
			if !ok {
				http.Error(w, "execution not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}
		writeJSON(w, http.StatusOK, client.Executions())
	})

	mux.Handle(metricsPath, metrics.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
