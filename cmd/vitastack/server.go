package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vitastack/internal/api"
	"github.com/kalambet/vitastack/internal/composer"
	"github.com/kalambet/vitastack/internal/config"
	"github.com/kalambet/vitastack/internal/proxy"
	"github.com/kalambet/vitastack/internal/session"
	"github.com/kalambet/vitastack/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vitastack server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vitastack server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, store and model status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		showStatus(cmd.Context(), cfg)
		return nil
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vitastack.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app holds the long-lived dependencies shared by the HTTP and MCP servers.
type app struct {
	store    storage.Profiles
	sessions *session.Handler
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.OpenDriver(ctx, cfg.Storage.Driver, cfg.Storage.DataDir, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	model := proxy.NewClientWithBaseURL(cfg.Model.APIKey, cfg.Model.BaseURL)
	model.SetStreamTimeout(cfg.Model.StreamTimeout)

	sessions := session.NewHandler(store, model, composer.New(cfg.Model.Name), session.Options{
		WriteTimeout: cfg.Storage.WriteTimeout,
		Logger:       logger,
	})
	return &app{store: store, sessions: sessions}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func runServer() error {
	fmt.Fprintln(diag, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL(cfg)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Server.APIToken == "" {
		logger.Info("no API token configured, endpoints are open to allowed origins")
	}

	tracker := api.NewTracker()
	handler := api.NewHandler(api.Deps{
		Sessions:       a.sessions,
		AllowedOrigins: cfg.Server.Origins(),
		APIToken:       cfg.Server.APIToken,
		Logger:         logger,
		Tracker:        tracker,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(tracker.Cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printStep("vitastack listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(diag, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, srv, tracker)
	})
	return g.Wait()
}

// shutdown stops the listener, cancels live sessions and waits for them,
// including their store writes, so the store can be closed afterwards.
func shutdown(ctx context.Context, srv *http.Server, tracker *api.Tracker) error {
	err := srv.Shutdown(ctx)
	if werr := tracker.Shutdown(ctx); werr != nil {
		return errors.Join(err, fmt.Errorf("waiting for sessions: %w", werr))
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("vitastack is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop vitastack (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to vitastack (PID %d)", pid)
	return nil
}

func healthURL(cfg config.Config) string {
	return "http://" + cfg.Server.Addr() + "/health"
}

// showStatus reports each component independently; one failing check does
// not hide the others.
func showStatus(ctx context.Context, cfg config.Config) {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(healthURL(cfg))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on %s", cfg.Server.Addr())
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if store, err := storage.OpenDriver(storeCtx, cfg.Storage.Driver, cfg.Storage.DataDir, cfg.Storage.DatabaseURL); err != nil {
		printStatus("Store", "unavailable (%v)", err)
	} else {
		n, err := store.CountProfiles(storeCtx)
		if err != nil {
			printStatus("Store", "%s, count failed: %v", cfg.Storage.Driver, err)
		} else {
			printStatus("Store", "%s, %d profiles", cfg.Storage.Driver, n)
		}
		store.Close()
	}

	printStatus("Model", "%s at %s", cfg.Model.Name, cfg.Model.BaseURL)
	if cfg.Model.APIKey == "" {
		printStatus("Model API", "no API key configured")
	} else {
		modelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		models, err := proxy.NewClientWithBaseURL(cfg.Model.APIKey, cfg.Model.BaseURL).ListModels(modelCtx)
		if err != nil {
			printStatus("Model API", "unreachable (%v)", err)
		} else {
			printStatus("Model API", "reachable, %d models", len(models))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}
