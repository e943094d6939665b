package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridworks/fieldsync/internal/api"
	"github.com/gridworks/fieldsync/internal/config"
	"github.com/gridworks/fieldsync/internal/gateway"
	"github.com/gridworks/fieldsync/internal/netmon"
	"github.com/gridworks/fieldsync/internal/reconcile"
	"github.com/gridworks/fieldsync/internal/snapshot"
	"github.com/gridworks/fieldsync/internal/store"
	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline-first field data collection agent",
	Long: "FieldSync keeps a field device's local record store durable while " +
		"offline and drains its queued mutations to the central field-service " +
		"API whenever the network allows.",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	initLogger(cfg.Log)
	slog.Info("configuration loaded")

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	gw := gateway.New(cfg.Remote.BaseURL,
		gateway.StaticTokenSource(cfg.Remote.Token),
		time.Duration(cfg.Remote.RequestTimeout),
		slog.Default())

	monitor := netmon.New(gw,
		time.Duration(cfg.Network.ProbeInterval),
		time.Duration(cfg.Network.ProbeTimeout),
		slog.Default())

	reconciler := reconcile.New(db, slog.Default())

	orch := syncpkg.NewOrchestrator(db, gw, reconciler, monitor, nil, syncpkg.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: time.Duration(cfg.Sync.BackoffBase),
		BackoffCap:  time.Duration(cfg.Sync.BackoffCap),
		BatchLimit:  cfg.Sync.BatchLimit,
	}, slog.Default())

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	handler := api.NewHandler(db, orch, monitor, cfg.Auth.APIKey)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, monitor.Run)
	startWorker(ctx, &wg, worker.NewSyncCoordinator(orch,
		time.Duration(cfg.Sync.Interval), monitor.Transitions()).Run)
	startWorker(ctx, &wg, worker.NewBackupCoordinator(db, uploader,
		time.Duration(cfg.Backup.Interval)).Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown; anything
		// else is a real failure that should take the agent down.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

// startWorker launches a background worker goroutine tracked for graceful
// shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
