package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-workflow-editor/internal/config"
	"github.com/alimasry/go-workflow-editor/internal/logging"
	"github.com/alimasry/go-workflow-editor/internal/metrics"
	"github.com/alimasry/go-workflow-editor/server"
	"github.com/alimasry/go-workflow-editor/store"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the editing server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Addr, _ = cmd.Flags().GetString("addr")
		}

		level, _ := logging.ParseLevel(cfg.LogLevel)
		logger := logging.New(level)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, closeStore, err := openStore(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := server.NewHub(st,
		server.WithHubLogger(logger),
		server.WithMetrics(m),
		server.WithHistorySize(cfg.HistoryMax),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(hub, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete", "err", err)
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// openStore builds the configured store. Remote stores are wrapped in a
// write-behind cache; the returned func flushes and releases everything.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (store.WorkflowStore, func(), error) {
	var (
		backing store.WorkflowStore
		release func()
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.DriverRedis:
		var opts []store.RedisOption
		if cfg.Store.Redis.Prefix != "" {
			opts = append(opts, store.WithKeyPrefix(cfg.Store.Redis.Prefix))
		}
		rs := store.NewRedisStore(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB, opts...)
		backing, release = rs, func() { rs.Close() }
	case config.DriverPostgres:
		ps, err := store.NewPostgresStore(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			ps.Close()
			return nil, nil, err
		}
		backing, release = ps, ps.Close
	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Store.Firestore.Project)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore client: %w", err)
		}
		backing, release = store.NewFirestoreStore(client), func() { client.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	cached := store.NewCachedStore(backing, cfg.Store.FlushInterval,
		store.WithLogger(logger),
		store.WithFlushObserver(m.FlushFailed),
	)
	return cached, func() {
		cached.Close()
		release()
	}, nil
}
