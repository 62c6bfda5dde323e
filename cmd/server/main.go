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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"docket/internal/platform/config"
	"docket/internal/platform/database"
	"docket/internal/platform/httpserver"
	"docket/internal/platform/logger"
	"docket/internal/platform/metrics"
	recordsHandler "docket/internal/records/handler"
	recordsMetrics "docket/internal/records/metrics"
	recordsService "docket/internal/records/service"
	"docket/internal/records/store"
	httptransport "docket/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.FromEnv()
	if err := parseFlags(&cfg, args); err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recordStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.DefaultRegisterer
	svc := recordsService.New(recordStore,
		recordsService.WithLogger(log),
		recordsService.WithMetrics(recordsMetrics.New(registry)),
	)
	records := recordsHandler.New(svc, log,
		recordsHandler.WithMaxUploadBytes(cfg.MaxUploadBytes),
		recordsHandler.WithExportFilename(cfg.ExportFilename),
	)
	router := httptransport.NewRouter(log, metrics.New(registry), prometheus.DefaultGatherer, records)
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting docket", "addr", cfg.Addr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func parseFlags(cfg *config.Server, args []string) error {
	flagSet := pflag.NewFlagSet("docket", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (DOCKET_ADDR)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (DOCKET_LOG_LEVEL)")
	flagSet.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "record store backend: postgres or memory (DOCKET_STORE)")
	flagSet.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "maximum request body size for uploads (DOCKET_MAX_UPLOAD_BYTES)")
	flagSet.StringVar(&cfg.ExportFilename, "export-filename", cfg.ExportFilename, "download name of the export archive (DOCKET_EXPORT_FILENAME)")
	flagSet.StringVar(&cfg.Database.URL, "database-url", cfg.Database.URL, "PostgreSQL connection string (DATABASE_URL)")
	flagSet.StringVar(&cfg.Database.Driver, "database-driver", cfg.Database.Driver, "SQL driver: pgx or postgres (DATABASE_DRIVER)")
	flagSet.IntVar(&cfg.Database.MaxOpenConns, "db-max-open-conns", cfg.Database.MaxOpenConns, "connection pool size (DOCKET_DB_MAX_OPEN_CONNS)")
	flagSet.BoolVar(&cfg.Database.ApplySchema, "apply-schema", cfg.Database.ApplySchema, "create the records table if missing (DOCKET_APPLY_SCHEMA)")
	return flagSet.Parse(args)
}

func openStore(ctx context.Context, cfg config.Server, log *slog.Logger) (recordsService.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn("using in-memory record store; data is lost on restart")
		return store.NewInMemory(), func() {}, nil
	case config.StoreBackendPostgres:
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Error("close database", "error", err)
		}
	}
	if cfg.Database.ApplySchema {
		if err := store.ApplySchema(ctx, db); err != nil {
			closeDB()
			return nil, nil, err
		}
		log.Info("records schema applied")
	}
	return store.NewPostgres(db), closeDB, nil
}
