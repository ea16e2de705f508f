// Command dx starts the service: it loads the environment's configuration,
// opens the database pool, and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kinto-dx/dx/internal/config"
	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/database/mysql"
	"github.com/kinto-dx/dx/internal/database/pool"
	"github.com/kinto-dx/dx/internal/database/postgres"
	"github.com/kinto-dx/dx/internal/errs"
	"github.com/kinto-dx/dx/internal/logger"
	"github.com/kinto-dx/dx/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// No logger config yet; fall back to defaults.
		logger.New(nil).ErrorWith("failed to load configuration", err, nil)
		return err
	}

	log := logger.New(cfg.Logger()).With().Str("env", cfg.Env).Logger()
	log.Info("starting dx")

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		log.ErrorWith("failed to initialize database", err, map[string]interface{}{
			"kind": errs.KindOf(err).String(),
		})
		return err
	}

	srv := server.New(cfg.Server, server.NewRouter(db, log), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()

		serr := srv.Shutdown(shutdownCtx)
		if serr != nil {
			log.ErrorWith("http server shutdown failed", serr, nil)
		}
		if err := db.Shutdown(shutdownCtx); err != nil {
			log.ErrorWith("database pool shutdown failed", err, nil)
			return err
		}
		return serr
	})

	if err := g.Wait(); err != nil {
		log.ErrorWith("dx stopped with error", err, nil)
		return err
	}
	log.Info("dx stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*pool.Pool, error) {
	pc, err := cfg.Pool()
	if err != nil {
		return nil, err
	}
	log.InfoWith("initializing database", map[string]interface{}{
		"driver": string(pc.Driver),
		"pool":   pc.Name,
	})

	connector, err := newConnector(pc)
	if err != nil {
		return nil, err
	}
	return pool.Open(ctx, pc, connector, log)
}

func newConnector(cfg *database.Config) (database.Connector, error) {
	switch cfg.Driver {
	case database.DriverPostgres:
		return postgres.New(cfg)
	case database.DriverMySQL:
		return mysql.New(cfg)
	default:
		return nil, errs.Newf(errs.ErrKindInvalidConfig, "unsupported driver %q", cfg.Driver)
	}
}
