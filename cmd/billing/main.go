/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run migrations, start the HTTP API and the schedule extender
  migrate   Apply database migrations and exit
  scenario  Load a demo scenario into the configured database and exit

FLAGS:
  --config  Path to a YAML config file (default: ./billing.yaml if present)

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults < file < BILLING_* environment)
  2. Build the zap logger and register Prometheus collectors
  3. Open the store (sqlite3 or pgx) and migrate
  4. Wire handler, router and schedule extender
  5. Start HTTP server and extender; stop both on SIGINT/SIGTERM

EXAMPLES:
  # Run with file database
  ./billing serve --config=./billing.yaml

  # Run with in-memory database
  BILLING_DATABASE_DSN=":memory:" ./billing serve

  # Run against Postgres
  BILLING_DATABASE_DRIVER=pgx BILLING_DATABASE_DSN=postgres://... ./billing serve

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlstore/store.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/metrics"
	"github.com/warp/billing-engine/store/sqlstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "billing",
		Short:        "Gym membership billing engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath), newScenarioCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the schedule extender",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			app := fx.New(
				baseModule(cfg),
				fx.Provide(newHandler, newExtender, newHTTPServer),
				fx.Invoke(startExtender, startHTTPServer),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			// opening the store migrates it
			return runOnce(fx.New(baseModule(cfg), fx.Invoke(func(*sqlstore.Store) {})))
		},
	}
}

func newScenarioCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <id>",
		Short: "Reset the database and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runOnce(fx.New(
				baseModule(cfg),
				fx.Provide(newHandler),
				fx.Invoke(func(lc fx.Lifecycle, h *api.Handler) {
					lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
						return h.LoadScenarioByID(ctx, args[0])
					}})
				}),
			))
		},
	}
}

// runOnce starts and immediately stops an app whose work happens in OnStart hooks.
func runOnce(app *fx.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(context.Background())
}

// =============================================================================
// MODULE
// =============================================================================

func baseModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(logger.New, newStore),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(func(log *zap.Logger) {
			metrics.Init(prometheus.DefaultRegisterer, log)
		}),
	)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*sqlstore.Store, error) {
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return store.Close()
	}})
	return store, nil
}

func newHandler(store *sqlstore.Store, cfg *config.Config, log *zap.Logger) *api.Handler {
	h := api.NewHandler(store, generic.SystemClock{}, log)
	h.HorizonMonths = cfg.Scheduler.HorizonMonths
	h.DefaultGroup = cfg.Billing.DefaultGroup
	return h
}

func newExtender(h *api.Handler, cfg *config.Config, log *zap.Logger) *api.ScheduleExtender {
	ext := api.NewScheduleExtender(h.Store, h.Generator, log)
	ext.Enabled = cfg.Scheduler.Enabled
	ext.CheckInterval = cfg.Scheduler.Interval
	ext.HorizonMonths = cfg.Scheduler.HorizonMonths
	return ext
}

func newHTTPServer(h *api.Handler, cfg *config.Config) *http.Server {
	router := api.NewRouter(h, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       prometheus.DefaultGatherer,
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func startExtender(lc fx.Lifecycle, ext *api.ScheduleExtender) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ext.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			ext.Stop()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *http.Server, cfg *config.Config, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", srv.Addr)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
				}
			}()
			log.Info("server started", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server")
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
