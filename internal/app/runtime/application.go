// Package runtime wires configuration, storage, services and the HTTP
// server into a runnable process.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/raisefi/offering_layer/internal/app"
	escrowsvc "github.com/raisefi/offering_layer/internal/app/services/escrow"
	offeringsvc "github.com/raisefi/offering_layer/internal/app/services/offering"
	positionsvc "github.com/raisefi/offering_layer/internal/app/services/position"
	"github.com/raisefi/offering_layer/internal/app/httpapi"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	"github.com/raisefi/offering_layer/internal/app/storage/postgres"
	"github.com/raisefi/offering_layer/internal/config"
	"github.com/raisefi/offering_layer/internal/middleware"
	"github.com/raisefi/offering_layer/pkg/logger"
)

// Application wires core dependencies and manages the process lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
}

// NewApplication constructs a runnable application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig constructs a runnable application from an already
// loaded configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	stores := app.Stores{}
	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := postgres.Migrate(db); err != nil {
				db.Close()
				return nil, err
			}
		}
		store := postgres.New(db)
		stores = app.Stores{
			Offerings:  store,
			Escrow:     store,
			Positions:  store,
			Balances:   store,
			PriceFeeds: store,
		}
	} else {
		log.Warn("database dsn not configured; using in-memory storage")
	}

	application, err := app.New(stores, app.Options{
		Roles: app.Roles{
			Escrow: escrowsvc.Roles{
				Treasury: cfg.Roles.Treasury,
				Owner:    cfg.Roles.Owner,
			},
			Position: positionsvc.Roles{
				Admins:       cfg.Roles.Admins,
				PayoutAdmins: cfg.Roles.PayoutAdmins,
			},
			Offering: offeringsvc.Roles{
				Routers: cfg.Roles.Routers,
			},
		},
		AccrualSpec: cfg.Scheduler.AccrualSpec,
	}, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("build application: %w", err)
	}

	handler := buildHandler(cfg, application, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpServer,
		db:         db,
	}, nil
}

func buildHandler(cfg *config.Config, application *app.Application, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/", httpapi.NewHandler(application))

	var handler http.Handler = mux
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)
		limiter.StartCleanup(10 * time.Minute)
		handler = limiter.Handler(handler)
	}
	if cfg.Auth.Secret != "" {
		auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.Secret), log, cfg.Auth.SkipPaths)
		handler = auth.Handler(handler)
	} else {
		log.Warn("auth secret not configured; API is unauthenticated")
	}
	handler = middleware.NewCORSMiddleware(cfg.CORS.AllowedOrigins).Handler(handler)
	return metrics.InstrumentHandler(handler)
}

// Services exposes the wired service container.
func (a *Application) Services() *app.Application {
	return a.app
}

// Run starts background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, background services and the
// database connection.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
