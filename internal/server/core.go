package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/oracle"
	"github.com/mbd888/riskwatch/internal/pipeline"
	"github.com/mbd888/riskwatch/internal/risk"
)

// Core is the scoring pipeline and its storage, shared by the HTTP server
// and the riskctl batch commands.
type Core struct {
	DB        *sql.DB // nil if using in-memory
	Events    activity.Store
	Alerts    risk.Store
	Oracle    *oracle.Client
	Updater   *risk.Updater
	Processor *pipeline.Processor
}

// Build opens storage (Postgres if DATABASE_URL is set, otherwise
// in-memory) and wires the oracle client, updater and processor. Alert
// notices go to notifier.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, notifier risk.Notifier) (*Core, error) {
	c := &Core{}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		events := activity.NewPostgresStore(db)
		if err := events.Migrate(ctx); err != nil {
			logger.Warn("failed to migrate activity store", "error", err)
		}
		alerts := risk.NewPostgresStore(db)
		if err := alerts.Migrate(ctx); err != nil {
			logger.Warn("failed to migrate risk store", "error", err)
		}

		c.DB = db
		c.Events = events
		c.Alerts = alerts
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		events := activity.NewMemoryStore()
		c.Events = events
		c.Alerts = risk.NewMemoryStore(events)
		logger.Info("using in-memory storage (data will not persist)")
	}

	c.Oracle = oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout, oracle.WithLogger(logger))
	c.Updater = risk.NewUpdater(c.Events, c.Alerts,
		risk.WithNotifier(notifier),
		risk.WithLogger(logger),
	)
	c.Processor = pipeline.NewProcessor(c.Events, c.Oracle, c.Updater, pipeline.WithLogger(logger))

	logger.Info("risk oracle configured", "url", cfg.OracleURL, "timeout", cfg.OracleTimeout)
	return c, nil
}

// Close releases the database pool.
func (c *Core) Close() error {
	if c.DB == nil {
		return nil
	}
	if err := c.DB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
