package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/aiconfirm"
	"github.com/xkilldash9x/pdpwatch/internal/alert"
	"github.com/xkilldash9x/pdpwatch/internal/artifacts"
	"github.com/xkilldash9x/pdpwatch/internal/browser"
	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
	"github.com/xkilldash9x/pdpwatch/internal/fingerprint"
	"github.com/xkilldash9x/pdpwatch/internal/issues"
	"github.com/xkilldash9x/pdpwatch/internal/llmclient"
	"github.com/xkilldash9x/pdpwatch/internal/locking"
	"github.com/xkilldash9x/pdpwatch/internal/pipeline"
	"github.com/xkilldash9x/pdpwatch/internal/rescan"
	"github.com/xkilldash9x/pdpwatch/internal/store"
)

// components holds the initialized services shared by the commands.
type components struct {
	Config   *config.Config
	Repo     schemas.Repository
	Redis    *redis.Client
	Locker   schemas.PageLocker
	Rescans  rescan.Queue
	Issues   *issues.Engine
	Browser  *browser.Manager
	Pipeline *pipeline.Pipeline
}

// storeOnly connects just the repository and the issue engine, for commands
// that never open a browser.
func storeOnly(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{Config: cfg}
	repo, err := openRepository(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, err
	}
	c.Repo = repo
	c.Issues = issues.NewEngine(logger, repo)
	return c, nil
}

// initializeComponents handles dependency injection for scanning commands.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c, err := storeOnly(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Redis backs page locks and the rescan queue when configured.
	if cfg.Redis().Addr != "" {
		rdb, err := store.ConnectRedis(ctx, cfg.Redis(), logger)
		if err != nil {
			c.Shutdown(ctx)
			return nil, err
		}
		c.Redis = rdb
		c.Locker = locking.NewRedisLocker(rdb, logger)
		c.Rescans = rescan.NewRedisQueue(rdb, cfg.Redis().RescanKey)
	} else {
		logger.Info("Redis not configured, using in-process locks and rescan queue.")
		c.Locker = locking.NewLocal()
		c.Rescans = rescan.NewMemory()
	}

	shots, err := artifacts.New(ctx, cfg.Storage(), logger)
	if err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize screenshot storage: %w", err)
	}

	var ai *aiconfirm.Service
	if cfg.AI().Enabled {
		client, err := llmclient.NewClient(ctx, cfg.AI(), logger)
		if err != nil {
			// AI is optional; scans run without it.
			logger.Warn("AI client unavailable, AI confirmation disabled.", zap.Error(err))
		} else {
			ai = aiconfirm.New(client, cfg.AI(), logger)
		}
	}

	dispatcher, err := alert.NewFromConfig(cfg.Alerts(), c.Repo, logger)
	if err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize alerting: %w", err)
	}

	manager, err := browser.NewManager(ctx, logger, cfg)
	if err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	c.Browser = manager

	deps := pipeline.Deps{
		Sessions:  manager,
		Suite:     detectors.NewSuite(logger, cfg.Scan()),
		Issues:    c.Issues,
		Repo:      c.Repo,
		AI:        ai,
		Alerts:    dispatcher,
		Artifacts: shots,
		Rescans:   c.Rescans,
	}
	if cfg.Scan().Fingerprint {
		fp, err := fingerprint.New()
		if err != nil {
			logger.Warn("Technology fingerprinting disabled.", zap.Error(err))
		} else {
			deps.Fingerprinter = fp
		}
	}
	c.Pipeline = pipeline.New(deps, cfg.Scan(), logger)
	return c, nil
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Repository, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured, issues are kept in memory for this process only.")
		return store.NewMemory(logger), nil
	}
	db, err := store.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Shutdown closes every component that was opened.
func (c *components) Shutdown(_ context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := zap.L()
	if c.Browser != nil {
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing redis client.", zap.Error(err))
		}
	}
	if c.Repo != nil {
		c.Repo.Close()
	}
}
