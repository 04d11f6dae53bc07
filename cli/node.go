package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/songzhibin97/gkit/generator"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/songzhibin97/workflow-fsm/config"
	"github.com/songzhibin97/workflow-fsm/definition"
	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/runner"
	"github.com/songzhibin97/workflow-fsm/storage"
	"github.com/songzhibin97/workflow-fsm/workflow"
)

// idEpoch is the fixed start of the snowflake clock. It must never move,
// or ids generated after a restart could repeat earlier ones.
var idEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// node is one configured engine process.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *workflow.Engine
	redis   *redis.Client
	runner  *runner.RedisRunner
	closers []func() error
}

func openNode(ctx context.Context, configPath string, o *options) (_ *node, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, logger: cfg.NewLogger(o.logOutput)}
	defer func() {
		if err != nil {
			_ = n.closeResources()
		}
	}()

	store, err := n.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := n.loadDefinitions()
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus(events.WithBufferSize(cfg.Events.BufferSize), events.WithLogger(n.logger))
	tracing, err := events.NewOtelRecorder()
	if err != nil {
		return nil, err
	}
	n.engine, err = workflow.NewEngine(
		generator.NewSnowflake(idEpoch, cfg.Node.MachineID),
		store,
		defs,
		workflow.WithSystemID(cfg.Node.SystemID),
		workflow.WithEnvironment(cfg.Node.Environment),
		workflow.WithMaxChainDepth(cfg.Engine.MaxChainDepth),
		workflow.WithLogger(n.logger),
		workflow.WithEventBus(bus),
		workflow.WithRecorder(events.Recorders{tracing, events.NewBusRecorder(bus)}),
	)
	if err != nil {
		return nil, err
	}

	if target := cfg.Runner.Target; target != "" {
		n.runner = runner.NewRedisRunner(n.redisClient(), target,
			runner.WithRetry(cfg.Runner.Retries, cfg.Runner.RetryDelay),
			runner.WithLogger(n.logger))
		n.engine.Runners().Register(target, n.runner)
	}

	for _, setup := range o.setup {
		if err := setup(n.engine); err != nil {
			_ = n.engine.Stop(ctx)
			return nil, errors.WithMessage(err, "engine setup")
		}
	}
	return n, nil
}

func (n *node) openStore(ctx context.Context) (storage.Manager, error) {
	cfg := n.cfg
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return n.openGorm(ctx, sqlite.Open(cfg.Storage.DSN))
	case config.DriverPostgres:
		return n.openGorm(ctx, postgres.Open(cfg.Storage.DSN))
	case config.DriverRedis:
		m, err := storage.NewRedisManager(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		n.redis = m.Client()
		n.closers = append(n.closers, n.redis.Close)
		return m, nil
	default:
		n.logger.Warn("using in-memory storage, nothing survives this process")
		return storage.NewMemoryManager(), nil
	}
}

func (n *node) openGorm(ctx context.Context, dialector gorm.Dialector) (storage.Manager, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", n.cfg.Storage.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	n.closers = append(n.closers, sqlDB.Close)

	m := storage.NewGormManager(db)
	if err := m.Migrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (n *node) redisClient() *redis.Client {
	if n.redis == nil {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     n.cfg.Redis.Addr,
			Password: n.cfg.Redis.Password,
			DB:       n.cfg.Redis.DB,
			PoolSize: n.cfg.Redis.PoolSize,
		})
		n.closers = append(n.closers, n.redis.Close)
	}
	return n.redis
}

func (n *node) loadDefinitions() (*definition.Registry, error) {
	defs := definition.NewRegistry()
	dir := n.cfg.Definitions.Dir
	if dir == "" {
		return defs, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			n.logger.Warn("definitions directory not found", "dir", dir)
			return defs, nil
		}
		return nil, errors.Wrapf(err, "definitions directory %s", dir)
	}
	if err := defs.LoadDir(dir); err != nil {
		return nil, err
	}
	n.logger.Debug("definitions loaded", "dir", dir, "count", len(defs.IDs()))
	return defs, nil
}

// Close flushes pending events and releases connections.
func (n *node) Close(ctx context.Context) error {
	var err error
	if n.engine != nil {
		err = n.engine.Stop(ctx)
	}
	if cerr := n.closeResources(); err == nil {
		err = cerr
	}
	return err
}

func (n *node) closeResources() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if cerr := n.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	n.closers = nil
	return err
}
