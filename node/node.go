package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/ap-uopool/core/backup"
	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/core/config"
	"github.com/AvaProtocol/ap-uopool/core/migrator"
	"github.com/AvaProtocol/ap-uopool/core/uopool"
	"github.com/AvaProtocol/ap-uopool/metrics"
	"github.com/AvaProtocol/ap-uopool/migrations"
	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/version"
)

type Status string

const (
	initStatus     Status = "init"
	runningStatus  Status = "running"
	shutdownStatus Status = "shutdown"
)

func RunWithConfig(configPath string) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is valid yaml: %w", configPath, err)
	}

	n := NewNode(nodeConfig)
	return n.Start(context.Background())
}

// Node owns the pool service and every process level resource around it
type Node struct {
	config *config.Config
	logger sdklogging.Logger

	db       storage.Storage
	chain    *aa.Client
	registry *prometheus.Registry
	pool     *uopool.Service
	backup   *backup.Service
	http     *echo.Echo

	status atomic.Value
}

func NewNode(c *config.Config) *Node {
	n := &Node{
		config:   c,
		logger:   c.Logger,
		registry: prometheus.NewRegistry(),
	}
	n.status.Store(initStatus)
	return n
}

func (n *Node) Status() Status {
	s, _ := n.status.Load().(Status)
	return s
}

func (n *Node) initSentry() {
	if n.config.SentryDsn == "" {
		n.logger.Info("no sentry_dsn configured, Sentry integration is disabled")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              n.config.SentryDsn,
		ServerName:       n.config.ServerName,
		Environment:      string(n.config.Environment),
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		n.logger.Errorf("Sentry initialization failed: %v", err)
		return
	}
	n.logger.Info("Sentry initialized", "environment", n.config.Environment)
}

// init opens storage, dials the chain and builds one pool per configured entry point
func (n *Node) init(ctx context.Context) error {
	var err error

	n.db, err = storage.NewWithPath(n.config.DbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := n.db.Setup(); err != nil {
		return err
	}

	// without a backup_dir migrations run without a safety snapshot
	if n.config.BackupDir != "" {
		n.backup = backup.NewService(n.logger, n.db, n.config.BackupDir, backup.DefaultRetain)
	}
	if err := migrator.NewMigrator(n.db, n.backup, migrations.Migrations, n.logger).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	n.chain, err = aa.Dial(ctx, n.config.EthRpcUrl, aa.ClientOptions{
		TraceSimulation: n.config.TraceSimulation,
		CodeCacheTTL:    n.config.CodeCacheTTL,
	}, n.logger)
	if err != nil {
		return err
	}

	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n.pool, err = uopool.NewService(ctx, n.config.EntryPoints, n.chain, n.db, n.config.Pool, metrics.NewUopoolMetrics(n.registry), n.logger)
	if err != nil {
		return fmt.Errorf("cannot create pool service: %w", err)
	}
	return nil
}

func (n *Node) Start(ctx context.Context) error {
	n.logger.Infof("Starting uopool node %s", version.Get())
	n.initSentry()
	defer sentryFlushSafely(2 * time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.init(ctx); err != nil {
		n.shutdown()
		return err
	}

	if err := n.pool.Start(); err != nil {
		n.shutdown()
		return err
	}

	if n.backup != nil && n.config.BackupInterval > 0 {
		if err := n.backup.StartPeriodicBackup(ctx, n.config.BackupInterval); err != nil {
			n.logger.Error("cannot start periodic backup", "error", err)
		}
	}

	n.startHttpServer()
	n.status.Store(runningStatus)
	n.logger.Info("node is running", "chain_id", n.pool.ChainID(), "entrypoints", n.pool.EntryPoints())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-ctx.Done():
	}

	n.logger.Info("Shutting down...")
	n.shutdown()
	return nil
}

func (n *Node) shutdown() {
	n.status.Store(shutdownStatus)

	if n.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.http.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("http server shutdown failed", "error", err)
		}
		cancel()
	}
	if n.backup != nil {
		n.backup.StopPeriodicBackup()
	}
	if n.pool != nil {
		if err := n.pool.Stop(); err != nil {
			n.logger.Warn("pool scheduler shutdown failed", "error", err)
		}
	}
	if n.chain != nil {
		n.chain.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}
