package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/application"
	appai "github.com/bryanwahyu/armoureye/internal/application/ai"
	appscans "github.com/bryanwahyu/armoureye/internal/application/scans"
	"github.com/bryanwahyu/armoureye/internal/config"
	domai "github.com/bryanwahyu/armoureye/internal/domain/ai"
	"github.com/bryanwahyu/armoureye/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/ai/openai"
	"github.com/bryanwahyu/armoureye/internal/infra/ai/rag"
	mysqlp "github.com/bryanwahyu/armoureye/internal/infra/db/mysql"
	"github.com/bryanwahyu/armoureye/internal/infra/db/postgres"
	"github.com/bryanwahyu/armoureye/internal/infra/executor/docker"
	"github.com/bryanwahyu/armoureye/internal/infra/history"
	"github.com/bryanwahyu/armoureye/internal/infra/scanners"
	minioStore "github.com/bryanwahyu/armoureye/internal/infra/storage"
	"github.com/bryanwahyu/armoureye/internal/logging"
	"github.com/bryanwahyu/armoureye/internal/middleware"
)

// app holds everything the commands share.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	sandbox *docker.Sandbox
	scans   *appscans.Service
	db      *sql.DB
	archive domain.ReportArchive
	errs    scanerrors.Repository
	ai      *appai.Service
	metrics *middleware.Metrics
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config load error: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func newSandbox(cfg *config.Config, log *zap.Logger) *docker.Sandbox {
	sc := cfg.Sandbox
	var builder docker.ImageBuilder
	if sc.BuildContext != "" {
		builder = &docker.Builder{DockerBinary: sc.DockerBinary, ContextDir: sc.BuildContext, Log: log.Named("build")}
	}
	return docker.NewSandbox(docker.Config{
		Name:           sc.Name,
		Image:          sc.Image,
		DockerBinary:   sc.DockerBinary,
		SocketPath:     sc.SocketPath,
		CredentialsDir: sc.CredentialsDir,
		KillGrace:      sc.KillGrace,
	}, nil, builder, log.Named("sandbox"))
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics *middleware.Metrics) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics, sandbox: newSandbox(cfg, log)}

	hist, err := history.NewStore(cfg.Scan.HistoryFile, cfg.Scan.HistoryLimit, log.Named("history"))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	deps := appscans.Deps{
		Scanners: scanners.NewRegistry(a.sandbox, scanners.Options{
			WorkDir:            cfg.Scan.WorkDir,
			DefaultTimeout:     cfg.Scan.DefaultTimeout,
			BruteForceTimeout:  cfg.Scan.BruteForceTimeout,
			SupplyChainTimeout: cfg.Scan.SupplyChainTimeout,
			DirWordlist:        cfg.Scan.DirWordlist,
			UserList:           cfg.Scan.UserList,
			PasswordList:       cfg.Scan.PasswordList,
		}, log.Named("scanner")),
		History:        hist,
		Clock:          application.SystemClock{},
		IDs:            application.UUIDGenerator{},
		Log:            log,
		LogLimit:       cfg.Scan.LogLimit,
		DefaultProfile: domain.Profile(cfg.Scan.DefaultProfile),
	}
	if metrics != nil {
		deps.Metrics = metrics
	}

	if err := a.openArchive(ctx, &deps); err != nil {
		return nil, err
	}

	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx, minioStore.Options{
			Endpoint:   cfg.Minio.Endpoint,
			Region:     cfg.Minio.Region,
			Bucket:     cfg.Minio.BucketName,
			AccessKey:  cfg.Minio.AccessKey,
			SecretKey:  cfg.Minio.SecretKey,
			UseSSL:     cfg.Minio.UseSSL,
			PresignTTL: cfg.Minio.PresignTTL,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("minio init error: %w", err)
		}
		deps.Artifacts = store
	}

	if client := newAnalyzer(cfg.AI); client != nil {
		a.ai = appai.NewService(client, appai.Options{
			Source:           cfg.AI.Provider,
			SummarizeWithLLM: cfg.AI.SummarizeWithLLM,
			MaxPackages:      cfg.AI.MaxPackages,
			Concurrency:      cfg.AI.Concurrency,
			RatePerSecond:    cfg.AI.RatePerSecond,
		}, log)
		deps.Enricher = a.ai
	}

	a.scans = appscans.NewService(deps)
	return a, nil
}

func (a *app) openArchive(ctx context.Context, deps *appscans.Deps) error {
	var (
		db      *sql.DB
		err     error
		migrate func(context.Context, *sql.DB) error
	)
	switch a.cfg.Archive.Driver {
	case "":
		return nil
	case "mysql":
		db, err = mysqlp.Connect(ctx, a.cfg.MySQLDSN())
		if err != nil {
			return fmt.Errorf("mysql connect error: %w", err)
		}
		migrate = mysqlp.Migrate
		a.archive = mysqlp.NewReportRepository(db)
		a.errs = mysqlp.NewScanErrorRepository(db)
	case "postgres":
		db, err = postgres.Connect(ctx, a.cfg.PostgresDSN())
		if err != nil {
			return fmt.Errorf("postgres connect error: %w", err)
		}
		migrate = postgres.Migrate
		a.archive = postgres.NewReportRepository(db)
		a.errs = postgres.NewScanErrorRepository(db)
	}
	a.db = db
	if a.cfg.Archive.Migrate {
		if err := migrate(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
	}
	deps.Archive = a.archive
	deps.Errors = a.errs
	a.log.Info("report archive enabled", zap.String("driver", a.cfg.Archive.Driver))
	return nil
}

func newAnalyzer(c config.AI) domai.PackageAnalyzer {
	switch c.Provider {
	case "rag":
		return rag.NewClient(c.BaseURL, c.Timeout)
	case "openai":
		return openai.NewClient(c.APIKey, c.Model, c.BaseURL)
	}
	return nil
}

func (a *app) checks() map[string]middleware.HealthChecker {
	checks := map[string]middleware.HealthChecker{
		"sandbox": middleware.CheckFunc(a.sandbox.Ping),
	}
	if a.db != nil {
		checks["archive"] = &middleware.DatabaseHealthChecker{DB: a.db}
	}
	return checks
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.log.Sync()
}
