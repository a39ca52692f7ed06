package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"suitebackup/internal/archive"
	"suitebackup/internal/backup"
	"suitebackup/internal/command"
	"suitebackup/internal/config"
	"suitebackup/internal/database"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/internal/secrets"
	"suitebackup/internal/store"
	"suitebackup/internal/store/memstore"
	"suitebackup/internal/store/postgres"
	"suitebackup/internal/targets"
)

// app is the wired set of services one command runs against.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    store.Store
	targets  *targets.Service
	backups  *backup.Service
	gatherer prometheus.Gatherer
	closers  []func()
}

// newApp wires the services for cfg. Declared targets are synced so that
// commands work against the in-memory store as well.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger, gatherer: reg}

	key, err := secrets.LoadKey(cfg.SecretKey, cfg.SecretKeyFile)
	if err != nil {
		return nil, err
	}
	sealer, err := secrets.New(key)
	if err != nil {
		return nil, err
	}

	if cfg.RecordStoreURL != "" {
		st, pool, err := postgres.Open(ctx, cfg.RecordStoreURL)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.closers = append(a.closers, pool.Close)
	} else {
		logger.Warn().Msg("no record store configured, records are kept in memory for this run only")
		a.store = memstore.New()
	}

	a.targets = targets.NewService(a.store, sealer, targets.NewOpener(logger), logger)

	runner := command.NewExecRunner(logger)
	if cfg.CommandTimeout > 0 {
		runner.Timeout = cfg.CommandTimeout
	}
	if cfg.MaxOutputLines > 0 {
		runner.MaxOutputLines = cfg.MaxOutputLines
	}

	dumper := database.NewPostgres(cfg.Database, runner, logger)
	opts := backup.Options{
		ScratchDir: cfg.ScratchDir,
		UploadRoot: cfg.UploadRoot,
		Store:      a.store,
		Targets:    a.targets,
		Dumper:     dumper,
		Restorer:   dumper,
		Builder:    archive.NewBuilder(runner, logger),
		Extractor:  archive.NewExtractor(runner),
		Metrics:    metrics.New(reg),
		Logger:     logger,
	}
	if cfg.Database.Name != "" {
		// pgxpool connects lazily; a database that is down only costs the
		// table list.
		pool, err := pgxpool.New(ctx, cfg.Database.URL())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("configure database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		opts.Tables = database.NewTableLister(pool)
	}
	a.backups = backup.NewService(opts)

	if len(cfg.Targets) > 0 {
		if _, err := a.targets.Sync(ctx, declaredTargets(cfg.Targets)); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func declaredTargets(cfgs []config.TargetConfig) []targets.Declared {
	out := make([]targets.Declared, 0, len(cfgs))
	for _, tc := range cfgs {
		out = append(out, targets.Declared{
			Owner:     tc.Owner,
			Name:      tc.DisplayName(),
			Kind:      tc.Kind,
			Config:    tc.Config,
			IsDefault: tc.Default,
		})
	}
	return out
}

// preflightCheck verifies that the external tools a run needs are on PATH
// before any record is created. Zip archives are written in-process; the
// other formats need tar, and gzip also needs the gzip tool.
func preflightCheck(withDatabase bool, compression model.Compression) error {
	var missing []string

	if withDatabase {
		if _, err := exec.LookPath("pg_dump"); err != nil {
			missing = append(missing, "pg_dump (required for database backup)")
		}
		if _, err := exec.LookPath("psql"); err != nil {
			missing = append(missing, "psql (required for database restore)")
		}
	}
	if compression == model.CompressionGzip || compression == model.CompressionNone {
		if _, err := exec.LookPath("tar"); err != nil {
			missing = append(missing, "tar (required for gzip and none compression)")
		}
	}
	if compression == model.CompressionGzip {
		if _, err := exec.LookPath("gzip"); err != nil {
			missing = append(missing, "gzip (required for gzip compression)")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n  - %s", strings.Join(missing, "\n  - "))
	}
	return nil
}
