package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"suitebackup/internal/backup"
	"suitebackup/internal/config"
	"suitebackup/internal/logging"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/internal/store/postgres"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, reg)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type commandFunc func(ctx context.Context, a *app, args []string, out io.Writer) error

var commands = map[string]commandFunc{
	"backup":       runBackupCLI,
	"restore":      runRestoreCLI,
	"run-due":      runDueCLI,
	"test-target":  runTestTargetCLI,
	"list":         runListCLI,
	"sync-targets": runSyncTargetsCLI,
}

// run executes one command. Collectors are registered with reg, which also
// backs the metrics endpoint of run-due.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, reg *prometheus.Registry) error {
	if len(args) == 0 {
		printUsage(stderr)
		return nil
	}

	name := args[0]
	switch name {
	case "help", "--help", "-h":
		printUsage(stderr)
		return nil
	case "migrate":
		return runMigrate()
	}
	cmd, ok := commands[name]
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close()
	return cmd(ctx, a, args[1:], stdout)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: backupctl <command> [flags]

Commands:
  migrate                 Apply record store migrations
  backup                  Run one backup
  restore                 Restore a completed backup
  run-due                 Run every schedule that is due
  test-target             Check that a storage target is reachable
  list                    List an owner's backups
  sync-targets            Create or update the targets declared in config
  help                    Show this help message

Backup flags:
  --owner <id>            Owner of the backup [required]
  --target <id>           Storage target (defaults to the owner's default target)
  --type <type>           full, database or files (default: full)
  --compression <c>       gzip, zip or none (default: gzip)
  --uploads               Include the upload tree

Restore flags:
  --owner <id>            Owner of the backup [required]
  --backup <id>           Backup to restore [required]
  --type <type>           full, database or files (defaults to the backup's type)

Run-due flags:
  --every <duration>      Keep running, checking for due schedules at this interval
  --metrics-addr <addr>   Serve /metrics and /healthz while running (with --every)

Environment:
  SUITEBACKUP_CONFIG      Path to config file (default: /config/config.yml)
  RECORD_STORE_URL        PostgreSQL URL of the record store
  SECRET_KEY              Base64 master key for target credentials

Examples:
  backupctl migrate
  backupctl backup --owner alice --compression zip --uploads
  backupctl restore --owner alice --backup 6f1c2e9a-... --type database
  backupctl run-due --every 1m --metrics-addr :9090
`)
}

func runMigrate() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.RecordStoreURL == "" {
		return errors.New("RECORD_STORE_URL is required for migrate")
	}
	return postgres.RunMigrations(cfg.RecordStoreURL)
}

func runBackupCLI(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner of the backup")
	target := fs.String("target", "", "Storage target id")
	backupType := fs.String("type", string(model.TypeFull), "full, database or files")
	compression := fs.String("compression", string(model.CompressionGzip), "gzip, zip or none")
	uploads := fs.Bool("uploads", false, "Include the upload tree")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("--owner is required")
	}

	req := backup.BackupRequest{
		TargetID:       *target,
		Type:           model.BackupType(*backupType),
		Compression:    model.Compression(*compression),
		IncludeUploads: *uploads,
	}
	if req.Type.IncludesDatabase() {
		if err := a.cfg.ValidateDatabase(); err != nil {
			return err
		}
	}
	if err := preflightCheck(req.Type.IncludesDatabase(), req.Compression); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	b, err := a.backups.RunBackup(ctx, *owner, req)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(out, "Backup %s completed: %s (%s)\n", b.ID, *b.FileName, formatSize(*b.FileSize))
	return nil
}

func runRestoreCLI(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner of the backup")
	backupID := fs.String("backup", "", "Backup to restore")
	restoreType := fs.String("type", "", "full, database or files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *backupID == "" {
		return errors.New("--owner and --backup are required")
	}

	b, err := a.store.GetBackup(ctx, *backupID)
	if err != nil {
		return fmt.Errorf("failed to load backup: %w", err)
	}
	rt := model.BackupType(*restoreType)
	if rt == "" {
		rt = b.Type
	}
	withDB := rt.IncludesDatabase() && b.Type.IncludesDatabase()
	if withDB {
		if err := a.cfg.ValidateDatabase(); err != nil {
			return err
		}
	}
	if err := preflightCheck(withDB, b.Compression); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	r, err := a.backups.RunRestore(ctx, *owner, *backupID, backup.RestoreRequest{Type: rt})
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	fmt.Fprintf(out, "Restore %s of backup %s completed in %.1fs\n", r.ID, b.ID, *r.DurationSeconds)
	return nil
}

func runDueCLI(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run-due", flag.ContinueOnError)
	every := fs.Duration("every", 0, "Interval between checks; zero runs once")
	metricsAddr := fs.String("metrics-addr", "", "Listen address for /metrics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *every <= 0 {
		return runDueOnce(ctx, a, out)
	}

	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr, a.gatherer)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		if err := runDueOnce(ctx, a, out); err != nil {
			a.logger.Error().Err(err).Msg("run-due failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runDueOnce(ctx context.Context, a *app, out io.Writer) error {
	results, err := a.backups.RunDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "schedule %s: failed: %v\n", r.ScheduleID, r.Err)
			continue
		}
		fmt.Fprintf(out, "schedule %s: backup %s completed, %d pruned\n", r.ScheduleID, r.Backup.ID, r.Pruned)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d due schedules failed", failed, len(results))
	}
	return nil
}

func runTestTargetCLI(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("test-target", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner of the target")
	target := fs.String("target", "", "Storage target id (defaults to the owner's default target)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("--owner is required")
	}

	id := *target
	if id == "" {
		t, err := a.targets.Resolve(ctx, *owner, "")
		if err != nil {
			return err
		}
		id = t.ID
	}
	msg, err := a.targets.Test(ctx, *owner, id)
	if err != nil {
		return fmt.Errorf("target test failed: %w", err)
	}
	fmt.Fprintln(out, msg)
	return nil
}

func runListCLI(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner to list backups for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("--owner is required")
	}

	backups, err := a.store.ListBackups(ctx, *owner)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Fprintf(out, "No backups found for %s\n", *owner)
		return nil
	}
	printBackups(out, backups)
	return nil
}

func printBackups(out io.Writer, backups []*model.Backup) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tTYPE\tSTATUS\tSIZE\tSTARTED\n")
	for _, b := range backups {
		size := "-"
		if b.FileSize != nil {
			size = formatSize(*b.FileSize)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.Type, b.Status, size, b.StartedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func runSyncTargetsCLI(ctx context.Context, a *app, _ []string, out io.Writer) error {
	// newApp has already synced; report what is declared.
	if len(a.cfg.Targets) == 0 {
		fmt.Fprintln(out, "No targets declared in config")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "OWNER\tNAME\tKIND\tID\tDEFAULT\n")
	seen := map[string]bool{}
	for _, tc := range a.cfg.Targets {
		if seen[tc.Owner] {
			continue
		}
		seen[tc.Owner] = true
		list, err := a.targets.List(ctx, tc.Owner)
		if err != nil {
			return err
		}
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", t.Owner, t.Name, t.Kind, t.ID, t.IsDefault)
		}
	}
	return w.Flush()
}

// formatSize returns a human-readable size string.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
