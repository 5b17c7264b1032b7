package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	storageengine "github.com/suxiao1228/mydb/core/storage_engine"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"github.com/suxiao1228/mydb/pkg/logger"
	"github.com/suxiao1228/mydb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	configFile string
	dbPath     string
	memory     int64
	backupRate int64
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mydb",
		Short:        "An embedded transactional storage engine",
		SilenceUsage: true,
	}
	fs := root.PersistentFlags()
	fs.StringVar(&configFile, "config", "", "`file` to load YAML config from")
	fs.StringVar(&dbPath, "path", "", "base `path` of the database files")
	fs.Int64Var(&memory, "memory", 0, "page cache size in `bytes`")

	backup := &cobra.Command{
		Use:   "backup <dir>",
		Short: "Copy a closed database into a new directory under dir",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	}
	backup.Flags().Int64Var(&backupRate, "rate", 0, "copy rate limit in `bytes` per second (0 is unlimited)")

	root.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create an empty database",
			Args:  cobra.NoArgs,
			RunE:  runCreate,
		},
		&cobra.Command{
			Use:   "inspect",
			Short: "Print a summary of a closed database",
			Args:  cobra.NoArgs,
			RunE:  runInspect,
		},
		backup,
		&cobra.Command{
			Use:   "shell",
			Short: "Open a database and run an interactive shell",
			Args:  cobra.NoArgs,
			RunE:  runShell,
		},
	)
	return root
}

// loadConfig merges the config file with the flags given on the command
// line. Flags win.
func loadConfig(cmd *cobra.Command) (storageengine.Config, error) {
	var cfg storageengine.Config
	if configFile != "" {
		var err error
		if cfg, err = storageengine.LoadConfig(configFile); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("path") {
		cfg.Path = dbPath
	}
	if flags.Changed("memory") {
		cfg.Memory = memory
	}
	if flags.Changed("rate") {
		cfg.BackupRateBytes = backupRate
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.OutputFile == "" {
		cfg.Logger.OutputFile = "stderr"
	}
	return cfg, nil
}

// process holds what every subcommand sets up before touching the database.
type process struct {
	cfg      storageengine.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	metrics  *internaltelemetry.StorageMetrics
	shutdown telemetry.ShutdownFunc
}

func setup(cmd *cobra.Command) (*process, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	return &process{cfg: cfg, logger: log, tel: tel, metrics: metrics, shutdown: shutdown}, nil
}

func (p *process) close() {
	if err := p.shutdown(context.Background()); err != nil {
		p.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	_ = p.logger.Sync()
}

// openEngine creates or opens the database inside a traced span.
func (p *process) openEngine(ctx context.Context, create bool) (*storageengine.Engine, error) {
	name := "engine.open"
	if create {
		name = "engine.create"
	}
	_, span := p.tel.Tracer.Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.String("db.path", p.cfg.Path))

	var e *storageengine.Engine
	var err error
	if create {
		e, err = storageengine.Create(p.cfg, p.logger, p.metrics)
	} else {
		e, err = storageengine.Open(p.cfg, p.logger, p.metrics)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return e, nil
}

func runCreate(cmd *cobra.Command, _ []string) error {
	p, err := setup(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	e, err := p.openEngine(cmd.Context(), true)
	if err != nil {
		p.logger.Fatal("Failed to create database", zap.String("path", p.cfg.Path), zap.Error(err))
	}
	if err := e.Close(); err != nil {
		p.logger.Fatal("Failed to close database", zap.Error(err))
	}
	return nil
}

func runInspect(cmd *cobra.Command, _ []string) error {
	p, err := setup(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	report, err := storageengine.Inspect(p.cfg)
	if err != nil {
		p.logger.Fatal("Failed to inspect database", zap.String("path", p.cfg.Path), zap.Error(err))
	}
	out, err := yaml.Marshal(&report)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runBackup(cmd *cobra.Command, args []string) error {
	p, err := setup(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	m, err := storageengine.Backup(cmd.Context(), p.cfg, args[0], p.logger)
	if err != nil {
		p.logger.Fatal("Backup failed", zap.String("path", p.cfg.Path), zap.Error(err))
	}
	fmt.Fprintln(cmd.OutOrStdout(), m.Dir)
	return nil
}

func runShell(cmd *cobra.Command, _ []string) error {
	p, err := setup(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	e, err := p.openEngine(cmd.Context(), false)
	if err != nil {
		p.logger.Fatal("Failed to open database", zap.String("path", p.cfg.Path), zap.Error(err))
	}
	defer func() {
		if err := e.Close(); err != nil {
			p.logger.Error("Failed to close database", zap.Error(err))
		}
	}()
	return interact(cmd.Context(), e, cmd.OutOrStdout())
}
