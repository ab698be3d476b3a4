// ces-compact deduplicates the per-commit code entity states of one project:
// it walks the commit DAG and collapses every entity state that is
// attribute-identical to its parent's into a single shared record.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srknzl/ces-compact/internal/cerrors"
	"github.com/srknzl/ces-compact/internal/config"
	"github.com/srknzl/ces-compact/internal/dlq"
	"github.com/srknzl/ces-compact/internal/driver"
	"github.com/srknzl/ces-compact/internal/logging"
	"github.com/srknzl/ces-compact/internal/scheduler"
	"github.com/srknzl/ces-compact/internal/store/neo4jstore"
	"github.com/srknzl/ces-compact/internal/store/pgregistry"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"

	cfgFile        string
	projectName    string
	processes      int
	logLevel       string
	dbHostname     string
	dbPort         int
	dbUser         string
	dbPassword     string
	dbDatabase     string
	dbAuth         string
	ssl            bool
	taskRate       float64
	registryDSN    string
	checkpointFile string

	log *logrus.Logger
	cfg *config.Config
)

const (
	exitOK               = 0
	exitProjectMissing   = 1
	exitStoreUnavailable = 2
	exitFailure          = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "ces-compact",
	Short:   "Compress per-commit code entity states into distinct entity versions",
	Long:    `ces-compact walks a project's commit graph and deletes every code entity state that duplicates its parent commit's, rewiring the child commit to the surviving record. The result stores one record per entity version instead of one per commit.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logrus.New()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			log.WithError(err).Warn("Failed to load config, using defaults")
			cfg = config.Default()
		}
		applyFlagOverrides(cmd)

		log.SetLevel(logrusLevel(cfg.LogLevel))
		return cfg.Validate()
	},
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.ces-compact/config.yaml)")
	rootCmd.Flags().StringVar(&projectName, "project-name", "", "project whose commit history to compress (required)")
	rootCmd.Flags().IntVar(&processes, "processes", 1, "number of concurrent workers")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "DEBUG", "log level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	rootCmd.Flags().StringVar(&dbHostname, "db-hostname", "localhost", "document store hostname")
	rootCmd.Flags().IntVar(&dbPort, "db-port", 7687, "document store port")
	rootCmd.Flags().StringVar(&dbUser, "db-user", "neo4j", "document store user")
	rootCmd.Flags().StringVar(&dbPassword, "db-password", "", "document store password")
	rootCmd.Flags().StringVar(&dbDatabase, "db-database", "neo4j", "document store database name")
	rootCmd.Flags().StringVar(&dbAuth, "db-authentication", "", "document store authentication realm")
	rootCmd.Flags().BoolVar(&ssl, "ssl", false, "connect to the document store over TLS")
	rootCmd.Flags().StringVar(&registryDSN, "registry-dsn", "", "postgres DSN of the project registry")
	rootCmd.Flags().Float64Var(&taskRate, "task-rate", 0, "cap on task starts per second, 0 for unlimited")
	rootCmd.Flags().StringVar(&checkpointFile, "checkpoint-file", "", "path of the resume checkpoint file (optional)")

	rootCmd.SetVersionTemplate(`ces-compact {{.Version}}
Build time: ` + BuildTime + `
`)
}

// applyFlagOverrides lets explicitly-set flags win over file and env config.
func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("project-name") || cfg.ProjectName == "" {
		cfg.ProjectName = projectName
	}
	if cmd.Flags().Changed("processes") {
		cfg.Processes = processes
	}
	if cmd.Flags().Changed("task-rate") {
		cfg.TaskRate = taskRate
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("db-hostname") {
		cfg.Store.Hostname = dbHostname
	}
	if cmd.Flags().Changed("db-port") {
		cfg.Store.Port = dbPort
	}
	if cmd.Flags().Changed("db-user") {
		cfg.Store.User = dbUser
	}
	if cmd.Flags().Changed("db-password") {
		cfg.Store.Password = dbPassword
	}
	if cmd.Flags().Changed("db-database") {
		cfg.Store.Database = dbDatabase
	}
	if cmd.Flags().Changed("db-authentication") {
		cfg.Store.Authentication = dbAuth
	}
	if cmd.Flags().Changed("ssl") {
		cfg.Store.SSL = ssl
	}
	if cmd.Flags().Changed("registry-dsn") {
		cfg.Store.RegistryDSN = registryDSN
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logCfg := logging.DefaultConfig(cfg.LogLevel == "DEBUG")
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	if err := logging.Initialize(logCfg); err != nil {
		return err
	}
	defer logging.Close()

	log.WithFields(logrus.Fields{
		"project":   cfg.ProjectName,
		"processes": cfg.Processes,
	}).Info("Starting compression run")

	registryClient, err := pgregistry.NewClient(ctx, cfg.Store.RegistryDSN)
	if err != nil {
		return cerrors.StoreUnavailable(err, "postgres")
	}
	registry := pgregistry.NewRegistry(registryClient)
	defer registry.Close(ctx)

	neo4jClient, err := neo4jstore.NewClient(ctx, cfg.Store.BoltURI(), cfg.Store.User, cfg.Store.Password, cfg.Store.Authentication, cfg.Store.Database)
	if err != nil {
		return cerrors.StoreUnavailable(err, "neo4j")
	}
	gateway := neo4jstore.NewGateway(neo4jClient)
	defer gateway.Close(ctx)

	failed := dlq.NewQueue(registryClient.SqlxDB())

	var checkpoint *scheduler.Checkpoint
	if checkpointFile != "" {
		checkpoint, err = scheduler.OpenCheckpoint(checkpointFile)
		if err != nil {
			return err
		}
		defer checkpoint.Close()
	}

	stats, err := driver.New(registry, gateway, failed, checkpoint, cfg).Run(ctx)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"tasks_completed": stats.TasksCompleted,
		"ces_seen":        stats.CESSeen,
		"ces_deleted":     stats.CESDeleted,
	}).Info("Compression run finished")
	return nil
}

func exitCode(err error) int {
	var cerr *cerrors.Error
	if errors.As(err, &cerr) {
		switch cerr.Type {
		case cerrors.ErrorTypeProjectMissing:
			return exitProjectMissing
		case cerrors.ErrorTypeStoreUnavailable:
			return exitStoreUnavailable
		}
	}
	return exitFailure
}

func logrusLevel(level string) logrus.Level {
	switch logging.ParseLevel(level) {
	case logging.DEBUG:
		return logrus.DebugLevel
	case logging.INFO:
		return logrus.InfoLevel
	case logging.WARN:
		return logrus.WarnLevel
	case logging.ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}
