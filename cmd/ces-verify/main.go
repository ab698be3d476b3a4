// ces-verify cross-checks a compressed store against the verbose store it
// was produced from and reports the mismatch counts. It exits 0 whatever the
// mismatch counts are; the report is the output, not the exit code. Only a
// failed invocation (bad flags, an unreachable store) exits 1.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srknzl/ces-compact/internal/logging"
	"github.com/srknzl/ces-compact/internal/store"
	"github.com/srknzl/ces-compact/internal/store/neo4jstore"
	"github.com/srknzl/ces-compact/internal/store/pgregistry"
	"github.com/srknzl/ces-compact/internal/validation"
)

type storeFlags struct {
	hostname string
	port     int
	user     string
	password string
	database string
	ssl      bool
}

func (f *storeFlags) boltURI() string {
	scheme := "bolt"
	if f.ssl {
		scheme = "bolt+s"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, f.hostname, f.port)
}

var (
	verboseStore    storeFlags
	compressedStore storeFlags
	registryDSN     string
	projectName     string
	concurrency     int
	reportFile      string
	logLevel        string

	log *logrus.Logger
)

func main() {
	// The verifier reports, it does not judge: mismatches land in the
	// report, so only an unusable invocation fails the process.
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ces-verify",
	Short: "Check a compressed entity-state store against its verbose source",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		if logLevel == "DEBUG" {
			log.SetLevel(logrus.DebugLevel)
		}
	},
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&verboseStore.hostname, "verbose-db-hostname", "localhost", "verbose store hostname")
	rootCmd.Flags().IntVar(&verboseStore.port, "verbose-db-port", 7687, "verbose store port")
	rootCmd.Flags().StringVar(&verboseStore.user, "verbose-db-user", "neo4j", "verbose store user")
	rootCmd.Flags().StringVar(&verboseStore.password, "verbose-db-password", "", "verbose store password")
	rootCmd.Flags().StringVar(&verboseStore.database, "verbose-db-database", "neo4j", "verbose store database")
	rootCmd.Flags().BoolVar(&verboseStore.ssl, "verbose-ssl", false, "connect to the verbose store over TLS")

	rootCmd.Flags().StringVar(&compressedStore.hostname, "compressed-db-hostname", "localhost", "compressed store hostname")
	rootCmd.Flags().IntVar(&compressedStore.port, "compressed-db-port", 7687, "compressed store port")
	rootCmd.Flags().StringVar(&compressedStore.user, "compressed-db-user", "neo4j", "compressed store user")
	rootCmd.Flags().StringVar(&compressedStore.password, "compressed-db-password", "", "compressed store password")
	rootCmd.Flags().StringVar(&compressedStore.database, "compressed-db-database", "neo4j", "compressed store database")
	rootCmd.Flags().BoolVar(&compressedStore.ssl, "compressed-ssl", false, "connect to the compressed store over TLS")

	rootCmd.Flags().StringVar(&registryDSN, "registry-dsn", "", "postgres DSN of the project registry")
	rootCmd.Flags().StringVar(&projectName, "project-name", "", "project whose stores to compare (required)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 4, "commits compared in parallel")
	rootCmd.Flags().StringVar(&reportFile, "report", "", "write the YAML report to this file instead of stdout")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level")
	_ = rootCmd.MarkFlagRequired("project-name")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := logging.Initialize(logging.DebugConfig()); err != nil {
		return err
	}
	defer logging.Close()

	registryClient, err := pgregistry.NewClient(ctx, registryDSN)
	if err != nil {
		return err
	}
	registry := pgregistry.NewRegistry(registryClient)
	defer registry.Close(ctx)

	verbose, err := openGateway(ctx, verboseStore)
	if err != nil {
		return err
	}
	defer verbose.Close(ctx)

	compressed, err := openGateway(ctx, compressedStore)
	if err != nil {
		return err
	}
	defer compressed.Close(ctx)

	project, systems, err := registry.ResolveProject(ctx, projectName)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"project":     project.Name,
		"vcs_systems": len(systems),
	}).Info("Verifying compressed store")

	verifier := validation.NewVerifier(verbose, compressed, concurrency)
	var reports []*validation.Report
	for _, vcs := range systems {
		report, err := verifier.VerifyVCSSystem(ctx, vcs.ID)
		if err != nil {
			return err
		}
		validation.LogResults(report)
		reports = append(reports, report)
	}

	return writeReport(reports)
}

func openGateway(ctx context.Context, f storeFlags) (store.Gateway, error) {
	client, err := neo4jstore.NewClient(ctx, f.boltURI(), f.user, f.password, "", f.database)
	if err != nil {
		return nil, err
	}
	return neo4jstore.NewGateway(client), nil
}

func writeReport(reports []*validation.Report) error {
	payload, err := yaml.Marshal(reports)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if reportFile == "" {
		_, err = os.Stdout.Write(payload)
		return err
	}
	if err := os.WriteFile(reportFile, payload, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	log.WithField("path", reportFile).Info("Report written")
	return nil
}
