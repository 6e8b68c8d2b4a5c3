package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/patientflow/internal/config"
	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/platform/db"
	"github.com/hms/patientflow/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flow-server",
		Short:        "Hospital patient flow API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(facilityCmd())
	root.AddCommand(triageCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.OTelServiceName).Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient flow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

// withPool loads config, connects to PostgreSQL and hands fn a migrator.
func withPool(ctx context.Context, fn func(*config.Config, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, db.NewMigrator(pool, migrations.FS))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			return withPool(cmd.Context(), func(cfg *config.Config, m *db.Migrator) error {
				if facility == "" {
					facility = cfg.DefaultFacility
				}
				schema, err := db.SchemaName(facility)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
				count, err := m.Up(cmd.Context(), schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("facility", "", "Facility to migrate (defaults to DEFAULT_FACILITY)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			return withPool(cmd.Context(), func(cfg *config.Config, m *db.Migrator) error {
				if facility == "" {
					facility = cfg.DefaultFacility
				}
				schema, err := db.SchemaName(facility)
				if err != nil {
					return err
				}
				statuses, err := m.Status(cmd.Context(), schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd, schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("facility", "", "Facility to inspect (defaults to DEFAULT_FACILITY)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage facilities",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if _, err := db.SchemaName(name); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateFacilitySchema(cmd.Context(), pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Facility %s created.\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Facility identifier (letters, digits, underscore)")
	cmd.AddCommand(createCmd)
	return cmd
}

func triageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Inspect the triage protocol",
	}

	classifyCmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a presenting complaint",
		RunE: func(cmd *cobra.Command, args []string) error {
			complaint, _ := cmd.Flags().GetString("complaint")
			observed, _ := cmd.Flags().GetString("observed")
			file, _ := cmd.Flags().GetString("protocol")

			protocol, err := loadProtocol(file)
			if err != nil {
				return err
			}
			var ids []string
			for _, id := range strings.Split(observed, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
			a, err := triage.NewClassifier(protocol).Classify(complaint, ids)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		},
	}
	classifyCmd.Flags().String("complaint", "", "Complaint id, e.g. chest_pain")
	classifyCmd.Flags().String("observed", "", "Comma separated discriminator ids that are present")
	classifyCmd.Flags().String("protocol", os.Getenv("TRIAGE_PROTOCOL_FILE"), "YAML protocol file (built-in table when empty)")
	classifyCmd.MarkFlagRequired("complaint")
	cmd.AddCommand(classifyCmd)
	return cmd
}

func loadProtocol(path string) (*triage.Protocol, error) {
	if path == "" {
		return triage.DefaultProtocol(), nil
	}
	return triage.LoadProtocolFile(path)
}
