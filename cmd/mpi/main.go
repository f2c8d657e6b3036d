package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/hid"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mpi",
		Short:         "Patient registry identifier and moderation tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics in text format to this file on exit")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(hidCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(approvalsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	ctx = withMetrics(ctx, metrics.New(reg))

	err := rootCmd.ExecuteContext(ctx)
	// Failed runs are written too; their failure counters are the point.
	if path, _ := rootCmd.PersistentFlags().GetString("metrics-file"); path != "" {
		if werr := writeMetrics(path, reg); werr != nil {
			if err == nil {
				err = werr
			} else {
				fmt.Fprintln(os.Stderr, "error:", werr)
			}
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

type metricsKey struct{}

func withMetrics(ctx context.Context, m *metrics.Metrics) context.Context {
	return context.WithValue(ctx, metricsKey{}, m)
}

// metricsFrom returns the process metrics, or a set on a private registry
// when ctx carries none.
func metricsFrom(ctx context.Context) *metrics.Metrics {
	if m, ok := ctx.Value(metricsKey{}).(*metrics.Metrics); ok {
		return m
	}
	return metrics.New(prometheus.NewRegistry())
}

// writeMetrics dumps g in the node_exporter textfile format. The file is
// replaced atomically.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

// app carries what every command needs once configuration has loaded.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newLogger(out io.Writer, env, level string) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  newLogger(os.Stderr, cfg.Env, cfg.LogLevel),
		metrics: metricsFrom(ctx),
	}, nil
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.cfg.DBSchema)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Msg("connected to database")
	return pool, nil
}

func (a *app) policyTable() (*identity.PolicyTable, error) {
	return buildPolicyTable(a.cfg.FieldPolicyFile)
}

func buildPolicyTable(path string) (*identity.PolicyTable, error) {
	overrides, err := config.LoadFieldPolicies(path)
	if err != nil {
		return nil, err
	}
	return identity.DefaultPolicyTable().WithOverrides(overrides)
}

// allocator builds the configured strategy. The pool strategy reads from pool.
func (a *app) allocator(pool *pgxpool.Pool) (hid.Allocator, error) {
	var store hid.PoolStore
	if pool != nil {
		store = hid.NewPoolStore(pool)
	}
	return hid.NewAllocator(a.cfg.HIDSettings(), store, a.logger, a.metrics)
}

func (a *app) identityService(pool *pgxpool.Pool) (*identity.Service, error) {
	policies, err := a.policyTable()
	if err != nil {
		return nil, err
	}
	alloc, err := a.allocator(pool)
	if err != nil {
		return nil, err
	}
	return identity.NewService(
		identity.NewPatientRepo(pool),
		identity.NewApprovalRepo(pool),
		db.NewTxRunner(pool),
		alloc,
		identity.NewReconciler(policies),
		a.logger,
		a.metrics,
	), nil
}

// withPool loads the app, opens a pool and hands both to fn.
func withPool(cmd *cobra.Command, fn func(ctx context.Context, a *app, pool *pgxpool.Pool) error) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, a, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				schema := a.cfg.DBSchema
				migrator := db.NewMigrator(pool, migrationsDir(cmd, a)).WithLogger(a.logger)
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				schema := a.cfg.DBSchema
				migrator := db.NewMigrator(pool, migrationsDir(cmd, a))
				statuses, err := migrator.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				writeMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, a *app) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return a.cfg.MigrationsDir
}

func writeMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Ping the database and print pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				stats, err := db.Check(ctx, pool)
				if encErr := writeJSON(cmd.OutOrStdout(), stats); encErr != nil {
					return encErr
				}
				return err
			})
		},
	})
	return cmd
}
