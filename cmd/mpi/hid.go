package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/hid"
)

func hidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hid",
		Short: "Allocate, validate and enumerate health identifiers",
	}
	cmd.AddCommand(hidAllocateCmd())
	cmd.AddCommand(hidValidateCmd())
	cmd.AddCommand(hidEnumerateCmd())
	cmd.AddCommand(hidPoolCmd())
	return cmd
}

func hidAllocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Print fresh identifiers from the configured strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}

			run := func(ctx context.Context, pool *pgxpool.Pool) error {
				alloc, err := a.allocator(pool)
				if err != nil {
					return err
				}
				return allocateN(ctx, alloc, count, cmd.OutOrStdout())
			}
			if a.cfg.HIDStrategy != hid.StrategyPool {
				return run(cmd.Context(), nil)
			}
			pool, err := a.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			return run(cmd.Context(), pool)
		},
	}
	cmd.Flags().Int("count", 1, "Number of identifiers to allocate")
	return cmd
}

func allocateN(ctx context.Context, alloc hid.Allocator, count int, w io.Writer) error {
	for i := 0; i < count; i++ {
		id, err := alloc.Allocate(ctx)
		if err != nil {
			return fmt.Errorf("allocation %d of %d: %w", i+1, count, err)
		}
		fmt.Fprintln(w, id)
	}
	return nil
}

func hidValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>...",
		Short: "Check identifiers against the configured prefix and check digit scheme",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			format, err := a.cfg.HIDSettings().Format()
			if err != nil {
				return err
			}
			if invalid := validateIDs(format, args, cmd.OutOrStdout()); invalid > 0 {
				return fmt.Errorf("%d of %d identifiers invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func validateIDs(format hid.Format, ids []string, w io.Writer) int {
	invalid := 0
	for _, s := range ids {
		if _, err := format.Parse(s); err != nil {
			invalid++
			fmt.Fprintf(w, "%s\tinvalid: %v\n", s, err)
			continue
		}
		fmt.Fprintf(w, "%s\tvalid\n", s)
	}
	return invalid
}

func hidEnumerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enumerate",
		Short: "Write every valid pool identifier in a range to a new artifact file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			start, _ := cmd.Flags().GetUint64("start")
			end, _ := cmd.Flags().GetUint64("end")
			workers, _ := cmd.Flags().GetInt("workers")
			if out == "" {
				return errors.New("--out is required")
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			format, err := a.cfg.HIDSettings().Format()
			if err != nil {
				return err
			}

			// O_EXCL: a re-run must target a fresh file.
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return fmt.Errorf("create artifact: %w", err)
			}

			e := &hid.Enumerator{
				Format:    format,
				Validator: hid.PoolValidator(),
				Start:     start,
				End:       end,
				Workers:   workers,
				Logger:    a.logger,
				Metrics:   a.metrics,
			}
			count, runErr := e.Run(cmd.Context(), f)
			if err := f.Close(); err != nil && runErr == nil {
				runErr = fmt.Errorf("close artifact: %w", err)
			}
			if runErr != nil {
				os.Remove(out) //nolint:errcheck // partial artifact is useless
				return runErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d identifiers to %s\n", count, out)
			return nil
		},
	}
	cmd.Flags().String("out", "", "Artifact path; must not exist")
	cmd.Flags().Uint64("start", 0, "First body to consider (default: start of the body space)")
	cmd.Flags().Uint64("end", 0, "Body to stop before (default: end of the body space)")
	cmd.Flags().Int("workers", 0, "Concurrent shard scanners (default GOMAXPROCS)")
	return cmd
}

func hidPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the precomputed identifier pool",
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load an enumerator artifact into the pool table",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			batch, _ := cmd.Flags().GetInt("batch")
			if path == "" {
				return errors.New("--file is required")
			}
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				format, err := a.cfg.HIDSettings().Format()
				if err != nil {
					return err
				}
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()

				added, err := hid.LoadPool(ctx, hid.NewPoolStore(pool), f, format, batch)
				if err != nil {
					return err
				}
				a.logger.Info().Int64("added", added).Str("file", path).Msg("pool loaded")
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d identifiers to the pool.\n", added)
				return nil
			})
		},
	}
	loadCmd.Flags().String("file", "", "Artifact written by hid enumerate")
	loadCmd.Flags().Int("batch", 10_000, "Identifiers per load transaction")
	cmd.AddCommand(loadCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pool size and consumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				stats, err := hid.NewPoolStore(pool).Stats(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	})
	return cmd
}
