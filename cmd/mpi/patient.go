package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/pkg/pagination"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readPatientFile(path string) (*identity.Patient, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p identity.Patient
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &p, nil
}

// actorFlags registers the flags describing who is acting. Privilege and
// catchment are asserted by the operator running the command.
func actorFlags(cmd *cobra.Command) {
	cmd.Flags().String("actor-id", "", "ID of the requester or approver")
	cmd.Flags().String("actor-name", "", "Display name of the requester or approver")
	cmd.Flags().Bool("privileged", false, "Act as a privileged (administrative) user")
	cmd.Flags().String("division", "", "Actor catchment division code")
	cmd.Flags().String("district", "", "Actor catchment district code")
	cmd.Flags().String("upazila", "", "Actor catchment upazila code")
}

func actorFromFlags(cmd *cobra.Command) (identity.Requester, error) {
	id, _ := cmd.Flags().GetString("actor-id")
	if id == "" {
		return identity.Requester{}, errors.New("--actor-id is required")
	}
	name, _ := cmd.Flags().GetString("actor-name")
	privileged, _ := cmd.Flags().GetBool("privileged")
	r := identity.Requester{ID: id, Name: name, Privileged: privileged}

	var c identity.Catchment
	c.DivisionID, _ = cmd.Flags().GetString("division")
	c.DistrictID, _ = cmd.Flags().GetString("district")
	c.UpazilaID, _ = cmd.Flags().GetString("upazila")
	if c != (identity.Catchment{}) {
		if c.DivisionID == "" {
			return identity.Requester{}, errors.New("--division is required with --district or --upazila")
		}
		if c.UpazilaID != "" && c.DistrictID == "" {
			return identity.Requester{}, errors.New("--district is required with --upazila")
		}
		r.Catchment = &c
	}
	return r, nil
}

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Create, update and inspect patient records",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a patient from a JSON file and assign a health identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			p, err := readPatientFile(path)
			if err != nil {
				return err
			}
			actor, err := actorFromFlags(cmd)
			if err != nil {
				return err
			}
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				svc, err := a.identityService(pool)
				if err != nil {
					return err
				}
				created, err := svc.CreatePatient(ctx, p, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	createCmd.Flags().String("file", "", "Patient JSON")
	actorFlags(createCmd)
	cmd.AddCommand(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Propose changes to a patient; moderated fields are deferred for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuidFlag(cmd, "id")
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("file")
			p, err := readPatientFile(path)
			if err != nil {
				return err
			}
			actor, err := actorFromFlags(cmd)
			if err != nil {
				return err
			}
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				svc, err := a.identityService(pool)
				if err != nil {
					return err
				}
				rec, err := svc.UpdatePatient(ctx, id, p, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	updateCmd.Flags().String("id", "", "Patient ID")
	updateCmd.Flags().String("file", "", "JSON with the proposed attributes")
	actorFlags(updateCmd)
	cmd.AddCommand(updateCmd)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print a patient by ID or health identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthID, _ := cmd.Flags().GetString("health-id")
			rawID, _ := cmd.Flags().GetString("id")
			if (healthID == "") == (rawID == "") {
				return errors.New("exactly one of --id or --health-id is required")
			}
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				svc, err := a.identityService(pool)
				if err != nil {
					return err
				}
				var p *identity.Patient
				if healthID != "" {
					p, err = svc.GetPatientByHealthID(ctx, healthID)
				} else {
					var id uuid.UUID
					if id, err = uuid.Parse(rawID); err != nil {
						return fmt.Errorf("--id: %w", err)
					}
					p, err = svc.GetPatient(ctx, id)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	getCmd.Flags().String("id", "", "Patient ID")
	getCmd.Flags().String("health-id", "", "Health identifier")
	cmd.AddCommand(getCmd)

	return cmd
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review pending approvals",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List patients with pending approvals in the actor's catchment",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				svc, err := a.identityService(pool)
				if err != nil {
					return err
				}
				if patientID != "" {
					id, err := uuid.Parse(patientID)
					if err != nil {
						return fmt.Errorf("--patient: %w", err)
					}
					pending, err := svc.GetPendingApprovals(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), pending)
				}
				actor, err := actorFromFlags(cmd)
				if err != nil {
					return err
				}
				feed, total, err := svc.ListPendingApprovals(ctx, actor, limit, offset)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), pagination.NewResponse(feed, total, pagination.New(limit, offset)))
			})
		},
	}
	listCmd.Flags().String("patient", "", "Show one patient's ledger instead of the feed")
	listCmd.Flags().Int("limit", 20, "Patients per page")
	listCmd.Flags().Int("offset", 0, "Patients to skip")
	actorFlags(listCmd)
	cmd.AddCommand(listCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Accept or reject the pending approval for one field",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuidFlag(cmd, "patient")
			if err != nil {
				return err
			}
			field, _ := cmd.Flags().GetString("field")
			rawDecision, _ := cmd.Flags().GetString("decision")
			decision, err := identity.ParseDecision(rawDecision)
			if err != nil {
				return err
			}
			actor, err := actorFromFlags(cmd)
			if err != nil {
				return err
			}
			return withPool(cmd, func(ctx context.Context, a *app, pool *pgxpool.Pool) error {
				svc, err := a.identityService(pool)
				if err != nil {
					return err
				}
				p, err := svc.ResolveApproval(ctx, id, field, decision, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	resolveCmd.Flags().String("patient", "", "Patient ID")
	resolveCmd.Flags().String("field", "", "Field name")
	resolveCmd.Flags().String("decision", "", "accept or reject")
	actorFlags(resolveCmd)
	cmd.AddCommand(resolveCmd)

	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect field policies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective field policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			table, err := a.policyTable()
			if err != nil {
				return err
			}
			return writePolicyTable(cmd.OutOrStdout(), table)
		},
	})
	return cmd
}

func writePolicyTable(w io.Writer, table *identity.PolicyTable) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tPOLICY")
	for _, e := range table.Entries() {
		fmt.Fprintf(tw, "%s\t%s\n", e.Field, e.Policy)
	}
	return tw.Flush()
}
