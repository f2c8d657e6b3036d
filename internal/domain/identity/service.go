package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/hid"
	"github.com/ehr/mpi/internal/platform/metrics"
	"github.com/ehr/mpi/pkg/pagination"
)

// Service is the caller side of the moderation engine: it loads records,
// runs the reconciler and persists the outcome in one transaction.
type Service struct {
	patients   PatientRepository
	approvals  ApprovalRepository
	tx         TxRunner
	allocator  hid.Allocator
	reconciler *Reconciler
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func NewService(
	patients PatientRepository,
	approvals ApprovalRepository,
	tx TxRunner,
	allocator hid.Allocator,
	reconciler *Reconciler,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		patients:   patients,
		approvals:  approvals,
		tx:         tx,
		allocator:  allocator,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "identity").Logger(),
		metrics:    m,
	}
}

func validatePatient(p *Patient) error {
	if p == nil {
		return fmt.Errorf("%w: empty patient", ErrInvalidPatient)
	}
	if d := strings.TrimSpace(p.DateOfBirth); d != "" {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return fmt.Errorf("%w: date_of_birth must be YYYY-MM-DD", ErrInvalidPatient)
		}
	}
	if d := strings.TrimSpace(p.Status.DateOfDeath); d != "" {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return fmt.Errorf("%w: status.date_of_death must be YYYY-MM-DD", ErrInvalidPatient)
		}
	}
	switch strings.TrimSpace(p.Status.Status) {
	case "", LifeStatusAlive, LifeStatusDeceased, LifeStatusUnknown:
	default:
		return fmt.Errorf("%w: unknown life status %q", ErrInvalidPatient, p.Status.Status)
	}
	if e := strings.TrimSpace(p.Email); e != "" {
		if _, err := mail.ParseAddress(e); err != nil {
			return fmt.Errorf("%w: malformed email", ErrInvalidPatient)
		}
	}
	return nil
}

// maxHealthIDCollisions bounds how often CreatePatient re-allocates after the
// store reports the identifier as taken.
const maxHealthIDCollisions = 5

// CreatePatient allocates a health identifier and stores the patient. The
// identifier is always issued by the registry. An identifier the store
// already holds is discarded and a fresh one allocated.
func (s *Service) CreatePatient(ctx context.Context, p *Patient, requester Requester) (*Patient, error) {
	if err := validatePatient(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.GivenName) == "" {
		return nil, fmt.Errorf("%w: given_name is required", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.HealthID) != "" {
		return nil, fmt.Errorf("%w: health_id is assigned by the registry", ErrInvalidPatient)
	}

	for attempt := 1; ; attempt++ {
		created, err := s.createWithNewID(ctx, p, requester)
		if err == nil {
			s.logger.Info().
				Str("patient_id", created.ID.String()).
				Str("health_id", created.HealthID).
				Str("requester_id", requester.ID).
				Msg("patient created")
			return created, nil
		}
		if !errors.Is(err, ErrDuplicateHealthID) {
			return nil, err
		}
		s.metrics.IncAllocationFailure("collision")
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("allocated health id already assigned")
		if attempt == maxHealthIDCollisions {
			return nil, fmt.Errorf("%d allocations collided: %w", attempt, err)
		}
	}
}

func (s *Service) createWithNewID(ctx context.Context, p *Patient, requester Requester) (*Patient, error) {
	id, err := s.allocator.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate health id: %w", err)
	}
	proposed := p.Clone()
	proposed.HealthID = id.String()

	rec, err := s.reconciler.Reconcile(nil, proposed, Ledger{}, requester)
	if err != nil {
		return nil, err
	}
	created := rec.Patient
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.patients.Create(ctx, created)
	}); err != nil {
		if !errors.Is(err, ErrDuplicateHealthID) {
			// The identifier is spent; it is never handed out again.
			s.logger.Warn().Err(err).Str("health_id", created.HealthID).Msg("patient create failed after allocation")
		}
		return nil, err
	}
	return created, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByHealthID(ctx context.Context, healthID string) (*Patient, error) {
	return s.patients.GetByHealthID(ctx, healthID)
}

// UpdatePatient reconciles proposed against the stored record. Applied
// fields and new approvals are persisted together or not at all.
func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, proposed *Patient, requester Requester) (*Reconciliation, error) {
	if err := validatePatient(proposed); err != nil {
		return nil, err
	}

	var rec *Reconciliation
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.patients.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		ledger, err := s.approvals.GetLedger(ctx, id)
		if err != nil {
			return err
		}
		rec, err = s.reconciler.Reconcile(existing, proposed, ledger, requester)
		if err != nil {
			return err
		}
		if len(rec.Applied) > 0 {
			if err := s.patients.Update(ctx, rec.Patient); err != nil {
				return err
			}
		}
		if len(rec.Approvals) > 0 {
			return s.approvals.Save(ctx, id, rec.Approvals...)
		}
		return nil
	})
	if err != nil {
		var locked *NonUpdatableFieldError
		if errors.As(err, &locked) {
			s.logger.Info().Str("patient_id", id.String()).Strs("fields", locked.Fields).
				Str("requester_id", requester.ID).Msg("update rejected: locked fields")
		}
		return nil, err
	}

	deferred := make([]string, len(rec.Approvals))
	for i, a := range rec.Approvals {
		deferred[i] = a.Field
		s.metrics.IncPendingApproval(a.Field)
	}
	s.logger.Info().
		Str("patient_id", id.String()).
		Str("requester_id", requester.ID).
		Strs("applied", rec.Applied).
		Strs("deferred", deferred).
		Msg("patient updated")
	return rec, nil
}

// GetPendingApprovals returns the patient's ledger sorted by field.
func (s *Service) GetPendingApprovals(ctx context.Context, patientID uuid.UUID) ([]PendingApproval, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	ledger, err := s.approvals.GetLedger(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return ledger.Entries(), nil
}

// ListPendingApprovals is the approver feed. A privileged approver without a
// catchment sees every patient. limit and offset are normalized by
// pagination.New.
func (s *Service) ListPendingApprovals(ctx context.Context, approver Requester, limit, offset int) ([]PatientApprovals, int, error) {
	var scope Catchment
	switch {
	case approver.Catchment != nil:
		scope = *approver.Catchment
		if scope.DivisionID == "" {
			return nil, 0, fmt.Errorf("%w: approver %s has an empty catchment", ErrOutsideCatchment, approver.ID)
		}
	case !approver.Privileged:
		return nil, 0, fmt.Errorf("%w: approver %s has no catchment", ErrOutsideCatchment, approver.ID)
	}
	page := pagination.New(limit, offset)
	return s.approvals.ListByCatchment(ctx, scope, page.Limit, page.Offset)
}

// ResolveApproval accepts or rejects the pending approval for one field.
// Unless privileged, the approver's catchment must cover the patient's
// present address.
func (s *Service) ResolveApproval(ctx context.Context, patientID uuid.UUID, field string, decision Decision, approver Requester) (*Patient, error) {
	var resolved *Patient
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.patients.GetForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		if !approver.Privileged && (approver.Catchment == nil || !approver.Catchment.Covers(existing.Catchment())) {
			return fmt.Errorf("%w: approver %s, patient %s", ErrOutsideCatchment, approver.ID, patientID)
		}
		ledger, err := s.approvals.GetLedger(ctx, patientID)
		if err != nil {
			return err
		}
		updated, _, err := Resolve(existing, ledger, field, decision)
		if err != nil {
			return err
		}
		if decision == Accept {
			if err := s.patients.Update(ctx, updated); err != nil {
				return err
			}
		}
		if err := s.approvals.Delete(ctx, patientID, field); err != nil {
			return err
		}
		resolved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncResolved(decision.String())
	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("field", field).
		Str("decision", decision.String()).
		Str("approver_id", approver.ID).
		Msg("pending approval resolved")
	return resolved, nil
}
