package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByHealthID(ctx context.Context, healthID string) (*Patient, error)
	// GetForUpdate reads the patient and locks the row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Update writes p if its Version still matches the stored row and bumps
	// Version; otherwise it returns ErrConcurrentUpdate.
	Update(ctx context.Context, p *Patient) error
}

type ApprovalRepository interface {
	GetLedger(ctx context.Context, patientID uuid.UUID) (Ledger, error)
	// Save upserts approvals by field.
	Save(ctx context.Context, patientID uuid.UUID, approvals ...PendingApproval) error
	Delete(ctx context.Context, patientID uuid.UUID, field string) error
	// ListByCatchment pages through patients with pending approvals whose
	// present address lies in c. An empty catchment matches every patient.
	ListByCatchment(ctx context.Context, c Catchment, limit, offset int) ([]PatientApprovals, int, error)
}

// TxRunner runs fn inside one storage transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
