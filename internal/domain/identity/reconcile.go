package identity

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Decision is an approver's verdict on a pending approval.
type Decision int

const (
	Accept Decision = iota + 1
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

func ParseDecision(s string) (Decision, error) {
	switch s {
	case "accept":
		return Accept, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Reconciliation is the outcome of one Reconcile call.
type Reconciliation struct {
	// Patient is the new authoritative record.
	Patient *Patient
	// Approvals are the created or extended pending approvals, sorted by field.
	Approvals []PendingApproval
	// Applied names the fields whose value changed on Patient.
	Applied []string
}

// Reconciler decides per field whether a proposed value is applied, refused
// or deferred for approval. It holds no mutable state.
type Reconciler struct {
	policies *PolicyTable
	now      func() time.Time
	newKey   func() (uuid.UUID, error)
}

type ReconcilerOption func(*Reconciler)

func WithNow(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithKeySource(newKey func() (uuid.UUID, error)) ReconcilerOption {
	return func(r *Reconciler) { r.newKey = newKey }
}

func NewReconciler(policies *PolicyTable, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{policies: policies, now: time.Now, newKey: uuid.NewV7}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policies returns the table the reconciler consults.
func (r *Reconciler) Policies() *PolicyTable { return r.policies }

// Reconcile merges proposed into existing on behalf of requester. ledger is
// the patient's current set of pending approvals; proposals for a field that
// already waits are prepended to its history. A nil existing record means
// creation: every supplied field is applied and nothing is deferred.
//
// Inputs are never modified. If proposed changes any locked field the call
// fails with *NonUpdatableFieldError naming all of them.
func (r *Reconciler) Reconcile(existing, proposed *Patient, ledger Ledger, requester Requester) (*Reconciliation, error) {
	if proposed == nil {
		return nil, errors.New("reconcile: nil proposal")
	}

	if existing == nil {
		out := &Reconciliation{Patient: &Patient{}}
		for i := range patientFields {
			f := &patientFields[i]
			if v := f.get(proposed); v != f.empty {
				f.set(out.Patient, v)
				out.Applied = append(out.Applied, f.name)
			}
		}
		return out, nil
	}

	var locked []string
	for i := range patientFields {
		f := &patientFields[i]
		if r.policies.PolicyFor(f.name) != PolicyLocked {
			continue
		}
		if v := f.get(proposed); v != f.empty && v != f.get(existing) {
			locked = append(locked, f.name)
		}
	}
	if len(locked) > 0 {
		sort.Strings(locked)
		return nil, &NonUpdatableFieldError{Fields: locked}
	}

	out := &Reconciliation{Patient: existing.Clone()}
	now := r.now().UTC()
	for i := range patientFields {
		f := &patientFields[i]
		newValue := f.get(proposed)
		if newValue == f.empty {
			continue
		}
		oldValue := f.get(existing)
		if newValue == oldValue {
			continue
		}

		policy := r.policies.PolicyFor(f.name)
		if requester.Privileged || policy == PolicyOpen {
			f.set(out.Patient, newValue)
			out.Applied = append(out.Applied, f.name)
			continue
		}

		// Moderated: the old value stays in effect until an approver decides.
		key, err := r.newKey()
		if err != nil {
			return nil, fmt.Errorf("proposal key for %s: %w", f.name, err)
		}
		entry := ProposalEntry{
			Key:           key,
			Value:         newValue,
			RequesterID:   requester.ID,
			RequesterName: requester.Name,
			ProposedAt:    now,
		}
		approval, ok := ledger.Get(f.name)
		if !ok {
			approval = PendingApproval{Field: f.name}
		}
		approval.CurrentValue = oldValue
		out.Approvals = append(out.Approvals, approval.prepend(entry))
	}
	sort.Slice(out.Approvals, func(i, j int) bool { return out.Approvals[i].Field < out.Approvals[j].Field })
	return out, nil
}

// Resolve settles the pending approval for field. Accept applies the newest
// proposal; Reject keeps the current value. Either way the entry leaves the
// returned ledger. patient and ledger are not modified.
func Resolve(patient *Patient, ledger Ledger, field string, decision Decision) (*Patient, Ledger, error) {
	desc, err := lookupField(field)
	if err != nil {
		return nil, ledger, err
	}
	approval, ok := ledger.Get(field)
	if !ok {
		return nil, ledger, fmt.Errorf("%w for %s", ErrNoPendingApproval, field)
	}

	out := patient.Clone()
	switch decision {
	case Accept:
		latest := approval.Latest()
		if !desc.set(out, latest.Value) {
			return nil, ledger, fmt.Errorf("proposal %s for %s holds a %T", latest.Key, field, latest.Value)
		}
	case Reject:
	default:
		return nil, ledger, fmt.Errorf("unknown decision %v", decision)
	}
	return out, ledger.Without(field), nil
}
