package identity

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, time.October, 19, 9, 30, 0, 0, time.UTC)

// sequentialKeys returns v7-shaped keys in strictly increasing order.
func sequentialKeys() func() (uuid.UUID, error) {
	var n byte
	return func() (uuid.UUID, error) {
		n++
		var u uuid.UUID
		u[6] = 0x70
		u[15] = n
		return u, nil
	}
}

func newTestReconciler(policies *PolicyTable) *Reconciler {
	return NewReconciler(policies,
		WithNow(func() time.Time { return t0 }),
		WithKeySource(sequentialKeys()),
	)
}

var (
	fieldWorker = Requester{ID: "hw-17", Name: "Field Worker"}
	admin       = Requester{ID: "admin-1", Name: "Registry Admin", Privileged: true}
)

func basePatient() *Patient {
	return &Patient{
		ID:         uuid.New(),
		HealthID:   "HID98123456703",
		NationalID: "1990123456789",
		GivenName:  "Abdul",
		SurName:    "Karim",
		Gender:     "M",
		Occupation: "farmer",
		PresentAddress: Address{
			AddressLine: "House 12",
			DivisionID:  "30",
			DistrictID:  "26",
			UpazilaID:   "12",
		},
		Version: 3,
	}
}

func TestReconcile_ModeratedChangeIsDeferred(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()

	rec, err := r.Reconcile(existing, &Patient{SurName: "Rahman"}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Patient.SurName != "Karim" {
		t.Errorf("expected surname to stay Karim, got %q", rec.Patient.SurName)
	}
	if len(rec.Applied) != 0 {
		t.Errorf("expected nothing applied, got %v", rec.Applied)
	}
	if len(rec.Approvals) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(rec.Approvals))
	}
	a := rec.Approvals[0]
	if a.Field != FieldSurName || a.CurrentValue != "Karim" {
		t.Errorf("unexpected approval %+v", a)
	}
	if len(a.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(a.History))
	}
	e := a.History[0]
	if e.Value != "Rahman" || e.RequesterID != fieldWorker.ID || !e.ProposedAt.Equal(t0) {
		t.Errorf("unexpected proposal %+v", e)
	}
	if existing.SurName != "Karim" {
		t.Error("existing record was modified")
	}
}

func TestReconcile_ExtendsExistingApproval(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()

	first, err := r.Reconcile(existing, &Patient{SurName: "Rahman"}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ledger := NewLedger(first.Approvals...)

	other := Requester{ID: "hw-22"}
	second, err := r.Reconcile(existing, &Patient{SurName: "Rahim"}, ledger, other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Approvals) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(second.Approvals))
	}
	h := second.Approvals[0].History
	if len(h) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(h))
	}
	if h[0].Value != "Rahim" || h[0].RequesterID != "hw-22" || h[1].Value != "Rahman" {
		t.Errorf("history not newest first: %+v", h)
	}
	if h[0].Key.String() <= h[1].Key.String() {
		t.Errorf("newer proposal key %s does not sort after %s", h[0].Key, h[1].Key)
	}

	prev, _ := ledger.Get(FieldSurName)
	if len(prev.History) != 1 {
		t.Error("input ledger was modified")
	}
}

func TestReconcile_PrivilegedAppliesImmediately(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	rec, err := r.Reconcile(basePatient(), &Patient{SurName: "Rahman", Gender: "F"}, Ledger{}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Patient.SurName != "Rahman" || rec.Patient.Gender != "F" {
		t.Errorf("privileged change not applied: %+v", rec.Patient)
	}
	if len(rec.Approvals) != 0 {
		t.Errorf("expected no approvals, got %d", len(rec.Approvals))
	}
	if want := []string{FieldSurName, FieldGender}; !reflect.DeepEqual(rec.Applied, want) {
		t.Errorf("applied = %v, want %v", rec.Applied, want)
	}
}

func TestReconcile_LockedField(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()

	tests := []struct {
		name      string
		proposed  *Patient
		requester Requester
		wantErr   []string
	}{
		{"changed by field worker", &Patient{NationalID: "1990000000000"}, fieldWorker, []string{FieldNationalID}},
		{"changed by admin", &Patient{NationalID: "1990000000000"}, admin, []string{FieldNationalID}},
		{"several locked fields", &Patient{HealthID: "HID10234567890", NationalID: "x", SurName: "Rahman"}, fieldWorker, []string{FieldHealthID, FieldNationalID}},
		{"same value", &Patient{NationalID: " 1990123456789 "}, fieldWorker, nil},
		{"omitted", &Patient{Occupation: "farmer"}, fieldWorker, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := r.Reconcile(existing, tt.proposed, Ledger{}, tt.requester)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Patient.NationalID != existing.NationalID {
					t.Errorf("national id changed to %q", rec.Patient.NationalID)
				}
				return
			}
			if !errors.Is(err, ErrNonUpdatableField) {
				t.Fatalf("expected ErrNonUpdatableField, got %v", err)
			}
			var locked *NonUpdatableFieldError
			if !errors.As(err, &locked) {
				t.Fatalf("expected *NonUpdatableFieldError, got %T", err)
			}
			if !reflect.DeepEqual(locked.Fields, tt.wantErr) {
				t.Errorf("fields = %v, want %v", locked.Fields, tt.wantErr)
			}
			if rec != nil {
				t.Error("no result may accompany a locked violation")
			}
		})
	}
}

func TestReconcile_OmittedAndWhitespaceFields(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()

	rec, err := r.Reconcile(existing, &Patient{SurName: "  Karim ", Occupation: "   "}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Applied) != 0 || len(rec.Approvals) != 0 {
		t.Errorf("whitespace edits must be no-ops: applied=%v approvals=%d", rec.Applied, len(rec.Approvals))
	}
	if !reflect.DeepEqual(rec.Patient, existing) {
		t.Errorf("record changed: %+v", rec.Patient)
	}
}

func TestReconcile_OpenFieldApplied(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	rec, err := r.Reconcile(basePatient(), &Patient{
		Occupation:  " farmer ",
		PhoneNumber: PhoneNumber{Number: "01711000000"},
	}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Patient.Occupation != "farmer" {
		t.Errorf("expected trimmed occupation, got %q", rec.Patient.Occupation)
	}
	if rec.Patient.PhoneNumber.Number != "01711000000" {
		t.Errorf("phone number not applied: %+v", rec.Patient.PhoneNumber)
	}
	if len(rec.Approvals) != 0 {
		t.Errorf("open fields must not create approvals")
	}
}

func TestReconcile_CompositeIsAtomic(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()
	moved := existing.PresentAddress
	moved.UpazilaID = "34"

	rec, err := r.Reconcile(existing, &Patient{PresentAddress: moved}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Patient.PresentAddress != existing.PresentAddress {
		t.Error("moderated address must not change")
	}
	if len(rec.Approvals) != 1 || rec.Approvals[0].Field != FieldPresentAddress {
		t.Fatalf("expected one present_address approval, got %+v", rec.Approvals)
	}
	if got := rec.Approvals[0].Latest().Value; got != moved {
		t.Errorf("proposal holds %+v, want %+v", got, moved)
	}
	if rec.Approvals[0].CurrentValue != existing.PresentAddress {
		t.Errorf("current value %+v, want %+v", rec.Approvals[0].CurrentValue, existing.PresentAddress)
	}
}

func TestReconcile_Creation(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	proposed := &Patient{
		HealthID:   "HID98123456703",
		NationalID: "1990123456789",
		GivenName:  " Abdul ",
		SurName:    "Karim",
	}
	rec, err := r.Reconcile(nil, proposed, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Approvals) != 0 {
		t.Errorf("creation must not defer fields")
	}
	if rec.Patient.HealthID != proposed.HealthID || rec.Patient.NationalID != proposed.NationalID {
		t.Errorf("locked fields must be set on creation: %+v", rec.Patient)
	}
	if rec.Patient.GivenName != "Abdul" {
		t.Errorf("expected trimmed given name, got %q", rec.Patient.GivenName)
	}
	if want := []string{FieldHealthID, FieldNationalID, FieldGivenName, FieldSurName}; !reflect.DeepEqual(rec.Applied, want) {
		t.Errorf("applied = %v, want %v", rec.Applied, want)
	}
}

func TestReconcile_ApprovalsSortedByField(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	rec, err := r.Reconcile(basePatient(), &Patient{
		SurName:     "Rahman",
		GivenName:   "Abdur",
		DateOfBirth: "1990-01-02",
	}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for _, a := range rec.Approvals {
		got = append(got, a.Field)
	}
	want := []string{FieldDateOfBirth, FieldGivenName, FieldSurName}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("approval order = %v, want %v", got, want)
	}
}

func TestReconcile_KeySourceFailure(t *testing.T) {
	r := NewReconciler(DefaultPolicyTable(), WithKeySource(func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("entropy unavailable")
	}))
	if _, err := r.Reconcile(basePatient(), &Patient{SurName: "Rahman"}, Ledger{}, fieldWorker); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolve(t *testing.T) {
	r := newTestReconciler(DefaultPolicyTable())
	existing := basePatient()
	rec, err := r.Reconcile(existing, &Patient{SurName: "Rahman", GivenName: "Abdur"}, Ledger{}, fieldWorker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ledger := NewLedger(rec.Approvals...)

	t.Run("accept", func(t *testing.T) {
		p, next, err := Resolve(rec.Patient, ledger, FieldSurName, Accept)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.SurName != "Rahman" {
			t.Errorf("expected Rahman, got %q", p.SurName)
		}
		if _, ok := next.Get(FieldSurName); ok {
			t.Error("accepted entry must leave the ledger")
		}
		if _, ok := next.Get(FieldGivenName); !ok {
			t.Error("unrelated entry must stay")
		}
		if rec.Patient.SurName != "Karim" || ledger.Len() != 2 {
			t.Error("inputs were modified")
		}
	})

	t.Run("reject", func(t *testing.T) {
		p, next, err := Resolve(rec.Patient, ledger, FieldSurName, Reject)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.SurName != "Karim" {
			t.Errorf("expected Karim, got %q", p.SurName)
		}
		if next.Len() != 1 {
			t.Errorf("expected 1 remaining entry, got %d", next.Len())
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		_, _, err := Resolve(rec.Patient, ledger, FieldGender, Accept)
		if !errors.Is(err, ErrNoPendingApproval) {
			t.Errorf("expected ErrNoPendingApproval, got %v", err)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		_, _, err := Resolve(rec.Patient, ledger, "nickname", Accept)
		if !errors.Is(err, ErrUnknownField) {
			t.Errorf("expected ErrUnknownField, got %v", err)
		}
	})

	t.Run("accept applies newest proposal", func(t *testing.T) {
		again, err := r.Reconcile(existing, &Patient{SurName: "Rahim"}, ledger, fieldWorker)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		p, _, err := Resolve(existing, ledger.Merge(again.Approvals...), FieldSurName, Accept)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.SurName != "Rahim" {
			t.Errorf("expected newest proposal Rahim, got %q", p.SurName)
		}
	})
}

func TestParseDecision(t *testing.T) {
	for _, d := range []Decision{Accept, Reject} {
		got, err := ParseDecision(d.String())
		if err != nil || got != d {
			t.Errorf("ParseDecision(%q) = %v, %v", d.String(), got, err)
		}
	}
	if _, err := ParseDecision("approve"); err == nil {
		t.Error("expected error for unknown decision")
	}
}
