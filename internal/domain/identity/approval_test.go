package identity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func proposal(v any) ProposalEntry {
	return ProposalEntry{Key: uuid.Must(uuid.NewV7()), Value: v, RequesterID: "hw-17", ProposedAt: t0}
}

func TestLedger_EntriesSortedByField(t *testing.T) {
	l := NewLedger(
		PendingApproval{Field: FieldSurName, CurrentValue: "Karim", History: []ProposalEntry{proposal("Rahman")}},
		PendingApproval{Field: FieldDateOfBirth, CurrentValue: "", History: []ProposalEntry{proposal("1990-01-02")}},
		PendingApproval{Field: FieldGender, CurrentValue: "M", History: []ProposalEntry{proposal("F")}},
	)
	entries := l.Entries()
	want := []string{FieldDateOfBirth, FieldGender, FieldSurName}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, f := range want {
		if entries[i].Field != f {
			t.Errorf("entry %d: expected %s, got %s", i, f, entries[i].Field)
		}
	}
}

func TestLedger_MergeIgnoresEmptyHistory(t *testing.T) {
	l := NewLedger(PendingApproval{Field: FieldSurName, CurrentValue: "Karim"})
	if l.Len() != 0 {
		t.Errorf("approval without history must not be stored, got %d entries", l.Len())
	}
}

func TestLedger_MergeAndWithoutAreCopies(t *testing.T) {
	base := NewLedger(PendingApproval{Field: FieldSurName, CurrentValue: "Karim", History: []ProposalEntry{proposal("Rahman")}})
	merged := base.Merge(PendingApproval{Field: FieldGender, CurrentValue: "M", History: []ProposalEntry{proposal("F")}})
	if base.Len() != 1 || merged.Len() != 2 {
		t.Fatalf("base=%d merged=%d", base.Len(), merged.Len())
	}
	removed := merged.Without(FieldSurName)
	if removed.Len() != 1 || merged.Len() != 2 {
		t.Fatalf("removed=%d merged=%d", removed.Len(), merged.Len())
	}
	if _, ok := removed.Get(FieldGender); !ok {
		t.Error("unrelated entry lost")
	}
}

func TestDecodeApproval_RestoresTypedValues(t *testing.T) {
	old := Address{AddressLine: "House 12", DivisionID: "30", DistrictID: "26", UpazilaID: "12"}
	moved := Address{AddressLine: "House 7", DivisionID: "30", DistrictID: "26", UpazilaID: "34"}
	a := PendingApproval{
		Field:        FieldPresentAddress,
		CurrentValue: old,
		History:      []ProposalEntry{proposal(moved)},
	}

	current, err := json.Marshal(a.CurrentValue)
	if err != nil {
		t.Fatalf("marshal current: %v", err)
	}
	history, err := json.Marshal(a.History)
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}

	got, err := decodeApproval(FieldPresentAddress, current, history)
	if err != nil {
		t.Fatalf("decodeApproval() error: %v", err)
	}
	if got.CurrentValue != old {
		t.Errorf("current value = %#v, want %#v", got.CurrentValue, old)
	}
	if got.Latest().Value != moved {
		t.Errorf("proposal value = %#v, want %#v", got.Latest().Value, moved)
	}
	if got.Latest().Key != a.History[0].Key || !got.Latest().ProposedAt.Equal(t0) {
		t.Errorf("proposal metadata lost: %+v", got.Latest())
	}

	// A decoded approval must still resolve onto a patient.
	p, _, err := Resolve(&Patient{PresentAddress: old}, NewLedger(got), FieldPresentAddress, Accept)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p.PresentAddress != moved {
		t.Errorf("address = %+v, want %+v", p.PresentAddress, moved)
	}
}

func TestDecodeApproval_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		current string
		history string
	}{
		{"unknown field", "nickname", `""`, `[{"value":"x"}]`},
		{"empty history", FieldSurName, `"Karim"`, `[]`},
		{"wrong value type", FieldSurName, `"Karim"`, `[{"value":{"a":1}}]`},
		{"bad json", FieldSurName, `"Karim"`, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeApproval(tt.field, []byte(tt.current), []byte(tt.history)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProposalEntry_JSONShape(t *testing.T) {
	e := ProposalEntry{Key: uuid.Nil, Value: "Rahman", RequesterID: "hw-17", ProposedAt: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"key", "value", "requester_id", "proposed_at"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing %q in %s", k, b)
		}
	}
}
