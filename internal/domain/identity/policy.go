package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/mpi/internal/hid"
)

// FieldPolicy controls how a change to one attribute is reconciled.
// The zero value is PolicyOpen.
type FieldPolicy int

const (
	PolicyOpen FieldPolicy = iota
	PolicyModerated
	PolicyLocked
)

func (p FieldPolicy) String() string {
	switch p {
	case PolicyOpen:
		return "open"
	case PolicyModerated:
		return "moderated"
	case PolicyLocked:
		return "locked"
	default:
		return fmt.Sprintf("FieldPolicy(%d)", int(p))
	}
}

// ParseFieldPolicy accepts the names produced by String, case-insensitively.
func ParseFieldPolicy(s string) (FieldPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return PolicyOpen, nil
	case "moderated":
		return PolicyModerated, nil
	case "locked":
		return PolicyLocked, nil
	}
	return 0, fmt.Errorf("unknown field policy %q", s)
}

// PolicyTable maps attribute names to policies. It is immutable once built;
// a nil table answers PolicyOpen for everything except health_id.
type PolicyTable struct {
	policies map[string]FieldPolicy
}

// NewPolicyTable rejects names outside the reconciled attribute set and any
// policy other than locked for health_id.
func NewPolicyTable(policies map[string]FieldPolicy) (*PolicyTable, error) {
	t := &PolicyTable{policies: make(map[string]FieldPolicy, len(policies))}
	for name, p := range policies {
		if _, err := lookupField(name); err != nil {
			return nil, err
		}
		if name == FieldHealthID && p != PolicyLocked {
			return nil, fmt.Errorf("%w: %s is issued by the registry and must stay locked, got %s", hid.ErrConfiguration, name, p)
		}
		t.policies[name] = p
	}
	return t, nil
}

// DefaultPolicyTable is the registry's built-in policy set.
func DefaultPolicyTable() *PolicyTable {
	return &PolicyTable{policies: map[string]FieldPolicy{
		FieldHealthID:                PolicyLocked,
		FieldNationalID:              PolicyLocked,
		FieldBirthRegistrationNumber: PolicyLocked,
		FieldGivenName:               PolicyModerated,
		FieldSurName:                 PolicyModerated,
		FieldGender:                  PolicyModerated,
		FieldDateOfBirth:             PolicyModerated,
		FieldPresentAddress:          PolicyModerated,
		FieldStatus:                  PolicyModerated,
		FieldOccupation:              PolicyOpen,
		FieldEduLevel:                PolicyOpen,
		FieldReligion:                PolicyOpen,
		FieldEmail:                   PolicyOpen,
		FieldPhoneNumber:             PolicyOpen,
		FieldPrimaryContactNumber:    PolicyOpen,
	}}
}

// WithOverrides returns a copy of t with the named policies replaced. Keys
// are attribute names, values are policy names.
func (t *PolicyTable) WithOverrides(overrides map[string]string) (*PolicyTable, error) {
	merged := make(map[string]FieldPolicy, len(fieldIndex))
	if t != nil {
		for name, p := range t.policies {
			merged[name] = p
		}
	}
	for name, raw := range overrides {
		p, err := ParseFieldPolicy(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		merged[name] = p
	}
	return NewPolicyTable(merged)
}

// PolicyFor defaults to PolicyOpen for attributes without an entry.
// health_id is always locked.
func (t *PolicyTable) PolicyFor(field string) FieldPolicy {
	if field == FieldHealthID {
		return PolicyLocked
	}
	if t == nil {
		return PolicyOpen
	}
	return t.policies[field]
}

// PolicyEntry is one row of the effective table.
type PolicyEntry struct {
	Field  string
	Policy FieldPolicy
}

// Entries lists the effective policy of every reconciled attribute, sorted
// by name.
func (t *PolicyTable) Entries() []PolicyEntry {
	names := FieldNames()
	sort.Strings(names)
	out := make([]PolicyEntry, len(names))
	for i, name := range names {
		out[i] = PolicyEntry{Field: name, Policy: t.PolicyFor(name)}
	}
	return out
}
