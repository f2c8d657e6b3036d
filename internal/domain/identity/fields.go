package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	FieldHealthID                = "health_id"
	FieldNationalID              = "national_id"
	FieldBirthRegistrationNumber = "birth_registration_number"
	FieldGivenName               = "given_name"
	FieldSurName                 = "sur_name"
	FieldGender                  = "gender"
	FieldDateOfBirth             = "date_of_birth"
	FieldPresentAddress          = "present_address"
	FieldStatus                  = "status"
	FieldOccupation              = "occupation"
	FieldEduLevel                = "edu_level"
	FieldReligion                = "religion"
	FieldEmail                   = "email"
	FieldPhoneNumber             = "phone_number"
	FieldPrimaryContactNumber    = "primary_contact_number"
)

// fieldSpec describes one reconcilable attribute. get returns the
// normalized value; a value equal to empty is treated as absent.
type fieldSpec struct {
	name   string
	empty  any
	get    func(*Patient) any
	set    func(*Patient, any) bool
	decode func(json.RawMessage) (any, error)
}

func stringField(name string, ptr func(*Patient) *string) fieldSpec {
	return fieldSpec{
		name:  name,
		empty: "",
		get:   func(p *Patient) any { return strings.TrimSpace(*ptr(p)) },
		set: func(p *Patient, v any) bool {
			s, ok := v.(string)
			if ok {
				*ptr(p) = s
			}
			return ok
		},
		decode: func(raw json.RawMessage) (any, error) {
			var s string
			err := json.Unmarshal(raw, &s)
			return strings.TrimSpace(s), err
		},
	}
}

type composite[T any] interface {
	comparable
	normalized() T
}

func compositeField[T composite[T]](name string, ptr func(*Patient) *T) fieldSpec {
	var zero T
	return fieldSpec{
		name:  name,
		empty: zero,
		get:   func(p *Patient) any { return (*ptr(p)).normalized() },
		set: func(p *Patient, v any) bool {
			c, ok := v.(T)
			if ok {
				*ptr(p) = c
			}
			return ok
		},
		decode: func(raw json.RawMessage) (any, error) {
			var c T
			err := json.Unmarshal(raw, &c)
			return c.normalized(), err
		},
	}
}

// patientFields is the complete, ordered set of reconciled attributes.
var patientFields = []fieldSpec{
	stringField(FieldHealthID, func(p *Patient) *string { return &p.HealthID }),
	stringField(FieldNationalID, func(p *Patient) *string { return &p.NationalID }),
	stringField(FieldBirthRegistrationNumber, func(p *Patient) *string { return &p.BirthRegistrationNumber }),
	stringField(FieldGivenName, func(p *Patient) *string { return &p.GivenName }),
	stringField(FieldSurName, func(p *Patient) *string { return &p.SurName }),
	stringField(FieldGender, func(p *Patient) *string { return &p.Gender }),
	stringField(FieldDateOfBirth, func(p *Patient) *string { return &p.DateOfBirth }),
	compositeField(FieldPresentAddress, func(p *Patient) *Address { return &p.PresentAddress }),
	compositeField(FieldStatus, func(p *Patient) *LifeStatus { return &p.Status }),
	stringField(FieldOccupation, func(p *Patient) *string { return &p.Occupation }),
	stringField(FieldEduLevel, func(p *Patient) *string { return &p.EduLevel }),
	stringField(FieldReligion, func(p *Patient) *string { return &p.Religion }),
	stringField(FieldEmail, func(p *Patient) *string { return &p.Email }),
	compositeField(FieldPhoneNumber, func(p *Patient) *PhoneNumber { return &p.PhoneNumber }),
	compositeField(FieldPrimaryContactNumber, func(p *Patient) *PhoneNumber { return &p.PrimaryContactNumber }),
}

var fieldIndex = func() map[string]*fieldSpec {
	m := make(map[string]*fieldSpec, len(patientFields))
	for i := range patientFields {
		m[patientFields[i].name] = &patientFields[i]
	}
	return m
}()

func lookupField(name string) (*fieldSpec, error) {
	f, ok := fieldIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

// FieldNames returns every reconciled attribute name in table order.
func FieldNames() []string {
	names := make([]string, len(patientFields))
	for i, f := range patientFields {
		names[i] = f.name
	}
	return names
}
