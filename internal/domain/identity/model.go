package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. Only the attributes the moderation
// engine reconciles are modelled.
type Patient struct {
	ID                      uuid.UUID `db:"id" json:"id"`
	HealthID                string    `db:"health_id" json:"health_id"`
	NationalID              string    `db:"national_id" json:"national_id,omitempty"`
	BirthRegistrationNumber string    `db:"birth_registration_number" json:"birth_registration_number,omitempty"`

	GivenName string `db:"given_name" json:"given_name"`
	SurName   string `db:"sur_name" json:"sur_name,omitempty"`
	Gender    string `db:"gender" json:"gender,omitempty"`
	// DateOfBirth is a calendar date in YYYY-MM-DD form.
	DateOfBirth string `db:"date_of_birth" json:"date_of_birth,omitempty"`

	Occupation string `db:"occupation" json:"occupation,omitempty"`
	EduLevel   string `db:"edu_level" json:"edu_level,omitempty"`
	Religion   string `db:"religion" json:"religion,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`

	PhoneNumber          PhoneNumber `db:"phone_number" json:"phone_number"`
	PrimaryContactNumber PhoneNumber `db:"primary_contact_number" json:"primary_contact_number"`
	PresentAddress       Address     `db:"present_address" json:"present_address"`
	Status               LifeStatus  `db:"status" json:"status"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a copy. Every attribute is a value type, so a shallow copy is
// independent of the original.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Catchment is the administrative area of the patient's present address.
func (p *Patient) Catchment() Catchment {
	return Catchment{
		DivisionID: p.PresentAddress.DivisionID,
		DistrictID: p.PresentAddress.DistrictID,
		UpazilaID:  p.PresentAddress.UpazilaID,
	}
}

// Address is reconciled as one unit; a change to any member is a change to
// the address.
type Address struct {
	AddressLine string `json:"address_line,omitempty"`
	DivisionID  string `json:"division_id,omitempty"`
	DistrictID  string `json:"district_id,omitempty"`
	UpazilaID   string `json:"upazila_id,omitempty"`
	UnionID     string `json:"union_or_urban_ward_id,omitempty"`
	Village     string `json:"village,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

func (a Address) normalized() Address {
	return Address{
		AddressLine: strings.TrimSpace(a.AddressLine),
		DivisionID:  strings.TrimSpace(a.DivisionID),
		DistrictID:  strings.TrimSpace(a.DistrictID),
		UpazilaID:   strings.TrimSpace(a.UpazilaID),
		UnionID:     strings.TrimSpace(a.UnionID),
		Village:     strings.TrimSpace(a.Village),
		CountryCode: strings.TrimSpace(a.CountryCode),
	}
}

type PhoneNumber struct {
	CountryCode string `json:"country_code,omitempty"`
	AreaCode    string `json:"area_code,omitempty"`
	Number      string `json:"number,omitempty"`
	Extension   string `json:"extension,omitempty"`
}

func (n PhoneNumber) normalized() PhoneNumber {
	return PhoneNumber{
		CountryCode: strings.TrimSpace(n.CountryCode),
		AreaCode:    strings.TrimSpace(n.AreaCode),
		Number:      strings.TrimSpace(n.Number),
		Extension:   strings.TrimSpace(n.Extension),
	}
}

// LifeStatus records whether the patient is alive and, if not, when they died.
type LifeStatus struct {
	Status      string `json:"type,omitempty"`
	DateOfDeath string `json:"date_of_death,omitempty"`
}

func (s LifeStatus) normalized() LifeStatus {
	return LifeStatus{
		Status:      strings.TrimSpace(s.Status),
		DateOfDeath: strings.TrimSpace(s.DateOfDeath),
	}
}

const (
	LifeStatusAlive    = "alive"
	LifeStatusDeceased = "deceased"
	LifeStatusUnknown  = "unknown"
)

// Catchment scopes an approver's authority. Empty trailing levels widen the
// scope: a catchment with only a division covers every district in it.
type Catchment struct {
	DivisionID string `json:"division_id"`
	DistrictID string `json:"district_id,omitempty"`
	UpazilaID  string `json:"upazila_id,omitempty"`
}

// Covers reports whether area lies inside c. An empty catchment covers nothing.
func (c Catchment) Covers(area Catchment) bool {
	if c.DivisionID == "" || c.DivisionID != area.DivisionID {
		return false
	}
	if c.DistrictID == "" {
		return true
	}
	if c.DistrictID != area.DistrictID {
		return false
	}
	return c.UpazilaID == "" || c.UpazilaID == area.UpazilaID
}

func (c Catchment) String() string {
	return c.DivisionID + c.DistrictID + c.UpazilaID
}

// Requester identifies who submitted an update or resolves an approval.
// Privilege and catchment are decided by the caller's authorization layer.
type Requester struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Privileged bool       `json:"privileged"`
	Catchment  *Catchment `json:"catchment,omitempty"`
}

// PatientApprovals groups one patient's pending approvals for an approver feed.
type PatientApprovals struct {
	PatientID uuid.UUID         `json:"patient_id"`
	HealthID  string            `json:"health_id"`
	Catchment Catchment         `json:"catchment"`
	Approvals []PendingApproval `json:"approvals"`
}
