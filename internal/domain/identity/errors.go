package identity

import (
	"errors"
	"strings"
)

var (
	ErrNonUpdatableField = errors.New("non-updatable field")
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrOutsideCatchment  = errors.New("patient is outside the approver's catchment")
	ErrConcurrentUpdate  = errors.New("patient was modified concurrently")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrUnknownField      = errors.New("unknown field")
	ErrInvalidPatient    = errors.New("invalid patient")
	ErrDuplicateHealthID = errors.New("health id already assigned")
)

// NonUpdatableFieldError lists every locked field an update tried to change.
type NonUpdatableFieldError struct {
	Fields []string
}

func (e *NonUpdatableFieldError) Error() string {
	return "cannot update locked fields: " + strings.Join(e.Fields, ", ")
}

func (e *NonUpdatableFieldError) Unwrap() error { return ErrNonUpdatableField }
