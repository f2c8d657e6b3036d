package hid

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPrefix tags every externally visible identifier.
const DefaultPrefix = "HID"

// HealthIdentifier is an issued identifier: prefix, ten digit body and check
// digit. The zero value is not a valid identifier.
type HealthIdentifier struct {
	prefix string
	body   uint64
	check  int
}

func (h HealthIdentifier) Prefix() string  { return h.prefix }
func (h HealthIdentifier) Body() uint64    { return h.body }
func (h HealthIdentifier) CheckDigit() int { return h.check }
func (h HealthIdentifier) IsZero() bool    { return h.body == 0 }

// String renders the external form <prefix><10 digits><check digit>.
func (h HealthIdentifier) String() string {
	if h.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s%010d%d", h.prefix, h.body, h.check)
}

// Format binds the deployment's prefix to its active check digit scheme.
type Format struct {
	Prefix string
	Scheme CheckDigitScheme
}

// NewFormat resolves the named scheme.
func NewFormat(prefix, scheme string) (Format, error) {
	s, err := SchemeByName(scheme)
	if err != nil {
		return Format{}, err
	}
	return Format{Prefix: prefix, Scheme: s}, nil
}

// Issue appends the check digit to body. The caller guarantees body is
// structurally valid.
func (f Format) Issue(body uint64) HealthIdentifier {
	return HealthIdentifier{prefix: f.Prefix, body: body, check: f.Scheme.Compute(body)}
}

var anyScheme = AnyValidator()

// Parse validates an externally supplied identifier. A wrong check digit is
// reported as both ErrInvalidIdentifier and ErrCheckDigitMismatch.
func (f Format) Parse(s string) (HealthIdentifier, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, f.Prefix) {
		return HealthIdentifier{}, fmt.Errorf("%w: missing prefix %q", ErrInvalidIdentifier, f.Prefix)
	}
	digitsPart := s[len(f.Prefix):]
	if len(digitsPart) != BodyDigits+1 {
		return HealthIdentifier{}, fmt.Errorf("%w: expected %d digits, got %d", ErrInvalidIdentifier, BodyDigits+1, len(digitsPart))
	}
	for _, r := range digitsPart {
		if r < '0' || r > '9' {
			return HealthIdentifier{}, fmt.Errorf("%w: non-digit character %q", ErrInvalidIdentifier, r)
		}
	}

	body, err := strconv.ParseUint(digitsPart[:BodyDigits], 10, 64)
	if err != nil {
		return HealthIdentifier{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	check := int(digitsPart[BodyDigits] - '0')

	if !anyScheme.IsStructurallyValid(body) {
		return HealthIdentifier{}, fmt.Errorf("%w: body %010d fails structural rules", ErrInvalidIdentifier, body)
	}
	if !f.Scheme.Verify(body, check) {
		return HealthIdentifier{}, fmt.Errorf("%w: %w", ErrInvalidIdentifier, ErrCheckDigitMismatch)
	}
	return HealthIdentifier{prefix: f.Prefix, body: body, check: check}, nil
}
