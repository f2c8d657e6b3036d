package hid

import "fmt"

const (
	// BodyDigits is the fixed length of an identifier body.
	BodyDigits = 10

	MinBody uint64 = 1_000_000_000
	MaxBody uint64 = 9_999_999_999

	maxDigitRepeat = 3
	groupLen       = 3
)

// LeadingRange returns the two-digit leading values lo..hi inclusive.
func LeadingRange(lo, hi int) []int {
	if lo > hi {
		return nil
	}
	out := make([]int, 0, hi-lo+1)
	for l := lo; l <= hi; l++ {
		out = append(out, l)
	}
	return out
}

var (
	// PackedLeading holds the leading digits issued by the packed allocator.
	PackedLeading = LeadingRange(10, 97)
	// PoolLeading holds the leading digits reserved for the enumerated pool.
	PoolLeading = LeadingRange(98, 99)
)

// Validator checks the structural rules every identifier body must satisfy.
// It is immutable and safe for concurrent use.
type Validator struct {
	leading [100]bool
}

// NewValidator builds a validator that accepts bodies whose first two digits
// are one of leading.
func NewValidator(leading ...int) (*Validator, error) {
	v := &Validator{}
	for _, l := range leading {
		if l < 10 || l > 99 {
			return nil, fmt.Errorf("%w: leading digits %d out of range", ErrConfiguration, l)
		}
		v.leading[l] = true
	}
	return v, nil
}

func mustValidator(leading ...int) *Validator {
	v, err := NewValidator(leading...)
	if err != nil {
		panic(err)
	}
	return v
}

// PackedValidator accepts bodies in the packed allocator's range.
func PackedValidator() *Validator { return mustValidator(PackedLeading...) }

// PoolValidator accepts bodies in the enumerated pool's range.
func PoolValidator() *Validator { return mustValidator(PoolLeading...) }

// AnyValidator accepts bodies issued under either scheme.
func AnyValidator() *Validator { return mustValidator(LeadingRange(10, 99)...) }

// AcceptsLeading reports whether bodies starting with the two digits l are
// in range for this validator.
func (v *Validator) AcceptsLeading(l int) bool {
	if l < 0 || l > 99 {
		return false
	}
	return v.leading[l]
}

// IsStructurallyValid reports whether body has ten digits, an accepted
// leading pair, no digit more than three times and no three-digit group
// occurring twice.
func (v *Validator) IsStructurallyValid(body uint64) bool {
	if body < MinBody || body > MaxBody {
		return false
	}
	d := digits(body)
	if !v.leading[int(d[0])*10+int(d[1])] {
		return false
	}

	var counts [10]int
	for _, x := range d {
		counts[x]++
		if counts[x] > maxDigitRepeat {
			return false
		}
	}

	for i := 0; i+groupLen <= BodyDigits; i++ {
		for j := i + groupLen; j+groupLen <= BodyDigits; j++ {
			if d[i] == d[j] && d[i+1] == d[j+1] && d[i+2] == d[j+2] {
				return false
			}
		}
	}
	return true
}

// digits returns the decimal digits of a body, most significant first.
func digits(body uint64) [BodyDigits]byte {
	var d [BodyDigits]byte
	for i := BodyDigits - 1; i >= 0; i-- {
		d[i] = byte(body % 10)
		body /= 10
	}
	return d
}
