package hid

import "fmt"

const (
	SchemeLuhn = "luhn"
	SchemeMod9 = "mod9"
)

// CheckDigitScheme derives the single verification digit appended to a body.
// Exactly one scheme is active per deployment; identifiers issued under one
// scheme do not verify under the other.
type CheckDigitScheme interface {
	Name() string
	Compute(body uint64) int
	Verify(body uint64, digit int) bool
}

// SchemeByName returns the scheme registered under name.
func SchemeByName(name string) (CheckDigitScheme, error) {
	switch name {
	case SchemeLuhn:
		return Luhn{}, nil
	case SchemeMod9:
		return Mod9{}, nil
	}
	return nil, fmt.Errorf("%w: unknown check digit scheme %q", ErrConfiguration, name)
}

// Luhn is the weighted alternating-digit checksum. It catches every single
// digit error and most adjacent transpositions.
type Luhn struct{}

func (Luhn) Name() string { return SchemeLuhn }

func (Luhn) Compute(body uint64) int {
	d := digits(body)
	sum := 0
	// The check digit takes the rightmost position, so the body's last digit
	// is the first one doubled.
	for i := BodyDigits - 1; i >= 0; i-- {
		x := int(d[i])
		if (BodyDigits-1-i)%2 == 0 {
			x *= 2
			if x > 9 {
				x -= 9
			}
		}
		sum += x
	}
	return (10 - sum%10) % 10
}

func (l Luhn) Verify(body uint64, digit int) bool {
	return digit >= 0 && digit <= 9 && l.Compute(body) == digit
}

// Mod9 is the legacy digit-sum modulo 9 scheme. It is order-insensitive and
// kept only to verify identifiers issued under it.
type Mod9 struct{}

func (Mod9) Name() string { return SchemeMod9 }

func (Mod9) Compute(body uint64) int {
	sum := 0
	for _, x := range digits(body) {
		sum += int(x)
	}
	return sum % 9
}

func (m Mod9) Verify(body uint64, digit int) bool {
	return digit >= 0 && digit <= 9 && m.Compute(body) == digit
}
