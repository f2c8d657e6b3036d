package hid

import (
	"errors"
	"testing"
)

func TestLuhn_KnownVector(t *testing.T) {
	if got := (Luhn{}).Compute(7992739871); got != 3 {
		t.Errorf("Luhn(7992739871) = %d, want 3", got)
	}
	if !(Luhn{}).Verify(7992739871, 3) {
		t.Error("expected known vector to verify")
	}
}

func TestMod9(t *testing.T) {
	// 1+2+3+4+5+6+7+8+9+0 = 45
	if got := (Mod9{}).Compute(1234567890); got != 0 {
		t.Errorf("Mod9(1234567890) = %d, want 0", got)
	}
	if got := (Mod9{}).Compute(1234567891); got != 1 {
		t.Errorf("Mod9(1234567891) = %d, want 1", got)
	}
}

func TestSchemes_ComputeVerifyConsistent(t *testing.T) {
	for _, scheme := range []CheckDigitScheme{Luhn{}, Mod9{}} {
		t.Run(scheme.Name(), func(t *testing.T) {
			for body := MinBody; body < MinBody+20_000; body++ {
				d := scheme.Compute(body)
				if d < 0 || d > 9 {
					t.Fatalf("%s: digit %d out of range for %d", scheme.Name(), d, body)
				}
				if !scheme.Verify(body, d) {
					t.Fatalf("%s: Verify(%d, Compute) = false", scheme.Name(), body)
				}
				if scheme.Verify(body, (d+1)%10) {
					t.Fatalf("%s: Verify accepted wrong digit for %d", scheme.Name(), body)
				}
			}
		})
	}
}

func TestLuhn_DetectsAdjacentTransposition(t *testing.T) {
	// 8 and 9 swapped; Luhn only misses the 09/90 swap.
	a, b := uint64(1234567890), uint64(1234567980)
	if (Luhn{}).Compute(a) == (Luhn{}).Compute(b) {
		t.Error("Luhn should distinguish adjacent transposition")
	}
	if (Mod9{}).Compute(a) != (Mod9{}).Compute(b) {
		t.Error("Mod9 is order-insensitive and should not distinguish")
	}
}

func TestSchemeByName(t *testing.T) {
	if s, err := SchemeByName("luhn"); err != nil || s.Name() != SchemeLuhn {
		t.Errorf("expected luhn, got %v, %v", s, err)
	}
	if s, err := SchemeByName("mod9"); err != nil || s.Name() != SchemeMod9 {
		t.Errorf("expected mod9, got %v, %v", s, err)
	}
	if _, err := SchemeByName("verhoeff"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
