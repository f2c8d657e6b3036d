package hid

import "errors"

var (
	// ErrConfiguration marks a setup the allocator cannot serve: a worker id
	// outside its partition range or a clock outside the representable ticks.
	ErrConfiguration = errors.New("hid: invalid configuration")

	// ErrAllocationExhausted is returned when no structurally valid body was
	// found within the retry ceiling. No identifier is returned with it.
	ErrAllocationExhausted = errors.New("hid: allocation retries exhausted")

	// ErrClockRegression is returned when the clock did not reach a usable
	// tick within the configured wait.
	ErrClockRegression = errors.New("hid: clock did not advance within wait limit")

	ErrInvalidIdentifier  = errors.New("hid: invalid identifier")
	ErrCheckDigitMismatch = errors.New("hid: check digit mismatch")
	ErrPoolEmpty          = errors.New("hid: identifier pool exhausted")
	ErrMalformedPool      = errors.New("hid: malformed pool artifact")
)
