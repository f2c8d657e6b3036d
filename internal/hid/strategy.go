package hid

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/metrics"
)

// Settings selects and parameterizes one allocation strategy.
type Settings struct {
	Strategy     string
	WorkerID     int
	Prefix       string
	Scheme       string
	MaxClockWait time.Duration
}

// Format resolves the prefix and check digit scheme.
func (s Settings) Format() (Format, error) {
	return NewFormat(s.Prefix, s.Scheme)
}

// NewAllocator builds the deployment's allocator. The pool strategy needs a
// store; the packed strategy ignores it.
func NewAllocator(s Settings, store PoolStore, logger zerolog.Logger, m *metrics.Metrics) (Allocator, error) {
	format, err := s.Format()
	if err != nil {
		return nil, err
	}
	switch s.Strategy {
	case StrategyPacked, "":
		opts := []Option{WithLogger(logger), WithMetrics(m)}
		if s.MaxClockWait > 0 {
			opts = append(opts, WithMaxClockWait(s.MaxClockWait))
		}
		return NewPackedAllocator(s.WorkerID, format, opts...)
	case StrategyPool:
		if store == nil {
			return nil, fmt.Errorf("%w: pool strategy needs a pool store", ErrConfiguration)
		}
		return NewPoolAllocator(store, format, logger, m), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, s.Strategy)
	}
}
