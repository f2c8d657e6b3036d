package hid

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/metrics"
)

// PoolStats summarizes a precomputed identifier pool.
type PoolStats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Assigned  int64 `json:"assigned"`
}

// PoolStore persists enumerated identifiers. Claim hands out the lowest
// unassigned body and marks it assigned permanently; it returns ErrPoolEmpty
// once nothing is left. Load ignores bodies already present.
type PoolStore interface {
	Claim(ctx context.Context) (body uint64, checkDigit int, err error)
	Load(ctx context.Context, ids []HealthIdentifier) (int64, error)
	Stats(ctx context.Context) (PoolStats, error)
}

// PoolAllocator draws identifiers first-available from a PoolStore.
type PoolAllocator struct {
	store     PoolStore
	format    Format
	validator *Validator
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewPoolAllocator(store PoolStore, format Format, logger zerolog.Logger, m *metrics.Metrics) *PoolAllocator {
	return &PoolAllocator{
		store:     store,
		format:    format,
		validator: PoolValidator(),
		logger:    logger.With().Str("component", "hid-pool").Logger(),
		metrics:   m,
	}
}

// Allocate claims the next pooled identifier. A claimed body that fails the
// active scheme stays assigned and the call fails, so a pool built under a
// different scheme is never issued.
func (p *PoolAllocator) Allocate(ctx context.Context) (HealthIdentifier, error) {
	body, check, err := p.store.Claim(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolEmpty) {
			p.metrics.IncAllocationFailure("pool_empty")
			p.logger.Error().Msg("identifier pool exhausted")
			return HealthIdentifier{}, err
		}
		p.metrics.IncAllocationFailure("other")
		return HealthIdentifier{}, fmt.Errorf("claim pooled identifier: %w", err)
	}

	if !p.validator.IsStructurallyValid(body) {
		p.metrics.IncAllocationFailure("invalid")
		return HealthIdentifier{}, fmt.Errorf("%w: pooled body %010d fails structural rules", ErrInvalidIdentifier, body)
	}
	if !p.format.Scheme.Verify(body, check) {
		p.metrics.IncAllocationFailure("check_digit")
		return HealthIdentifier{}, fmt.Errorf("%w: %w: pooled body %010d under scheme %s", ErrInvalidIdentifier, ErrCheckDigitMismatch, body, p.format.Scheme.Name())
	}

	p.metrics.IncAllocation(StrategyPool)
	return HealthIdentifier{prefix: p.format.Prefix, body: body, check: check}, nil
}

// LoadPool reads an enumerator artifact and loads it into store in batches.
// It returns the number of identifiers newly added.
func LoadPool(ctx context.Context, store PoolStore, r io.Reader, format Format, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10_000
	}
	var added int64
	batch := make([]HealthIdentifier, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := store.Load(ctx, batch)
		if err != nil {
			return fmt.Errorf("load pool batch: %w", err)
		}
		added += n
		batch = batch[:0]
		return nil
	}

	_, err := ReadPool(r, format, func(id HealthIdentifier) error {
		batch = append(batch, id)
		if len(batch) == batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return added, err
	}
	if err := flush(); err != nil {
		return added, err
	}
	return added, nil
}
