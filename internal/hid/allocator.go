package hid

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/metrics"
)

const (
	WorkerBits  = 4
	SaltBits    = 6
	MaxWorkerID = 1<<WorkerBits - 1

	saltSpace = 1 << SaltBits
	tickShift = WorkerBits + SaltBits

	// MaxTick is the first tick that can no longer be packed without leaving
	// the packed scheme's leading-digit range.
	MaxTick = int64((9_800_000_000 - MinBody) >> tickShift)

	// MaxAttempts bounds structural retries within one call.
	MaxAttempts = 50

	DefaultMaxClockWait = 2 * time.Minute
	defaultPollInterval = 250 * time.Millisecond

	StrategyPacked = "packed"
	StrategyPool   = "pool"
)

// Epoch is tick zero of the packed allocator.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Allocator issues one fresh identifier per call.
type Allocator interface {
	Allocate(ctx context.Context) (HealthIdentifier, error)
}

// Clock is the allocator's wall-clock source.
type Clock interface {
	Now() time.Time
}

// Random draws salts. *rand.Rand satisfies it.
type Random interface {
	IntN(n int) int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// PackedAllocator packs a minute tick, a worker id and a random salt into a
// body. Uniqueness within an instance comes from the per-tick salt set;
// across instances it comes from disjoint worker ids.
type PackedAllocator struct {
	mu sync.Mutex

	workerID  uint64
	format    Format
	validator *Validator
	clock     Clock
	rnd       Random
	maxWait   time.Duration
	poll      time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	lastTick int64
	// seen is a bitmask over the salt space, cleared whenever the tick advances.
	seen uint64
}

// Option configures a PackedAllocator.
type Option func(*PackedAllocator)

func WithClock(c Clock) Option   { return func(a *PackedAllocator) { a.clock = c } }
func WithRandom(r Random) Option { return func(a *PackedAllocator) { a.rnd = r } }
func WithLogger(l zerolog.Logger) Option {
	return func(a *PackedAllocator) { a.logger = l.With().Str("component", "hid-allocator").Logger() }
}
func WithMetrics(m *metrics.Metrics) Option { return func(a *PackedAllocator) { a.metrics = m } }

// WithMaxClockWait caps how long one call may wait for the clock.
func WithMaxClockWait(d time.Duration) Option { return func(a *PackedAllocator) { a.maxWait = d } }

func WithPollInterval(d time.Duration) Option { return func(a *PackedAllocator) { a.poll = d } }

// NewPackedAllocator validates workerID and the current clock reading. Both
// failures are ErrConfiguration and are meant to stop startup.
func NewPackedAllocator(workerID int, format Format, opts ...Option) (*PackedAllocator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: worker id %d outside [0, %d]", ErrConfiguration, workerID, MaxWorkerID)
	}
	if format.Scheme == nil {
		return nil, fmt.Errorf("%w: no check digit scheme", ErrConfiguration)
	}

	a := &PackedAllocator{
		workerID:  uint64(workerID),
		format:    format,
		validator: PackedValidator(),
		clock:     systemClock{},
		rnd:       globalRand{},
		maxWait:   DefaultMaxClockWait,
		poll:      defaultPollInterval,
		sleep:     sleepContext,
		logger:    zerolog.Nop(),
		lastTick:  -1,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxWait <= 0 || a.poll <= 0 {
		return nil, fmt.Errorf("%w: clock wait and poll interval must be positive", ErrConfiguration)
	}

	if _, err := tickAt(a.clock.Now()); err != nil {
		return nil, err
	}
	return a, nil
}

// WorkerID returns the partition this allocator packs into every body.
func (a *PackedAllocator) WorkerID() int { return int(a.workerID) }

// Allocate returns a fresh identifier or an error; it never returns a
// best-effort identifier. Calls on one instance are serialized.
func (a *PackedAllocator) Allocate(ctx context.Context) (HealthIdentifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tick, err := a.waitForTick(ctx, a.lastTick)
	if err != nil {
		a.fail(err)
		return HealthIdentifier{}, err
	}
	a.advance(tick)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if a.seen == saltMaskFull {
			// Every salt of this tick is spent; only the next tick can help.
			tick, err = a.waitForTick(ctx, a.lastTick+1)
			if err != nil {
				a.fail(err)
				return HealthIdentifier{}, err
			}
			a.advance(tick)
		}

		salt := a.drawSalt()
		body := MinBody + (uint64(a.lastTick)<<tickShift | a.workerID<<SaltBits | salt)
		if a.validator.IsStructurallyValid(body) {
			a.metrics.AddRetries(attempt - 1)
			a.metrics.IncAllocation(StrategyPacked)
			return a.format.Issue(body), nil
		}
	}

	a.metrics.AddRetries(MaxAttempts)
	err = fmt.Errorf("%w: %d attempts at tick %d", ErrAllocationExhausted, MaxAttempts, a.lastTick)
	a.fail(err)
	return HealthIdentifier{}, err
}

const saltMaskFull = ^uint64(0) >> (64 - saltSpace)

func (a *PackedAllocator) advance(tick int64) {
	if tick != a.lastTick {
		a.lastTick = tick
		a.seen = 0
	}
}

func (a *PackedAllocator) drawSalt() uint64 {
	for {
		s := uint64(a.rnd.IntN(saltSpace))
		if a.seen&(1<<s) == 0 {
			a.seen |= 1 << s
			return s
		}
	}
}

// waitForTick polls until the clock reaches at least want. The poll sleeps
// between reads and gives up after maxWait.
func (a *PackedAllocator) waitForTick(ctx context.Context, want int64) (int64, error) {
	var waited time.Duration
	for {
		tick, err := tickAt(a.clock.Now())
		if err != nil {
			return 0, err
		}
		if tick >= want {
			return tick, nil
		}
		if waited >= a.maxWait {
			return 0, fmt.Errorf("%w: tick %d still behind %d after %s", ErrClockRegression, tick, want, waited)
		}
		if waited == 0 {
			a.logger.Warn().Int64("tick", tick).Int64("want", want).Msg("waiting for clock to reach usable tick")
		}
		a.metrics.IncClockWait()
		if err := a.sleep(ctx, a.poll); err != nil {
			return 0, err
		}
		waited += a.poll
	}
}

func (a *PackedAllocator) fail(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrAllocationExhausted):
		reason = "exhausted"
	case errors.Is(err, ErrClockRegression):
		reason = "clock"
	case errors.Is(err, ErrConfiguration):
		reason = "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "canceled"
	}
	a.metrics.IncAllocationFailure(reason)
	a.logger.Warn().Err(err).Int("worker_id", int(a.workerID)).Msg("identifier allocation failed")
}

// tickAt converts a wall-clock reading to minutes since Epoch.
func tickAt(t time.Time) (int64, error) {
	if t.Before(Epoch) {
		return 0, fmt.Errorf("%w: clock %s is before epoch %s", ErrConfiguration, t.UTC().Format(time.RFC3339), Epoch.Format(time.RFC3339))
	}
	tick := int64(t.Sub(Epoch) / time.Minute)
	if tick >= MaxTick {
		return 0, fmt.Errorf("%w: clock %s is beyond the representable tick range", ErrConfiguration, t.UTC().Format(time.RFC3339))
	}
	return tick, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
