package hid

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/mpi/internal/platform/metrics"
)

const (
	poolBegin = "# BEGIN HID POOL"
	poolEnd   = "# END HID POOL"

	// leadingBlock is the width of a range sharing the same two leading digits.
	leadingBlock uint64 = 100_000_000

	DefaultShardSize uint64 = 10_000_000
	enumerateBatch          = 4096
)

// Enumerator walks a body range once and writes every structurally valid
// identifier to a sequential artifact. It must not run against a range an
// online allocator is issuing from.
type Enumerator struct {
	Format    Format
	Validator *Validator
	// Start and End bound the walk as [Start, End). Zero values mean the
	// whole body space.
	Start     uint64
	End       uint64
	Workers   int
	ShardSize uint64
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type shard struct{ lo, hi uint64 }

func (e *Enumerator) bounds() (uint64, uint64) {
	lo, hi := e.Start, e.End
	if lo < MinBody {
		lo = MinBody
	}
	if hi == 0 || hi > MaxBody+1 {
		hi = MaxBody + 1
	}
	return lo, hi
}

// shards splits the range into pieces that never straddle a leading-digit
// block and drops blocks the validator rejects outright.
func (e *Enumerator) shards() []shard {
	lo, hi := e.bounds()
	size := e.ShardSize
	if size == 0 {
		size = DefaultShardSize
	}

	var out []shard
	for blockStart := lo - lo%leadingBlock; blockStart < hi; blockStart += leadingBlock {
		leading := int(blockStart / leadingBlock)
		if !e.Validator.AcceptsLeading(leading) {
			continue
		}
		from := max(blockStart, lo)
		to := min(blockStart+leadingBlock, hi)
		for s := from; s < to; s += size {
			out = append(out, shard{lo: s, hi: min(s+size, to)})
		}
	}
	return out
}

// Run writes the artifact to w and returns the number of identifiers
// written. A failed run leaves a partial artifact without the END marker;
// re-run into a fresh target.
func (e *Enumerator) Run(ctx context.Context, w io.Writer) (int64, error) {
	if e.Validator == nil || e.Format.Scheme == nil {
		return 0, fmt.Errorf("%w: enumerator needs a validator and a check digit scheme", ErrConfiguration)
	}
	lo, hi := e.bounds()
	if lo >= hi {
		return 0, fmt.Errorf("%w: empty range [%d, %d)", ErrConfiguration, lo, hi)
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := e.Logger.With().Str("component", "hid-enumerator").Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s scheme=%s prefix=%s\n", poolBegin, e.Format.Scheme.Name(), e.Format.Prefix); err != nil {
		return 0, fmt.Errorf("write pool header: %w", err)
	}

	shards := e.shards()
	logger.Info().Uint64("start", lo).Uint64("end", hi).Int("shards", len(shards)).Int("workers", workers).Msg("enumeration started")

	batches := make(chan []uint64, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var scanErr error
	go func() {
		for _, s := range shards {
			s := s
			g.Go(func() error { return e.scan(gctx, s, batches) })
		}
		scanErr = g.Wait()
		close(batches)
	}()

	var count int64
	var writeErr error
	for batch := range batches {
		if writeErr != nil {
			continue
		}
		for _, body := range batch {
			if _, err := bw.WriteString(e.Format.Issue(body).String() + "\n"); err != nil {
				writeErr = fmt.Errorf("write identifier: %w", err)
				cancel()
				break
			}
			count++
		}
		e.Metrics.AddEnumerated(len(batch))
	}
	if writeErr != nil {
		return count, writeErr
	}
	if scanErr != nil {
		return count, scanErr
	}

	if _, err := fmt.Fprintf(bw, "%s count=%d\n", poolEnd, count); err != nil {
		return count, fmt.Errorf("write pool footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("flush pool artifact: %w", err)
	}
	logger.Info().Int64("count", count).Msg("enumeration finished")
	return count, nil
}

func (e *Enumerator) scan(ctx context.Context, s shard, out chan<- []uint64) error {
	batch := make([]uint64, 0, enumerateBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]uint64, 0, enumerateBatch)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	for body := s.lo; body < s.hi; body++ {
		if body&0xffff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !e.Validator.IsStructurallyValid(body) {
			continue
		}
		batch = append(batch, body)
		if len(batch) == enumerateBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ReadPool streams identifiers from an artifact written by Run, calling fn
// for each. The header must match format and the END marker must be present
// with a matching count.
func ReadPool(r io.Reader, format Format, fn func(HealthIdentifier) error) (int64, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("read pool header: %w", err)
		}
		return 0, fmt.Errorf("%w: empty artifact", ErrMalformedPool)
	}
	header := sc.Text()
	want := fmt.Sprintf("%s scheme=%s prefix=%s", poolBegin, format.Scheme.Name(), format.Prefix)
	if header != want {
		return 0, fmt.Errorf("%w: header %q does not match %q", ErrMalformedPool, header, want)
	}

	var count int64
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, poolEnd) {
			declared, err := strconv.ParseInt(strings.TrimPrefix(line, poolEnd+" count="), 10, 64)
			if err != nil {
				return count, fmt.Errorf("%w: bad footer %q", ErrMalformedPool, line)
			}
			if declared != count {
				return count, fmt.Errorf("%w: footer declares %d identifiers, read %d", ErrMalformedPool, declared, count)
			}
			return count, nil
		}

		id, err := format.Parse(line)
		if err != nil {
			return count, fmt.Errorf("pool line %d: %w", count+2, err)
		}
		if err := fn(id); err != nil {
			return count, err
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("read pool artifact: %w", err)
	}
	return count, fmt.Errorf("%w: missing END marker after %d identifiers", ErrMalformedPool, count)
}
