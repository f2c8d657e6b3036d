package hid

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testEnumerator(t *testing.T, start, end uint64) *Enumerator {
	t.Helper()
	f, err := NewFormat(DefaultPrefix, SchemeLuhn)
	if err != nil {
		t.Fatalf("NewFormat() error: %v", err)
	}
	return &Enumerator{
		Format:    f,
		Validator: PoolValidator(),
		Start:     start,
		End:       end,
		Workers:   4,
		ShardSize: 7_000,
		Logger:    zerolog.Nop(),
	}
}

func TestEnumerator_MatchesBruteForce(t *testing.T) {
	const start, end = 9_800_000_000, 9_800_050_000
	e := testEnumerator(t, start, end)

	var buf bytes.Buffer
	count, err := e.Run(context.Background(), &buf)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := make(map[uint64]bool)
	for body := uint64(start); body < end; body++ {
		if e.Validator.IsStructurallyValid(body) {
			want[body] = true
		}
	}
	if count != int64(len(want)) {
		t.Fatalf("count = %d, want %d", count, len(want))
	}

	got := make(map[uint64]bool)
	read, err := ReadPool(bytes.NewReader(buf.Bytes()), e.Format, func(id HealthIdentifier) error {
		if got[id.Body()] {
			t.Fatalf("duplicate body %d", id.Body())
		}
		got[id.Body()] = true
		if !want[id.Body()] {
			t.Fatalf("unexpected body %d", id.Body())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadPool() error: %v", err)
	}
	if read != count {
		t.Errorf("read %d identifiers, wrote %d", read, count)
	}
}

func TestEnumerator_OutputSurvivesRefilter(t *testing.T) {
	e := testEnumerator(t, 9_912_000_000, 9_912_020_000)
	var buf bytes.Buffer
	if _, err := e.Run(context.Background(), &buf); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	_, err := ReadPool(&buf, e.Format, func(id HealthIdentifier) error {
		if !e.Validator.IsStructurallyValid(id.Body()) {
			t.Errorf("body %d fails a second filter pass", id.Body())
		}
		if !e.Format.Scheme.Verify(id.Body(), id.CheckDigit()) {
			t.Errorf("check digit mismatch for %s", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadPool() error: %v", err)
	}
}

func TestEnumerator_SkipsRejectedLeadingBlocks(t *testing.T) {
	e := testEnumerator(t, 9_799_990_000, 9_800_010_000)
	var buf bytes.Buffer
	if _, err := e.Run(context.Background(), &buf); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	_, err := ReadPool(&buf, e.Format, func(id HealthIdentifier) error {
		if id.Body() < 9_800_000_000 {
			t.Errorf("body %d belongs to the packed range", id.Body())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadPool() error: %v", err)
	}
}

func TestEnumerator_ShardsFullSpace(t *testing.T) {
	e := testEnumerator(t, 0, 0)
	e.ShardSize = 0
	shards := e.shards()
	if len(shards) != 20 {
		t.Fatalf("expected 20 default shards over the pool range, got %d", len(shards))
	}
	if shards[0].lo != 9_800_000_000 || shards[len(shards)-1].hi != MaxBody+1 {
		t.Errorf("unexpected shard bounds %v..%v", shards[0], shards[len(shards)-1])
	}
}

func TestEnumerator_EmptyRange(t *testing.T) {
	e := testEnumerator(t, 9_900_000_000, 9_900_000_000)
	if _, err := e.Run(context.Background(), &bytes.Buffer{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEnumerator_WriteFailure(t *testing.T) {
	e := testEnumerator(t, 9_800_000_000, 9_800_100_000)
	if _, err := e.Run(context.Background(), failingWriter{}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestEnumerator_Canceled(t *testing.T) {
	e := testEnumerator(t, 9_800_000_000, 9_801_000_000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if _, err := e.Run(ctx, &buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(buf.String(), poolEnd) {
		t.Error("canceled run must not write the END marker")
	}
}

func TestReadPool_Malformed(t *testing.T) {
	f, _ := NewFormat(DefaultPrefix, SchemeLuhn)
	header := poolBegin + " scheme=luhn prefix=HID\n"
	line := f.Issue(9812345670).String() + "\n"

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong scheme", poolBegin + " scheme=mod9 prefix=HID\n" + poolEnd + " count=0\n"},
		{"missing end", header + line},
		{"count mismatch", header + line + poolEnd + " count=2\n"},
		{"bad footer", header + poolEnd + " count=x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPool(strings.NewReader(tt.input), f, func(HealthIdentifier) error { return nil })
			if !errors.Is(err, ErrMalformedPool) {
				t.Errorf("expected ErrMalformedPool, got %v", err)
			}
		})
	}
}

func TestReadPool_RejectsBadIdentifier(t *testing.T) {
	f, _ := NewFormat(DefaultPrefix, SchemeLuhn)
	input := poolBegin + " scheme=luhn prefix=HID\nHID98123456709\n" + poolEnd + " count=1\n"
	_, err := ReadPool(strings.NewReader(input), f, func(HealthIdentifier) error { return nil })
	if !errors.Is(err, ErrCheckDigitMismatch) {
		t.Errorf("expected ErrCheckDigitMismatch, got %v", err)
	}
}
