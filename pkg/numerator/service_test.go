package numerator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"milltrack/internal/core/scope"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	val int64
	err error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) > 0 {
		if p, ok := dest[0].(*int64); ok {
			*p = r.val
		}
	}
	return nil
}

// mockQuerier simulates the sys_sequences upsert behavior in memory.
type mockQuerier struct {
	mu        sync.Mutex
	sequences map[string]int64
	calls     int
	failNext  bool
}

func newMockQuerier() *mockQuerier {
	return &mockQuerier{sequences: make(map[string]int64)}
}

func (q *mockQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls++
	if q.failNext {
		q.failNext = false
		return &mockRow{err: fmt.Errorf("connection refused")}
	}

	key := args[0].(string)
	switch {
	case strings.Contains(sql, "current_val + 1"):
		q.sequences[key]++
	case strings.Contains(sql, "current_val + $2"):
		q.sequences[key] += args[1].(int64)
	default:
		q.sequences[key] = args[1].(int64)
	}
	return &mockRow{val: q.sequences[key]}
}

func testCtx(companyID string) context.Context {
	return scope.WithActor(context.Background(), &scope.Actor{
		ActorID:   "tester",
		CompanyID: companyID,
	})
}

func TestGetNextNumber_Strict(t *testing.T) {
	q := newMockQuerier()
	svc := New(q)
	ctx := testCtx("acme")
	period := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		num, err := svc.GetNextNumber(ctx, BatchConfig(), nil, period)
		if err != nil {
			t.Fatalf("GetNextNumber: %v", err)
		}
		want := fmt.Sprintf("PB-2026-08-%05d", i)
		if num != want {
			t.Errorf("number %d: got %q, want %q", i, num, want)
		}
	}
}

func TestGetNextNumber_MonthReset(t *testing.T) {
	q := newMockQuerier()
	svc := New(q)
	ctx := testCtx("acme")

	aug := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	sep := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.GetNextNumber(ctx, BatchConfig(), nil, aug); err != nil {
		t.Fatal(err)
	}
	num, err := svc.GetNextNumber(ctx, BatchConfig(), nil, sep)
	if err != nil {
		t.Fatal(err)
	}
	if num != "PB-2026-09-00001" {
		t.Errorf("expected sequence to restart in new month, got %q", num)
	}
}

func TestGetNextNumber_CompanyIsolation(t *testing.T) {
	q := newMockQuerier()
	svc := New(q)
	period := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	if _, err := svc.GetNextNumber(testCtx("acme"), BatchConfig(), nil, period); err != nil {
		t.Fatal(err)
	}
	num, err := svc.GetNextNumber(testCtx("globex"), BatchConfig(), nil, period)
	if err != nil {
		t.Fatal(err)
	}
	if num != "PB-2026-08-00001" {
		t.Errorf("companies must not share sequences, got %q", num)
	}
}

func TestGetNextNumber_NoCompany(t *testing.T) {
	svc := New(newMockQuerier())
	_, err := svc.GetNextNumber(context.Background(), BatchConfig(), nil, time.Now())
	if err == nil {
		t.Fatal("expected error when context has no company")
	}
}

func TestGetNextNumber_Cached(t *testing.T) {
	q := newMockQuerier()
	svc := New(q)
	ctx := testCtx("acme")
	cfg := DefaultConfig("FWD")
	opts := &Options{Strategy: StrategyCached, RangeSize: 10}
	period := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 15; i++ {
		num, err := svc.GetNextNumber(ctx, cfg, opts, period)
		if err != nil {
			t.Fatalf("GetNextNumber %d: %v", i, err)
		}
		want := fmt.Sprintf("FWD-2026-%05d", i)
		if num != want {
			t.Errorf("number %d: got %q, want %q", i, num, want)
		}
	}

	// 15 numbers from ranges of 10 means exactly two DB round trips.
	if q.calls != 2 {
		t.Errorf("expected 2 range reservations, got %d calls", q.calls)
	}
}

func TestGetNextNumber_DBError(t *testing.T) {
	q := newMockQuerier()
	q.failNext = true
	svc := New(q)

	_, err := svc.GetNextNumber(testCtx("acme"), BatchConfig(), nil, time.Now())
	if err == nil {
		t.Fatal("expected error from failing querier")
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"PB-2026-08-00042", 42},
		{"FWD-2026-00007", 7},
		{"X-00001", 1},
		{"garbage", -1},
	}
	for _, c := range cases {
		if got := ParseNumber(c.in); got != c.want {
			t.Errorf("ParseNumber(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
