package dedup

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/dedup.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMemoryClaimOnce(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	ctx := context.Background()
	key := Key{Source: "monte_carlo", TenantID: "tenant-a", EventID: "ev-1"}

	res, err := l.Claim(ctx, key)
	if err != nil || res != Accepted {
		t.Fatalf("first claim: %v %v", res, err)
	}
	res, err = l.Claim(ctx, key)
	if err != nil || res != Duplicate {
		t.Fatalf("second claim: %v %v", res, err)
	}
}

func TestMemoryConcurrentClaims(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	var accepted int64
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Claim(context.Background(), key)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if res == Accepted {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected exactly one Accepted, got %d", accepted)
	}
}

func TestMemoryRetentionExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLedger(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("first claim should be accepted")
	}

	now = now.Add(2 * time.Hour)
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("claim after retention window should be accepted")
	}
}

func TestMemoryReleaseAllowsReclaim(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("first claim")
	}
	if err := l.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("reclaim after release should be accepted")
	}
}

func TestMemorySeenTracksLiveClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLedger(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if seen, _ := l.Seen(ctx, key); seen {
		t.Fatal("unclaimed key should not be seen")
	}
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("first claim")
	}
	if seen, _ := l.Seen(ctx, key); !seen {
		t.Fatal("claimed key should be seen")
	}

	now = now.Add(2 * time.Hour)
	if seen, _ := l.Seen(ctx, key); seen {
		t.Fatal("expired claim should not be seen")
	}
}

func TestSQLiteClaimOnce(t *testing.T) {
	l, err := NewSQLiteLedger(openTestDB(t), time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()
	key := Key{Source: "monte_carlo", TenantID: "tenant-a", EventID: "ev-1"}

	if res, err := l.Claim(ctx, key); err != nil || res != Accepted {
		t.Fatalf("first claim: %v %v", res, err)
	}
	if res, err := l.Claim(ctx, key); err != nil || res != Duplicate {
		t.Fatalf("second claim: %v %v", res, err)
	}

	// A different event id under the same tenant claims independently.
	other := Key{Source: "monte_carlo", TenantID: "tenant-a", EventID: "ev-2"}
	if res, _ := l.Claim(ctx, other); res != Accepted {
		t.Fatal("independent key should claim")
	}
}

func TestSQLiteOutcomeAndSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := NewSQLiteLedger(openTestDB(t), time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("claim")
	}
	if err := l.RecordOutcome(ctx, key, "applied"); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	outcome, err := l.Outcome(ctx, key)
	if err != nil || outcome != "applied" {
		t.Fatalf("outcome: %q %v", outcome, err)
	}

	evicted, err := l.Sweep(ctx, now.Add(2*time.Hour))
	if err != nil || evicted != 1 {
		t.Fatalf("sweep: %d %v", evicted, err)
	}

	// Evicted key claims fresh again.
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("claim after sweep should be accepted")
	}
}

func TestSQLiteSeenIgnoresExpiredClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := NewSQLiteLedger(openTestDB(t), time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if seen, err := l.Seen(ctx, key); err != nil || seen {
		t.Fatalf("unclaimed key seen: %v %v", seen, err)
	}
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("claim")
	}
	if seen, _ := l.Seen(ctx, key); !seen {
		t.Fatal("claimed key should be seen")
	}

	now = now.Add(2 * time.Hour)
	if seen, _ := l.Seen(ctx, key); seen {
		t.Fatal("claim past retention should not be seen")
	}
}

func TestSQLiteReviveExpiredEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, err := NewSQLiteLedger(openTestDB(t), time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Source: "s", TenantID: "t", EventID: "e"}

	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("claim")
	}

	// No sweep has run, but the entry is past retention: the claim revives it.
	now = now.Add(2 * time.Hour)
	if res, _ := l.Claim(ctx, key); res != Accepted {
		t.Fatal("expired entry should be claimable without a sweep")
	}
	if res, _ := l.Claim(ctx, key); res != Duplicate {
		t.Fatal("revived entry should dedup again")
	}
}
