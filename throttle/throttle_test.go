package throttle

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hivetrap/hivetrap/classify"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		TTL:             time.Hour,
		MaxReportsPerIP: 5,
		UniqueTypesOnly: false,
	}
}

func TestFirstEventAlwaysAdmitted(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	decision := cache.Decide("203.0.113.7", classify.PortScan, now)
	require.True(t, decision.Admit, "first event from a source must be admitted")
	require.Equal(t, ReasonNewSource, decision.Reason)
}

func TestRepeatsCappedPerWindow(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	admitted := 0
	for i := 0; i < 20; i++ {
		decision := cache.Decide("203.0.113.7", classify.SSHBruteforce, now.Add(time.Duration(i)*time.Second))
		if decision.Admit {
			admitted++
		}
	}
	require.Equal(t, 5, admitted, "admissions of a repeated kind must stop at the per source cap")

	decision := cache.Decide("203.0.113.7", classify.SSHBruteforce, now.Add(time.Minute))
	require.False(t, decision.Admit)
	require.Equal(t, ReasonCapReached, decision.Reason)
}

func TestNovelKindAlwaysAdmitted(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	// exhaust the cap with one kind
	for i := 0; i < 10; i++ {
		cache.Decide("203.0.113.7", classify.SSHBruteforce, now)
	}

	decision := cache.Decide("203.0.113.7", classify.SQLiAttempt, now)
	require.True(t, decision.Admit, "a kind the source has not shown before must be admitted")
	require.Equal(t, ReasonNovelKind, decision.Reason)
}

func TestUniqueTypesOnlySuppressesRepeats(t *testing.T) {
	policy := testPolicy()
	policy.UniqueTypesOnly = true
	cache := NewCache(policy)
	now := time.Now()

	first := cache.Decide("203.0.113.7", classify.SQLiAttempt, now)
	require.True(t, first.Admit)

	second := cache.Decide("203.0.113.7", classify.SQLiAttempt, now.Add(time.Second))
	require.False(t, second.Admit, "a repeated kind must be suppressed when unique types only is set")
	require.Equal(t, ReasonDuplicateKind, second.Reason)

	novel := cache.Decide("203.0.113.7", classify.XSSAttempt, now.Add(2*time.Second))
	require.True(t, novel.Admit, "novel kinds are admitted even when unique types only is set")
}

func TestWindowExpiryResets(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	for i := 0; i < 10; i++ {
		cache.Decide("203.0.113.7", classify.PortScan, now)
	}

	// one tick past the TTL the next event must be admitted with a fresh window
	later := now.Add(time.Hour + time.Second)
	decision := cache.Decide("203.0.113.7", classify.PortScan, later)
	require.True(t, decision.Admit, "the first event after window expiry must be admitted")
	require.Equal(t, ReasonWindowReset, decision.Reason)

	// the fresh window starts over at count 1, four more repeats fit
	admitted := 0
	for i := 0; i < 10; i++ {
		if cache.Decide("203.0.113.7", classify.PortScan, later.Add(time.Duration(i+1)*time.Second)).Admit {
			admitted++
		}
	}
	require.Equal(t, 4, admitted, "count must reset to 1 when the window restarts")
}

func TestSourcesAreIndependent(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	for i := 0; i < 10; i++ {
		cache.Decide("203.0.113.7", classify.PortScan, now)
	}

	decision := cache.Decide("198.51.100.23", classify.PortScan, now)
	require.True(t, decision.Admit, "one saturated source must not affect another")
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	for i := 0; i < 40; i++ {
		cache.Decide(fmt.Sprintf("203.0.113.%d", i), classify.PortScan, now)
	}
	require.Equal(t, 40, cache.Stats().Entries)

	removed := cache.Sweep(now.Add(30 * time.Minute))
	require.Zero(t, removed, "entries inside the window must survive the sweep")

	removed = cache.Sweep(now.Add(2 * time.Hour))
	require.Equal(t, 40, removed)
	require.Zero(t, cache.Stats().Entries, "expired entries must be gone after the sweep")
}

func TestStatsCountAdmittedAndSuppressed(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	for i := 0; i < 8; i++ {
		cache.Decide("203.0.113.7", classify.PortScan, now)
	}

	stats := cache.Stats()
	require.Equal(t, int64(5), stats.Admitted)
	require.Equal(t, int64(3), stats.Suppressed)
	require.Equal(t, 1, stats.Entries)
}

func TestDecideIsSafeUnderConcurrency(t *testing.T) {
	cache := NewCache(testPolicy())
	now := time.Now()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sourceIP := fmt.Sprintf("203.0.113.%d", i%32)
				cache.Decide(sourceIP, classify.PortScan, now.Add(time.Duration(i)*time.Millisecond))
			}
		}(worker)
	}
	wg.Wait()

	stats := cache.Stats()
	require.Equal(t, 32, stats.Entries, "every distinct source gets exactly one entry")
	// each source admits at most the cap, everything else is suppressed
	require.Equal(t, int64(8*200), stats.Admitted+stats.Suppressed, "every decision is counted exactly once")
	require.LessOrEqual(t, stats.Admitted, int64(32*5), "admissions can never exceed the cap per source")
}
