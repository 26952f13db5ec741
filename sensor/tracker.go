package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	// bruteforceThreshold is how many failed auth attempts a source needs
	// before the bruteforce rule can fire.
	bruteforceThreshold = 3

	// bruteforceReportEvery spaces repeat bruteforce reports per source.
	bruteforceReportEvery = time.Minute

	// rapidWindow is the sliding window the connection tracker prunes to.
	rapidWindow = time.Minute

	// rapidThreshold is how many connects inside the window trip the
	// rapid-connection rule.
	rapidThreshold = 3

	// rapidReportEvery spaces repeat rapid-connection reports per source.
	rapidReportEvery = 2 * time.Minute

	// trackerIdleTTL is how long a source may stay idle before the janitor
	// drops its state.
	trackerIdleTTL = time.Hour

	// trackerSweepInterval is how often the janitor runs.
	trackerSweepInterval = 5 * time.Minute
)

type authRecord struct {
	attempts    int
	usernames   []string
	lastAttempt time.Time
	lastReport  time.Time
}

// AuthTracker accumulates failed authentication attempts per source address
// and decides when the repetition amounts to a bruteforce report. Each
// protocol listener owns its own tracker, attempts never mix across
// protocols.
type AuthTracker struct {
	mu      sync.Mutex
	records map[string]*authRecord
}

// NewAuthTracker returns an empty tracker.
func NewAuthTracker() *AuthTracker {
	return &AuthTracker{records: make(map[string]*authRecord)}
}

// AuthReport describes a bruteforce detection ready to be turned into an
// event by the listener that owns the tracker.
type AuthReport struct {
	Attempts  int
	Usernames []string
}

// Record notes one failed attempt and reports whether the bruteforce rule
// fired. The rule fires once the source has at least bruteforceThreshold
// attempts and its previous report is at least bruteforceReportEvery old,
// so a steady flood yields paced reports rather than one per attempt.
func (t *AuthTracker) Record(sourceIP, username string, now time.Time) (AuthReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, exists := t.records[sourceIP]
	if !exists {
		record = &authRecord{}
		t.records[sourceIP] = record
	}
	record.attempts++
	record.lastAttempt = now
	if username != "" && !containsString(record.usernames, username) && len(record.usernames) < maxRecordedCommands {
		record.usernames = append(record.usernames, username)
	}

	if record.attempts < bruteforceThreshold || now.Sub(record.lastReport) < bruteforceReportEvery {
		return AuthReport{}, false
	}
	record.lastReport = now

	usernames := make([]string, len(record.usernames))
	copy(usernames, record.usernames)
	return AuthReport{Attempts: record.attempts, Usernames: usernames}, true
}

// Sweep drops sources idle longer than trackerIdleTTL.
func (t *AuthTracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, record := range t.records {
		if now.Sub(record.lastAttempt) > trackerIdleTTL {
			delete(t.records, ip)
		}
	}
}

type connRecord struct {
	times      []time.Time
	lastReport time.Time
}

// ConnTracker watches connection arrival times per source address inside a
// sliding window. It backs both the rapid-connection rule on the TCP
// listeners and the excessive-404 rule on HTTP, which differ only in their
// thresholds.
type ConnTracker struct {
	window      time.Duration
	threshold   int
	reportEvery time.Duration

	mu      sync.Mutex
	records map[string]*connRecord
}

// NewConnTracker builds a tracker that fires when a source produces at
// least threshold hits inside window, re-firing no sooner than reportEvery.
func NewConnTracker(window time.Duration, threshold int, reportEvery time.Duration) *ConnTracker {
	return &ConnTracker{
		window:      window,
		threshold:   threshold,
		reportEvery: reportEvery,
		records:     make(map[string]*connRecord),
	}
}

// NewRapidConnTracker builds the tracker the TCP listeners share the
// defaults for.
func NewRapidConnTracker() *ConnTracker {
	return NewConnTracker(rapidWindow, rapidThreshold, rapidReportEvery)
}

// ConnReport describes a rapid-connection detection. The interval stats are
// over the gaps between consecutive hits still inside the window, in
// milliseconds.
type ConnReport struct {
	Count            int
	MeanIntervalMS   float64
	MedianIntervalMS float64
}

// Record notes one hit at now and reports whether the rule fired. Hits
// older than the window are pruned first, so the count always reflects the
// current burst rather than lifetime volume.
func (t *ConnTracker) Record(sourceIP string, now time.Time) (ConnReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, exists := t.records[sourceIP]
	if !exists {
		record = &connRecord{}
		t.records[sourceIP] = record
	}

	cutoff := now.Add(-t.window)
	kept := record.times[:0]
	for _, stamp := range record.times {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	record.times = append(kept, now)

	if len(record.times) < t.threshold || now.Sub(record.lastReport) < t.reportEvery {
		return ConnReport{}, false
	}
	record.lastReport = now

	report := ConnReport{Count: len(record.times)}
	if intervals := intervalsMS(record.times); len(intervals) > 0 {
		report.MeanIntervalMS, _ = stats.Mean(intervals)
		report.MedianIntervalMS, _ = stats.Median(intervals)
	}
	return report, true
}

// Sweep drops sources whose newest hit fell out of the idle TTL.
func (t *ConnTracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, record := range t.records {
		if len(record.times) == 0 || now.Sub(record.times[len(record.times)-1]) > trackerIdleTTL {
			delete(t.records, ip)
		}
	}
}

// Sweepable is the purge hook both tracker kinds share.
type Sweepable interface {
	Sweep(now time.Time)
}

// StartJanitor sweeps the given trackers every trackerSweepInterval until
// the context is cancelled, keeping long-lived listeners from accumulating
// state for sources that moved on.
func StartJanitor(ctx context.Context, trackers ...Sweepable) {
	go func() {
		ticker := time.NewTicker(trackerSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, tracker := range trackers {
					tracker.Sweep(now)
				}
			}
		}
	}()
}

func intervalsMS(times []time.Time) []float64 {
	if len(times) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, float64(times[i].Sub(times[i-1]).Milliseconds()))
	}
	return intervals
}

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
