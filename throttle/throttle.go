// Package throttle is the admission gate between classification and the
// report sender. It keeps one noisy source from flooding the backend while
// always letting the first occurrence of a new attack kind through.
package throttle

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hivetrap/hivetrap/classify"
	"github.com/hivetrap/hivetrap/logger"

	"github.com/dchest/siphash"
)

const shardCount = 16

// JanitorInterval is how often expired source entries are swept out.
const JanitorInterval = 10 * time.Minute

// Policy holds the admission knobs, sourced from the environment.
type Policy struct {
	TTL             time.Duration
	MaxReportsPerIP int
	UniqueTypesOnly bool
}

// Decision is the outcome of running the policy for one attack. Suppression
// is not an error, callers route suppressed attacks to the suspicious log or
// to the spool.
type Decision struct {
	Admit  bool
	Reason string
}

const (
	ReasonNewSource      = "new_source"
	ReasonWindowReset    = "window_reset"
	ReasonNovelKind      = "novel_kind"
	ReasonRepeatUnderCap = "repeat_under_cap"
	ReasonDuplicateKind  = "duplicate_kind"
	ReasonCapReached     = "report_cap_reached"
)

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	kinds     map[classify.Kind]struct{}
	count     int
}

type shard struct {
	mu         sync.Mutex
	entries    map[string]*entry
	admitted   int64
	suppressed int64
}

// Cache is a sharded TTL map keyed by source address. Shard placement is
// keyed with a process-random siphash key so that attackers cannot aim
// traffic at a single shard.
type Cache struct {
	policy Policy
	key0   uint64
	key1   uint64
	shards [shardCount]*shard
}

func NewCache(policy Policy) *Cache {
	var seed [16]byte
	_, _ = rand.Read(seed[:])

	c := &Cache{
		policy: policy,
		key0:   binary.LittleEndian.Uint64(seed[0:8]),
		key1:   binary.LittleEndian.Uint64(seed[8:16]),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shard(sourceIP string) *shard {
	return c.shards[siphash.Hash(c.key0, c.key1, []byte(sourceIP))&(shardCount-1)]
}

// Decide runs the admission policy for one classified attack.
func (c *Cache) Decide(sourceIP string, kind classify.Kind, now time.Time) Decision {
	s := c.shard(sourceIP)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sourceIP]

	// no entry, or the window has lapsed: admit and start a fresh window
	if !ok || now.Sub(e.firstSeen) > c.policy.TTL {
		s.entries[sourceIP] = &entry{
			firstSeen: now,
			lastSeen:  now,
			kinds:     map[classify.Kind]struct{}{kind: {}},
			count:     1,
		}
		s.admitted++
		if ok {
			return Decision{Admit: true, Reason: ReasonWindowReset}
		}
		return Decision{Admit: true, Reason: ReasonNewSource}
	}

	e.lastSeen = now

	// a kind this source has not shown before is always novel
	if _, seen := e.kinds[kind]; !seen {
		e.kinds[kind] = struct{}{}
		e.count++
		s.admitted++
		return Decision{Admit: true, Reason: ReasonNovelKind}
	}

	if c.policy.UniqueTypesOnly {
		s.suppressed++
		return Decision{Admit: false, Reason: ReasonDuplicateKind}
	}

	if e.count >= c.policy.MaxReportsPerIP {
		s.suppressed++
		return Decision{Admit: false, Reason: ReasonCapReached}
	}

	e.count++
	s.admitted++
	return Decision{Admit: true, Reason: ReasonRepeatUnderCap}
}

// Stats summarizes the cache for the diagnostics surface.
type Stats struct {
	Entries    int   `json:"entries"`
	Admitted   int64 `json:"admitted"`
	Suppressed int64 `json:"suppressed"`
}

func (c *Cache) Stats() Stats {
	var stats Stats
	for _, s := range c.shards {
		s.mu.Lock()
		stats.Entries += len(s.entries)
		stats.Admitted += s.admitted
		stats.Suppressed += s.suppressed
		s.mu.Unlock()
	}
	return stats
}

// StartJanitor sweeps expired entries every JanitorInterval until the
// context is cancelled.
func (c *Cache) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed := c.Sweep(now)
				if removed > 0 {
					logger.GetLogger().Debug().Int("removed", removed).Msg("throttle janitor removed expired entries")
				}
			}
		}
	}()
}

// Sweep removes entries whose window lapsed before now and reports how many
// were dropped.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sourceIP, e := range s.entries {
			if now.Sub(e.firstSeen) > c.policy.TTL {
				delete(s.entries, sourceIP)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
