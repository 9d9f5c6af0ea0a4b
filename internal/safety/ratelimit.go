package safety

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter enforces a per-(site, host, action) cooldown plus per-client
// and global hourly ceilings, with an adaptive cooldown that doubles on each
// successive failure up to a cap. Grounded on the teacher's in-memory
// cooldown map shape in internal/healing/l1_engine.go's Engine.cooldowns,
// generalized to add the hourly ceilings and failure-doubling the spec
// requires but the teacher's single-action cooldown didn't.
type RateLimiter struct {
	mu sync.Mutex

	baseCooldown time.Duration
	maxCooldown  time.Duration
	clientHourly int
	globalHourly int

	cooldowns map[string]*cooldownState
	clientLog map[string][]time.Time
	globalLog []time.Time
}

type cooldownState struct {
	until     time.Time
	current   time.Duration
	failCount int
}

// NewRateLimiter builds a RateLimiter. baseCooldown/maxCooldown bound the
// adaptive per-key cooldown; clientHourly/globalHourly cap executions in any
// trailing hour window, 0 meaning unlimited.
func NewRateLimiter(baseCooldown, maxCooldown time.Duration, clientHourly, globalHourly int) *RateLimiter {
	return &RateLimiter{
		baseCooldown: baseCooldown,
		maxCooldown:  maxCooldown,
		clientHourly: clientHourly,
		globalHourly: globalHourly,
		cooldowns:    make(map[string]*cooldownState),
		clientLog:    make(map[string][]time.Time),
	}
}

func cooldownKey(site, host, action string) string {
	return site + "|" + host + "|" + action
}

// Allow reports whether an execution of action against (site, host) by
// client may proceed right now. On success, the caller must call Record to
// update state for the next decision.
func (r *RateLimiter) Allow(site, host, action, client string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	key := cooldownKey(site, host, action)
	if cd, ok := r.cooldowns[key]; ok && now.Before(cd.until) {
		return fmt.Errorf("cooldown active for %s/%s/%s until %s", site, host, action, cd.until.Format(time.RFC3339))
	}

	if r.clientHourly > 0 {
		count := countWithinHour(r.clientLog[client], now)
		if count >= r.clientHourly {
			return fmt.Errorf("client %q exceeded hourly execution ceiling (%d)", client, r.clientHourly)
		}
	}
	if r.globalHourly > 0 {
		count := countWithinHour(r.globalLog, now)
		if count >= r.globalHourly {
			return fmt.Errorf("global hourly execution ceiling exceeded (%d)", r.globalHourly)
		}
	}
	return nil
}

// Record notes that an execution happened, arming the per-key cooldown and
// appending to the hourly logs. success drives the adaptive doubling: a
// failure doubles the next cooldown (capped at maxCooldown), a success
// resets it to baseCooldown.
func (r *RateLimiter) Record(site, host, action, client string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	key := cooldownKey(site, host, action)
	cd, ok := r.cooldowns[key]
	if !ok {
		cd = &cooldownState{current: r.baseCooldown}
		r.cooldowns[key] = cd
	}

	if success {
		cd.failCount = 0
		cd.current = r.baseCooldown
	} else {
		cd.failCount++
		next := r.baseCooldown * time.Duration(1<<uint(cd.failCount))
		if next > r.maxCooldown {
			next = r.maxCooldown
		}
		cd.current = next
	}
	cd.until = now.Add(cd.current)

	r.clientLog[client] = pruneAndAppend(r.clientLog[client], now)
	r.globalLog = pruneAndAppend(r.globalLog, now)
}

func countWithinHour(log []time.Time, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, t := range log {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func pruneAndAppend(log []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	kept := log[:0]
	for _, t := range log {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, now)
}
