// Package stats keeps the learning pipeline's admission counters: one counter
// per rejection reason plus accepted and coast samples.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Reason names used by the ECU.
const (
	Malformed = "malformed"
	DT        = "dt"
	Repeat    = "repeat"
	BadGear   = "bad_gear"
	Ratio     = "ratio"
	RPMGate   = "rpm_gate"
	RPMHigh   = "rpm_high"
	Throttle  = "throttle"
	Brake     = "brake"
	Clutch    = "clutch"
	Speed     = "speed"
	Accel     = "accel"
	Outlier   = "outlier"
	OK        = "ok"
	Coast     = "coast"

	// CoastSettle counts coasting frames held back from the coast-down fit
	// while the acceleration filter recovers from a lift-off or a re-seed.
	CoastSettle = "coast_settle"
)

// summaryOrder is the layout of Summary(); the short labels match what the
// dashboard debug line has always shown.
var summaryOrder = []struct {
	label  string
	reason string
}{
	{"ok", OK},
	{"badg", BadGear},
	{"rpm", RPMGate},
	{"Th", Throttle},
	{"Br", Brake},
	{"Cl", Clutch},
	{"a", Accel},
	{"v", Speed},
	{"dt", DT},
	{"rep", Repeat},
	{"mal", Malformed},
	{"ratio", Ratio},
	{"out", Outlier},
	{"coast", Coast},
	{"settle", CoastSettle},
	{"rpmhi", RPMHigh},
}

// Counters holds monotonically increasing per-reason counts.
type Counters struct {
	// sync.Map + atomic.Uint64 so increments never contend on a mutex
	counts sync.Map // string -> *atomic.Uint64
	start  atomic.Int64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	c := &Counters{}
	c.start.Store(time.Now().UnixNano())
	return c
}

// Inc adds one to reason.
func (c *Counters) Inc(reason string) {
	if c == nil || strings.TrimSpace(reason) == "" {
		return
	}
	if value, ok := c.counts.Load(reason); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := c.counts.LoadOrStore(reason, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}

// Get returns the current count for reason.
func (c *Counters) Get(reason string) uint64 {
	if c == nil {
		return 0
	}
	if value, ok := c.counts.Load(reason); ok {
		return value.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot returns a copy of every non-zero counter.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if c == nil {
		return out
	}
	c.counts.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Total sums every counter.
func (c *Counters) Total() uint64 {
	var total uint64
	if c == nil {
		return 0
	}
	c.counts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Uptime returns how long the counters have been running.
func (c *Counters) Uptime() time.Duration {
	return time.Since(time.Unix(0, c.start.Load()))
}

// Reset clears all counters.
func (c *Counters) Reset() {
	c.counts.Range(func(key, _ any) bool {
		c.counts.Delete(key)
		return true
	})
	c.start.Store(time.Now().UnixNano())
}

// Summary renders the compact one-line form, e.g. "ok:1,204 badg:3 rpm:88 ...".
func (c *Counters) Summary() string {
	var b strings.Builder
	for i, item := range summaryOrder {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%s", item.label, humanize.Comma(int64(c.Get(item.reason))))
	}
	return b.String()
}

// Lines returns one "reason=count" line per counter, sorted by reason, for
// console output.
func (c *Counters) Lines() []string {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%s", k, humanize.Comma(int64(snap[k]))))
	}
	return lines
}
