package main

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// runtimeSampler reports heap usage and the GC pauses that happened since the
// previous sample. The replay status closure owns it and samples serially.
type runtimeSampler struct {
	lastNumGC   uint32
	initialized bool
}

// Line reads the runtime counters and renders them for the status line.
func (r *runtimeSampler) Line() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return r.format(&mem)
}

func (r *runtimeSampler) format(mem *runtime.MemStats) string {
	p99, n := r.pauses(mem)
	line := fmt.Sprintf("heap %s objects %s", humanize.IBytes(mem.HeapAlloc), humanize.Comma(int64(mem.HeapObjects)))
	if n > 0 {
		line += fmt.Sprintf(" gc p99 %s over %d", p99.Round(time.Microsecond), n)
	}
	return line
}

// pauses returns the p99 of the pauses recorded since the last call. The
// runtime keeps only the most recent len(PauseNs) pauses, so a larger delta
// is cut to that window.
func (r *runtimeSampler) pauses(mem *runtime.MemStats) (time.Duration, int) {
	if mem == nil {
		return 0, 0
	}
	if !r.initialized {
		r.lastNumGC = mem.NumGC
		r.initialized = true
		return 0, 0
	}
	if mem.NumGC <= r.lastNumGC {
		return 0, 0
	}
	delta := int(mem.NumGC - r.lastNumGC)
	r.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	if delta > ring {
		delta = ring
	}
	out := make([]uint64, 0, delta)
	for i := 0; i < delta; i++ {
		idx := (int(mem.NumGC) - 1 - i) % ring
		if v := mem.PauseNs[idx]; v > 0 {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return 0, 0
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return time.Duration(out[int(float64(len(out)-1)*0.99)]), len(out)
}
