package main

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestRuntimeSamplerFirstCallHasNoPauses(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 5
	mem.PauseNs[0] = 10

	var r runtimeSampler
	if p99, n := r.pauses(&mem); n != 0 || p99 != 0 {
		t.Fatalf("expected no pauses on first sample, got p99=%v n=%d", p99, n)
	}
	if p99, n := r.pauses(&mem); n != 0 || p99 != 0 {
		t.Fatalf("expected no pauses without new GCs, got p99=%v n=%d", p99, n)
	}
}

func TestRuntimeSamplerPausesSinceLastCall(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 2
	mem.PauseNs[0] = 5
	mem.PauseNs[1] = 7

	var r runtimeSampler
	r.pauses(&mem)

	mem.NumGC = 5
	mem.PauseNs[2] = 10_000
	mem.PauseNs[3] = 20_000
	mem.PauseNs[4] = 30_000
	p99, n := r.pauses(&mem)
	if n != 3 {
		t.Fatalf("expected 3 new pauses, got %d", n)
	}
	// int(2*0.99) = 1 picks the middle of three sorted pauses.
	if p99 != 20*time.Microsecond {
		t.Fatalf("expected p99 20µs, got %v", p99)
	}
}

func TestRuntimeSamplerFormat(t *testing.T) {
	var mem runtime.MemStats
	mem.HeapAlloc = 3 << 20
	mem.HeapObjects = 12345
	var r runtimeSampler
	line := r.format(&mem)
	if line != "heap 3.0 MiB objects 12,345" {
		t.Fatalf("unexpected line %q", line)
	}
	if live := r.Line(); !strings.HasPrefix(live, "heap ") {
		t.Fatalf("unexpected live line %q", live)
	}
}
