// Program shiftecu replays newline-delimited telemetry frames through the
// learning core, persists the per-vehicle models and optionally publishes
// live shift targets over MQTT.
//
// Purpose:
//   - Wire configuration, logging, model persistence, the sample recorder and
//     the target publisher around one ECU.
//
// Key aspects:
//   - Malformed input lines are counted and skipped, never fatal.
//   - SIGINT/SIGTERM stop the replay; models are flushed before exit.
//
// Upstream: JSONL capture from a transport, a file or stdin.
// Downstream: ecu, modelstore, recorder, publish.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"shiftecu/config"
	"shiftecu/ecu"
	"shiftecu/model"
	"shiftecu/modelstore"
	"shiftecu/publish"
	"shiftecu/recorder"
	"shiftecu/stats"
	"shiftecu/telemetry"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

type replayOptions struct {
	Realtime    bool
	StatusEvery time.Duration
	Status      func(line string)
	Now         func() time.Time
}

type replayResult struct {
	Frames     int
	Malformed  int
	ShiftCalls int // rising edges of the shift-now signal
	Published  int
}

func main() {
	configPath := flag.String("config", "", "YAML config file or directory (built-in defaults when empty)")
	input := flag.String("input", "", "JSONL telemetry file, - for stdin (overrides replay.input)")
	realtime := flag.Bool("realtime", false, "sleep each frame's dt between samples")
	quiet := flag.Bool("quiet", false, "suppress console log output")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg := config.Default()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *input != "" {
		cfg.Replay.Input = *input
	}
	if *realtime {
		cfg.Replay.Realtime = true
	}
	if *printConfig {
		cfg.Print()
		return
	}

	log.SetFlags(0)
	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	log.SetOutput(fanout)
	if err != nil {
		log.Printf("Logging: file sink disabled: %v", err)
	}
	if *quiet {
		fanout.SetConsole(nil)
	}
	defer fanout.Close()

	log.Printf("shiftecu %s starting", Version)

	opts := ecu.Options{Persister: openPersister(cfg)}
	if cfg.Recorder.Enabled {
		rec, err := recorder.NewRecorder(cfg.Recorder)
		if err != nil {
			log.Printf("Recorder: disabled: %v", err)
		} else {
			opts.Recorder = rec
			log.Printf("Recorder: writing accepted samples to %s", cfg.Recorder.Path)
		}
	}
	var pub *publish.Publisher
	if cfg.Publish.Enabled {
		pub = publish.NewPublisher(cfg.Publish)
		if err := pub.Connect(); err != nil {
			log.Printf("Publish: disabled: %v", err)
			pub = nil
		}
	}

	core := ecu.New(cfg.Learning, opts)

	src, closeSrc, err := openInput(cfg.Replay.Input)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer closeSrc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received %v, stopping replay", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	tty := isStdoutTTY()
	var rt runtimeSampler
	status := func(line string) {
		line += " | " + rt.Line()
		if tty && !*quiet {
			log.Print(line)
			return
		}
		fanout.WriteFileOnlyLine(line, time.Now())
	}

	start := time.Now()
	res, err := replay(ctx, src, core, pub, replayOptions{
		Realtime:    cfg.Replay.Realtime,
		StatusEvery: time.Duration(cfg.Replay.StatusSeconds) * time.Second,
		Status:      status,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Replay: stopped on read error: %v", err)
	}
	log.Print(formatStatus(res, core.Diagnostics(), time.Since(start)))

	saved := core.Flush()
	log.Printf("ECU: flushed %d vehicle model(s)", saved)
	for _, id := range core.Vehicles() {
		if doc, ok := core.Snapshot(id); ok {
			log.Print(targetSummary(doc))
		}
	}
	for _, line := range core.Counters().Lines() {
		log.Printf("Counters: %s", line)
	}

	if pub != nil {
		pub.Stop()
	}
	if err := core.Close(); err != nil {
		log.Printf("ECU: close: %v", err)
	}
	log.Printf("shiftecu stopped after %s", time.Since(start).Round(time.Millisecond))
}

// openPersister returns the configured model store, or nil to learn in
// memory when the store cannot be opened.
func openPersister(cfg *config.Config) ecu.Persister {
	store, err := modelstore.Open(cfg.Storage, cfg.Learning.Vehicle)
	if err != nil {
		log.Printf("Model store: %v (models stay in memory)", err)
		return nil
	}
	ids, err := store.Vehicles()
	if err != nil {
		log.Printf("Model store: list failed: %v", err)
	}
	log.Printf("Model store: %s backend in %s (%d saved vehicle(s))", store.Backend(), cfg.Storage.Dir, len(ids))
	if cfg.Storage.Async {
		return modelstore.NewAsyncWriter(store, cfg.Storage.QueueSize)
	}
	return store
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// Purpose: Drive the ECU with every frame read from src.
// Key aspects: Queries targets and the shift-now latch after each update so
// the hysteresis state tracks the live signal; publishing is rate-limited by
// the publisher itself.
// Upstream: main.
// Downstream: telemetry.Reader, ecu.ECU, publish.Publisher.
func replay(ctx context.Context, src io.Reader, core *ecu.ECU, pub *publish.Publisher, opts replayOptions) (replayResult, error) {
	var res replayResult
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reader := telemetry.NewReader(src)
	shifting := make(map[int]bool)
	lastStatus := now()
	started := lastStatus
	var diag ecu.Diagnostics

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if errors.Is(err, telemetry.ErrMalformed) {
			res.Malformed++
			core.Counters().Inc(stats.Malformed)
			if res.Malformed == 1 || res.Malformed%1000 == 0 {
				log.Printf("Replay: skipping %v (%d malformed so far)", err, res.Malformed)
			}
			continue
		}
		if err != nil {
			return res, err
		}

		core.Update(s, 0)
		res.Frames++

		up, down, d := core.GetShiftTargets(s)
		diag = d
		shiftNow := core.ShiftNow(s)
		if shiftNow && !shifting[s.VehicleID] {
			res.ShiftCalls++
		}
		shifting[s.VehicleID] = shiftNow

		if pub.Publish(publish.Message{
			VehicleID: s.VehicleID,
			Gear:      s.Gear,
			RPM:       s.EngineRPM,
			Up:        up,
			Down:      down,
			ShiftNow:  shiftNow,
			Coverage:  d.Coverage,
		}, now()) {
			res.Published++
		}

		if opts.Realtime {
			if err := sleepContext(ctx, s.Elapsed()); err != nil {
				return res, err
			}
		}
		if opts.Status != nil && opts.StatusEvery > 0 {
			if t := now(); t.Sub(lastStatus) >= opts.StatusEvery {
				lastStatus = t
				opts.Status(formatStatus(res, diag, t.Sub(started)))
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatStatus(res replayResult, d ecu.Diagnostics, elapsed time.Duration) string {
	rate := int64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = int64(float64(res.Frames) / secs)
	}
	return fmt.Sprintf("Replay: %s frames (%s/s) bad:%s shifts:%s | vehicle %d gear %d rpm %s cov %.0f%% | %s",
		humanize.Comma(int64(res.Frames)),
		humanize.Comma(rate),
		humanize.Comma(int64(res.Malformed)),
		humanize.Comma(int64(res.ShiftCalls)),
		d.VehicleID, d.Gear,
		humanize.Comma(int64(d.RPM)),
		d.Coverage*100,
		d.Summary)
}

// targetSummary renders one vehicle's learned targets, gears ascending.
func targetSummary(doc model.Document) string {
	gears := make([]int, 0, len(doc.ShiftUpRPM)+len(doc.ShiftDownRPM))
	seen := make(map[int]bool)
	for g := range doc.ShiftUpRPM {
		if !seen[g] {
			seen[g] = true
			gears = append(gears, g)
		}
	}
	for g := range doc.ShiftDownRPM {
		if !seen[g] {
			seen[g] = true
			gears = append(gears, g)
		}
	}
	sort.Ints(gears)
	if len(gears) == 0 {
		return fmt.Sprintf("Vehicle %d: no shift targets yet (%d gear curve(s))", doc.VehicleID, len(doc.Gears))
	}
	parts := make([]string, 0, len(gears))
	for _, g := range gears {
		part := fmt.Sprintf("%d:", g)
		if up, ok := doc.ShiftUpRPM[g]; ok {
			part += fmt.Sprintf(" up %.0f", up)
		}
		if down, ok := doc.ShiftDownRPM[g]; ok {
			part += fmt.Sprintf(" down %.0f", down)
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf("Vehicle %d: %s", doc.VehicleID, strings.Join(parts, " | "))
}

// isStdoutTTY reports whether stdout is attached to a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
