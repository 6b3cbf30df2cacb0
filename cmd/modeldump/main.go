// Command modeldump prints the persisted vehicle models as terminal tables:
// gear ratios, learned shift targets, per-gear bucket coverage and the
// coast-down fit.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"shiftecu/config"
	"shiftecu/gearcurve"
	"shiftecu/model"
	"shiftecu/modelstore"
	"shiftecu/recorder"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

func main() {
	configPath := flag.String("config", "", "YAML config file or directory (storage and recorder sections are used)")
	dir := flag.String("dir", "", "model directory (overrides storage.dir)")
	backend := flag.String("backend", "", "file or pebble (overrides storage.backend)")
	vehicle := flag.Int("vehicle", -1, "only dump this vehicle id")
	recordings := flag.String("recordings", "", "sample recording database; adds recorded counts per gear")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			pterm.Error.Printf("Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}
	if *backend != "" {
		cfg.Storage.Backend = strings.ToLower(*backend)
	}

	store, err := modelstore.Open(cfg.Storage, cfg.Learning.Vehicle)
	if err != nil {
		pterm.Error.Printf("Failed to open model store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var rec *recorder.Recorder
	if *recordings != "" {
		rcfg := cfg.Recorder
		rcfg.Enabled = true
		rcfg.Path = *recordings
		rec, err = recorder.NewRecorder(rcfg)
		if err != nil {
			pterm.Warning.Printf("Recordings unavailable: %v\n", err)
			rec = nil
		} else {
			defer rec.Close()
		}
	}

	ids, err := store.Vehicles()
	if err != nil {
		pterm.Error.Printf("Failed to list vehicles: %v\n", err)
		os.Exit(1)
	}
	if *vehicle >= 0 {
		ids = []int{*vehicle}
	}
	if len(ids) == 0 {
		pterm.Info.Printf("No saved vehicles in %s (%s backend)\n", cfg.Storage.Dir, store.Backend())
		return
	}

	pterm.DefaultHeader.WithFullWidth().Printf("Vehicle models: %s (%s backend)", cfg.Storage.Dir, store.Backend())
	pterm.Println()
	now := time.Now()
	for _, id := range ids {
		doc := store.Load(id).Snapshot(now)
		var counts func(gear int) (int, error)
		if rec != nil {
			vehicleID := id
			counts = func(gear int) (int, error) { return rec.Count(vehicleID, gear) }
		}
		dump(doc, cfg.Learning.Vehicle.Curve, counts, now)
	}
}

func dump(doc model.Document, curveCfg gearcurve.Config, counts func(int) (int, error), now time.Time) {
	pterm.DefaultSection.Printf("Vehicle %d\n", doc.VehicleID)
	_ = pterm.DefaultTable.WithData(summaryRows(doc, now)).Render()
	pterm.Println()
	if rows := gearRows(doc, curveCfg, counts); len(rows) > 1 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	} else {
		pterm.Warning.Println("No gear curves learned yet")
	}
	pterm.Println()
}

func summaryRows(doc model.Document, now time.Time) pterm.TableData {
	ratios := make([]string, len(doc.GearRatios))
	for i, r := range doc.GearRatios {
		ratios[i] = strconv.FormatFloat(r, 'f', 3, 64)
	}
	updated := "never"
	if !doc.UpdatedAt.IsZero() {
		updated = fmt.Sprintf("%s (%s)", doc.UpdatedAt.UTC().Format(time.RFC3339), humanize.RelTime(doc.UpdatedAt, now, "ago", "from now"))
	}
	coast := "none"
	if c := doc.Coast; c != nil && c.Samples > 0 {
		state := "learning"
		if c.Frozen {
			state = "frozen"
		}
		coast = fmt.Sprintf("%.4g + %.4g·v + %.4g·v² (%s samples, %s)", c.C0, c.C1, c.C2, humanize.Comma(int64(c.Samples)), state)
	}
	return pterm.TableData{
		{"Gear ratios", strings.Join(ratios, " ")},
		{"Redline", fmt.Sprintf("%.0f rpm", doc.RedlineRPM)},
		{"Idle", fmt.Sprintf("%.0f rpm", doc.IdleRPM)},
		{"Wheel radius", fmt.Sprintf("%.3f m", doc.WheelRadius)},
		{"Coast-down", coast},
		{"Updated", updated},
	}
}

func gearRows(doc model.Document, curveCfg gearcurve.Config, counts func(int) (int, error)) pterm.TableData {
	header := []string{"Gear", "Bins", "Samples", "Coverage", "Range", "Up", "Down", "Rejected"}
	if counts != nil {
		header = append(header, "Recorded")
	}
	rows := pterm.TableData{header}

	gears := append([]model.GearDocument(nil), doc.Gears...)
	sort.Slice(gears, func(i, j int) bool { return gears[i].Gear < gears[j].Gear })

	for _, gd := range gears {
		cfg := curveCfg
		if gd.BinSize > 0 {
			cfg.BinSize = gd.BinSize
		}
		c := gearcurve.Restore(cfg, gd.Bins, gd.Rejected)
		samples := 0
		for _, b := range gd.Bins {
			samples += b.Count
		}
		rng := "-"
		if lo, hi, ok := c.SampledRange(); ok {
			rng = fmt.Sprintf("%.0f-%.0f", lo, hi)
		}
		row := []string{
			strconv.Itoa(gd.Gear),
			strconv.Itoa(c.FilledBins()),
			humanize.Comma(int64(samples)),
			fmt.Sprintf("%.0f%%", c.Coverage()*100),
			rng,
			rpmCell(doc.ShiftUpRPM, gd.Gear),
			rpmCell(doc.ShiftDownRPM, gd.Gear),
			humanize.Comma(int64(gd.Rejected)),
		}
		if counts != nil {
			cell := "?"
			if n, err := counts(gd.Gear); err == nil {
				cell = humanize.Comma(int64(n))
			}
			row = append(row, cell)
		}
		rows = append(rows, row)
	}
	return rows
}

func rpmCell(targets map[int]float64, gear int) string {
	if v, ok := targets[gear]; ok && v > 0 {
		return fmt.Sprintf("%.0f", v)
	}
	return "-"
}
