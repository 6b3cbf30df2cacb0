package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shiftecu/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "2006-01-02"
	logFilePrefix      = "shiftecu-"
	maxPendingLogBytes = 16 * 1024
)

// dailyFileSink appends to shiftecu-YYYY-MM-DD.log, switching files at UTC
// midnight and pruning files older than the retention window on each switch.
type dailyFileSink struct {
	mu        sync.Mutex
	dir       string
	keepDays  int
	day       string
	file      *os.File
	failedDay string // day whose open or write already hit stderr
}

func newDailyFileSink(dir string, keepDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	return &dailyFileSink{dir: dir, keepDays: keepDays}, nil
}

func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	now = now.UTC()
	day := now.Format(logFileDateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || s.day != day {
		s.openDay(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(now.Format(logTimestampLayout) + " " + line + "\n"); err != nil {
		s.warn(day, err)
	}
}

// openDay swaps to the file for day. Failures leave the sink closed until the
// next day; the log package is not usable here since it writes through us.
func (s *dailyFileSink) openDay(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.warn(day, err)
		return
	}
	s.file, s.day = f, day
	if err := cleanupOldLogs(s.dir, now, s.keepDays); err != nil {
		s.warn(day, err)
	}
}

func (s *dailyFileSink) warn(day string, err error) {
	if s.failedDay == day {
		return
	}
	s.failedDay = day
	fmt.Fprintf(os.Stderr, "Logging: %s: %v\n", s.dir, err)
}

func (s *dailyFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.day = nil, ""
	return err
}

// logFanout is the log package's output: complete lines go to the console
// (timestamped, unless silenced) and to the daily file when enabled.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console io.Writer
	file    *dailyFileSink
}

// setupLogging always returns a usable fanout; the error only reports that
// the file half could not be started.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	f := &logFanout{console: console}
	if !cfg.Enabled {
		return f, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return f, err
	}
	f.file = sink
	return f, nil
}

// SetConsole swaps the console writer; nil silences it.
func (f *logFanout) SetConsole(w io.Writer) {
	f.mu.Lock()
	f.console = w
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	for {
		line, rest, ok := bytes.Cut(f.pending, []byte{'\n'})
		if !ok {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		f.pending = rest
	}
	// a runaway unterminated write is flushed as-is
	if len(f.pending) > maxPendingLogBytes {
		lines = append(lines, string(f.pending))
		f.pending = nil
	}
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	stamp := now.Format(logTimestampLayout)
	for _, line := range lines {
		if console != nil {
			_, _ = io.WriteString(console, stamp+" "+line+"\n")
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnlyLine bypasses the console. Status lines use it when stdout is
// not a terminal.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

func (f *logFanout) Close() error {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

func logFileNameForDate(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, logFilePrefix)
	if !ok {
		return time.Time{}, false
	}
	if rest, ok = strings.CutSuffix(rest, ".log"); !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(logFileDateLayout, rest, time.UTC)
	return day, err == nil
}

// cleanupOldLogs removes daily files dated before the last keepDays days
// (today included). Other files in dir are left alone.
func cleanupOldLogs(dir string, now time.Time, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1-keepDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if day, ok := parseLogFileDate(entry.Name()); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
