package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const maxLineBytes = 64 * 1024

// ErrMalformed marks a replay line that could not be decoded. The reader
// stays usable after returning it.
var ErrMalformed = errors.New("telemetry: malformed record")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reader decodes newline-delimited JSON samples captured by a transport.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Reader{scanner: sc}
}

// Next returns the next sample, io.EOF at end of input, or an error wrapping
// ErrMalformed for a line that does not decode. Blank lines and lines
// starting with '#' are skipped.
func (r *Reader) Next() (Sample, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var s Sample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return Sample{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
		}
		return s, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Sample{}, fmt.Errorf("telemetry: read line %d: %w", r.line+1, err)
	}
	return Sample{}, io.EOF
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int {
	return r.line
}
