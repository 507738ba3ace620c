package stream

import (
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
)

const dataPrefix = "data:"

// Decoder turns a raw SSE byte stream into a lazy sequence of parsed event
// envelopes. It maintains a growing text buffer and only acts on complete
// lines, so a line split across two network chunks is reassembled before
// parsing. A JSON parse failure on one line is logged and skipped; it is
// never fatal to the stream.
type Decoder struct {
	r     io.Reader
	buf   strings.Builder
	lines []string
	chunk []byte
	err   error
	log   *logger.Logger
}

// NewDecoder wraps r. The reader is consumed from the current position; a
// decoder is not resumable across readers.
func NewDecoder(r io.Reader, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.L()
	}
	return &Decoder{
		r:     r,
		chunk: make([]byte, 4096),
		log:   log,
	}
}

// Next returns the next decoded event, or io.EOF when the stream is
// exhausted. Blank lines, non-data lines and undecodable lines produce no
// event and are consumed silently.
func (d *Decoder) Next() (*types.Event, error) {
	for {
		for len(d.lines) > 0 {
			line := d.lines[0]
			d.lines = d.lines[1:]
			if ev := d.parseLine(line); ev != nil {
				return ev, nil
			}
		}
		if d.err != nil {
			return nil, d.err
		}
		d.fill()
	}
}

// fill reads one chunk and splits the accumulated buffer on its last
// complete newline, carrying any trailing partial line over to the next
// read.
func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf.Write(d.chunk[:n])
		text := d.buf.String()
		if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
			d.lines = append(d.lines, strings.Split(text[:idx], "\n")...)
			d.buf.Reset()
			d.buf.WriteString(text[idx+1:])
		}
	}
	if err != nil {
		if err == io.EOF && d.buf.Len() > 0 {
			// A stream that ends without a final newline left us a partial
			// line we never acted on.
			d.log.Debug("discarding partial trailing line at stream end",
				zap.Int("bytes", d.buf.Len()))
		}
		d.err = err
	}
}

// parseLine extracts the event from one complete line, or nil when the line
// carries none.
func (d *Decoder) parseLine(line string) *types.Event {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	payload = strings.TrimPrefix(payload, " ")
	if payload == "" {
		return nil
	}

	var ev types.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		d.log.Warn("skipping undecodable stream line",
			zap.Error(err),
			zap.Int("line_bytes", len(line)))
		return nil
	}
	if ev.Type == "" {
		d.log.Warn("skipping stream line without event type")
		return nil
	}
	return &ev
}
