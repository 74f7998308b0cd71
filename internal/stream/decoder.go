// Package stream turns a server-sent event body of OpenAI-shaped chat completion chunks into text
// deltas.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	dataPrefix = "data: "
	doneToken  = "[DONE]"

	// contentPath is the location of the incremental text within a chunk.
	contentPath = "choices.0.delta.content"

	defaultChunkSize = 4096
)

var errMalformed = errors.New("malformed record")

// Decoder reads newline-delimited `data: <json>` records from a byte stream. Records split across
// read boundaries, including splits inside a multi-byte UTF-8 sequence, are reassembled before they
// are parsed.
type Decoder struct {
	chunkSize int
	logger    *slog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithChunkSize sets how many bytes are requested from the reader per read.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// NewDecoder creates a Decoder. A nil logger discards logs.
func NewDecoder(logger *slog.Logger, opts ...Option) Decoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := Decoder{
		chunkSize: defaultChunkSize,
		logger:    logger.With(slog.String("module", "stream")),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Decode reads r until it is exhausted or a `data: [DONE]` record is seen, calling onDelta with every
// non-empty `choices[0].delta.content` in stream order, then onDone.
//
// A record that is not valid JSON stalls processing of the current chunk and is retried when more
// bytes arrive. Once the reader is exhausted the remaining buffer is scanned one last time and records
// that still fail to parse are dropped.
//
// Read errors and context cancellation are returned without calling onDone.
func (d Decoder) Decode(ctx context.Context, r io.Reader, onDelta func(string), onDone func()) error {
	src := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	chunk := make([]byte, d.chunkSize)

	var buf string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(chunk)
		if n > 0 {
			var done bool
			buf, done = d.drain(buf+string(chunk[:n]), onDelta)
			if done {
				onDone()
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("error reading stream: %w", err)
		}
	}

	d.flush(buf, onDelta)
	onDone()
	return nil
}

// Deltas adapts Decode to an iterator. Breaking out of the loop stops decoding; a decoding error is
// yielded once as the last element.
func (d Decoder) Deltas(ctx context.Context, r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := d.Decode(ctx, r, func(delta string) {
			if stopped {
				return
			}
			if !yield(delta, nil) {
				stopped = true
				cancel()
			}
		}, func() {})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// drain consumes every complete line of buf and returns what is left. It stops early, leaving the
// offending line at the front of the buffer, when a record fails to parse.
func (d Decoder) drain(buf string, onDelta func(string)) (string, bool) {
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx == -1 {
			return buf, false
		}

		payload, ok := recordPayload(buf[:idx])
		if !ok {
			buf = buf[idx+1:]
			continue
		}
		if payload == doneToken {
			return "", true
		}

		delta, err := parseDelta(payload)
		if err != nil {
			d.logger.Debug("Deferring incomplete record", slog.String("record", payload))
			return buf, false
		}
		buf = buf[idx+1:]
		if delta != "" {
			onDelta(delta)
		}
	}
}

func (d Decoder) flush(buf string, onDelta func(string)) {
	if strings.TrimSpace(buf) == "" {
		return
	}
	for _, line := range strings.Split(buf, "\n") {
		payload, ok := recordPayload(line)
		if !ok {
			continue
		}
		if payload == doneToken {
			return
		}
		delta, err := parseDelta(payload)
		if err != nil {
			d.logger.Debug("Dropping malformed record", slog.String("record", payload))
			continue
		}
		if delta != "" {
			onDelta(delta)
		}
	}
}

// recordPayload returns the trimmed payload of a `data: ` line. Blank lines, comments and other
// fields are reported as not being records.
func recordPayload(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return "", false
	}
	return payload, true
}

func parseDelta(payload string) (string, error) {
	if !gjson.Valid(payload) {
		return "", errMalformed
	}
	content := gjson.Get(payload, contentPath)
	if content.Type != gjson.String {
		return "", nil
	}
	return content.Str, nil
}
