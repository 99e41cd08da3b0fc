package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Transcoder reassembles upstream lines across chunk boundaries and feeds
// them through TranscodeLine. It terminates every stream with exactly one
// [DONE] event.
type Transcoder struct {
	pending    []byte
	// discarding is set while the rest of an oversized line is dropped.
	discarding bool
	done       bool
	events     int
	skipped    int
}

// MaxLineBytes caps a single upstream line. Longer lines are skipped.
const MaxLineBytes = 1 << 20

func NewTranscoder() *Transcoder {
	return &Transcoder{pending: make([]byte, 0, 1024)}
}

// Write consumes an upstream chunk and returns the bytes to send to the
// client. Once the stream is done further input is ignored.
func (t *Transcoder) Write(chunk []byte) []byte {
	if t.done || len(chunk) == 0 {
		return nil
	}
	t.pending = append(t.pending, chunk...)
	var out []byte
	for !t.done {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		line := t.pending[:idx]
		t.pending = t.pending[idx+1:]
		if t.discarding {
			t.discarding = false
			continue
		}
		if len(line) > MaxLineBytes {
			t.skipOversized()
			continue
		}
		out = t.processLine(line, out)
	}
	if t.done {
		t.pending = nil
		return out
	}
	if len(t.pending) > MaxLineBytes {
		if !t.discarding {
			t.skipOversized()
			t.discarding = true
		}
		t.pending = t.pending[:0]
	}
	return out
}

func (t *Transcoder) skipOversized() {
	t.skipped++
	slog.Warn("skipping oversized SSE line", "limit", MaxLineBytes)
}

// Finish handles the remaining partial line at end of input and closes the
// stream unless it was already closed.
func (t *Transcoder) Finish() []byte {
	var out []byte
	if !t.done && !t.discarding && len(bytes.TrimSpace(t.pending)) > 0 {
		out = t.processLine(t.pending, out)
	}
	t.pending = nil
	t.discarding = false
	if !t.done {
		t.done = true
		out = append(out, doneEvent...)
	}
	return out
}

func (t *Transcoder) Done() bool   { return t.done }
func (t *Transcoder) Events() int  { return t.events }
func (t *Transcoder) Skipped() int { return t.skipped }

func (t *Transcoder) processLine(line []byte, out []byte) []byte {
	events, stop, err := TranscodeLine(line)
	if err != nil {
		t.skipped++
		slog.Warn("skipping malformed SSE line", "error", err, "data", truncate(string(line), 200))
		return out
	}
	for _, ev := range events {
		out = append(out, ev...)
		if !bytes.Equal(ev, doneEvent) {
			t.events++
		}
	}
	if stop {
		t.done = true
	}
	return out
}

// Stats summarizes one piped stream.
type Stats struct {
	Events  int
	Skipped int
	Bytes   int64
}

// Pipe transcodes r into w until the stream is done, r is exhausted, or ctx
// is cancelled. Writes are flushed when w supports it. An upstream read
// failure still closes the client stream with [DONE]; a cancelled context or
// a failed client write abandons the stream and returns the error.
func Pipe(ctx context.Context, w io.Writer, r io.Reader) (Stats, error) {
	t := NewTranscoder()
	flusher, _ := w.(http.Flusher)
	var written int64
	stats := func() Stats {
		return Stats{Events: t.Events(), Skipped: t.Skipped(), Bytes: written}
	}
	send := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return stats(), err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := send(t.Write(buf[:n])); err != nil {
				return stats(), err
			}
			if t.Done() {
				return stats(), nil
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			if err := ctx.Err(); err != nil {
				return stats(), err
			}
			slog.Warn("upstream stream interrupted", "error", readErr)
		}
		if err := send(t.Finish()); err != nil {
			return stats(), err
		}
		return stats(), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
