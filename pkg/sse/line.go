// Package sse rewrites an upstream chat completion stream into strict
// OpenAI-compatible Server-Sent Events.
package sse

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const doneSentinel = "[DONE]"

var (
	dataPrefix = []byte("data: ")
	doneEvent  = []byte("data: [DONE]\n\n")

	ErrMalformedPayload = errors.New("malformed SSE payload")
)

// TranscodeLine maps one complete upstream line to the events sent to the
// client. stop reports that the stream is finished and further input must be
// ignored. A malformed payload returns an error and no events.
func TranscodeLine(line []byte) (events [][]byte, stop bool, err error) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false, nil
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneSentinel {
		return [][]byte{doneEvent}, true, nil
	}
	normalized, finished, err := Normalize(payload)
	if err != nil {
		return nil, false, err
	}
	ev := frame(normalized)
	if finished {
		return [][]byte{ev, doneEvent}, true, nil
	}
	return [][]byte{ev}, false, nil
}

// Normalize rewrites a chunk so choices[0] always carries a delta object and
// legacy completion text is moved into delta.content. finished reports a
// non-null finish_reason on choices[0]. Chunks without choices pass through.
func Normalize(payload []byte) (out []byte, finished bool, err error) {
	if !gjson.ValidBytes(payload) {
		return nil, false, ErrMalformedPayload
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, false, ErrMalformedPayload
	}
	choice := root.Get("choices.0")
	if !choice.IsObject() {
		return payload, false, nil
	}

	out = payload
	if delta := choice.Get("delta"); !delta.IsObject() {
		if out, err = sjson.SetRawBytes(out, "choices.0.delta", []byte("{}")); err != nil {
			return nil, false, err
		}
	}
	content := choice.Get("delta.content")
	text := choice.Get("text")
	if (!content.Exists() || content.Type == gjson.Null) && text.Exists() {
		if out, err = sjson.SetRawBytes(out, "choices.0.delta.content", []byte(text.Raw)); err != nil {
			return nil, false, err
		}
		if out, err = sjson.DeleteBytes(out, "choices.0.text"); err != nil {
			return nil, false, err
		}
	}

	reason := choice.Get("finish_reason")
	finished = reason.Exists() && reason.Type != gjson.Null && reason.String() != ""
	return out, finished, nil
}

func frame(payload []byte) []byte {
	ev := make([]byte, 0, len(dataPrefix)+len(payload)+2)
	ev = append(ev, dataPrefix...)
	ev = append(ev, payload...)
	return append(ev, '\n', '\n')
}
