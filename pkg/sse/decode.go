// Package sse splits a chunked Server-Sent Events body into frames
package sse

import "strings"

// DefaultEvent is the event type of a frame that carries no "event:" line.
const DefaultEvent = "message"

const separator = "\n\n"

type Frame struct {
	Event string
	Data  string
}

// Decode returns every frame terminated by a blank line in buffer and the
// unterminated remainder. The remainder is never emitted, even when it looks
// complete, because the producer may pause in the middle of a frame.
// Frames without a data line are dropped.
func Decode(buffer string) ([]Frame, string) {
	last := strings.LastIndex(buffer, separator)
	if last < 0 {
		return nil, buffer
	}
	complete, residual := buffer[:last], buffer[last+len(separator):]

	var frames []Frame
	for _, block := range strings.Split(complete, separator) {
		if frame, ok := parseBlock(block); ok {
			frames = append(frames, frame)
		}
	}
	return frames, residual
}

func parseBlock(block string) (Frame, bool) {
	if strings.TrimSpace(block) == "" {
		return Frame{}, false
	}

	frame := Frame{Event: DefaultEvent}
	hasData := false
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			if value != "" {
				frame.Event = value
			}
		case "data":
			// last one wins
			frame.Data = value
			hasData = value != ""
		}
	}
	return frame, hasData
}

// Decoder carries the partial-frame buffer across reads.
type Decoder struct {
	buf strings.Builder
}

// Feed appends chunk to the pending buffer and returns the frames it completes.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf.Write(chunk)
	frames, residual := Decode(d.buf.String())
	d.buf.Reset()
	d.buf.WriteString(residual)
	return frames
}

// Residual is the text received after the last complete frame.
func (d *Decoder) Residual() string {
	return d.buf.String()
}

func (d *Decoder) Reset() {
	d.buf.Reset()
}
