// Package stream turns vendor wire formats into domain.StreamChunk values.
//
// Decoders are pure: they only see the bytes handed to them and never touch
// the network. Pump connects a decoder to a response body.
package stream

import (
	"bytes"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

// Decoder consumes arbitrary slices of a response body. Bytes that do not yet
// form a complete frame are buffered until the next call.
type Decoder interface {
	Decode(p []byte) []domain.StreamChunk
	// Flush is called once at EOF and decodes whatever is still buffered.
	Flush() []domain.StreamChunk
}

// lineBuffer splits a byte stream into lines, keeping the trailing partial line.
type lineBuffer struct {
	buf []byte
}

func (l *lineBuffer) write(p []byte) [][]byte {
	l.buf = append(l.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(l.buf[:i], "\r")
		lines = append(lines, append([]byte(nil), line...))
		l.buf = l.buf[i+1:]
	}
	return lines
}

func (l *lineBuffer) rest() []byte {
	line := bytes.TrimRight(l.buf, "\r")
	l.buf = nil
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	return line
}

// sseData returns the payload of a "data:" line.
func sseData(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[len("data:"):]), true
}

// sseEvent returns the name carried by an "event:" line.
func sseEvent(line []byte) (string, bool) {
	if !bytes.HasPrefix(line, []byte("event:")) {
		return "", false
	}
	return string(bytes.TrimSpace(line[len("event:"):])), true
}

// terminated drops everything after the first terminal chunk.
type terminated struct {
	done bool
}

func (t *terminated) filter(in []domain.StreamChunk) []domain.StreamChunk {
	if t.done {
		return nil
	}
	for i, c := range in {
		if c.Terminal() {
			t.done = true
			return in[:i+1]
		}
	}
	return in
}
