package stream

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

// ClaudeDecoder decodes event-typed SSE. The event type is read from the JSON
// "type" field, falling back to the preceding "event:" line.
type ClaudeDecoder struct {
	provider  string
	lines     lineBuffer
	lastEvent string
	term      terminated
}

func NewClaudeDecoder(provider string) *ClaudeDecoder {
	return &ClaudeDecoder{provider: provider}
}

func (d *ClaudeDecoder) Decode(p []byte) []domain.StreamChunk {
	var out []domain.StreamChunk
	for _, line := range d.lines.write(p) {
		out = append(out, d.line(line)...)
	}
	return d.term.filter(out)
}

func (d *ClaudeDecoder) Flush() []domain.StreamChunk {
	if line := d.lines.rest(); line != nil {
		return d.term.filter(d.line(line))
	}
	return nil
}

func (d *ClaudeDecoder) line(line []byte) []domain.StreamChunk {
	if name, ok := sseEvent(line); ok {
		d.lastEvent = name
		return nil
	}
	data, ok := sseData(line)
	if !ok || len(data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		slog.Warn("skipping malformed stream fragment", "provider", d.provider, "bytes", len(data))
		return nil
	}

	event := gjson.ParseBytes(data)
	if !event.Get("type").Exists() && d.lastEvent != "" {
		return ClaudeEvent(d.provider, d.lastEvent, event)
	}
	return ClaudeEvents(d.provider, data)
}

// ClaudeEvents decodes one Claude streaming event payload. It is shared with
// transports that deliver the same events outside of SSE framing.
func ClaudeEvents(provider string, data []byte) []domain.StreamChunk {
	if !gjson.ValidBytes(data) {
		slog.Warn("skipping malformed stream fragment", "provider", provider, "bytes", len(data))
		return nil
	}
	event := gjson.ParseBytes(data)
	return ClaudeEvent(provider, event.Get("type").String(), event)
}

func ClaudeEvent(provider, eventType string, event gjson.Result) []domain.StreamChunk {
	switch eventType {
	case "content_block_delta":
		if text := event.Get("delta.text").String(); text != "" {
			return []domain.StreamChunk{{Content: text}}
		}
	case "message_delta":
		if event.Get("delta.stop_reason").String() == "refusal" {
			return []domain.StreamChunk{{Error: (&domain.ContentPolicyError{Provider: provider, Reason: "refusal"}).Error()}}
		}
	case "message_stop":
		return []domain.StreamChunk{{Finished: true}}
	case "error":
		return []domain.StreamChunk{{Error: vendorErrorMessage(provider, event.Get("error"))}}
	}
	return nil
}
