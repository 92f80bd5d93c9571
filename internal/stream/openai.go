package stream

import (
	"bytes"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

var doneSentinel = []byte("[DONE]")

// OpenAIDecoder decodes line-delimited SSE where each data line is a JSON
// delta and the stream ends with "data: [DONE]".
type OpenAIDecoder struct {
	provider string
	lines    lineBuffer
	term     terminated
}

func NewOpenAIDecoder(provider string) *OpenAIDecoder {
	return &OpenAIDecoder{provider: provider}
}

func (d *OpenAIDecoder) Decode(p []byte) []domain.StreamChunk {
	var out []domain.StreamChunk
	for _, line := range d.lines.write(p) {
		out = append(out, d.line(line)...)
	}
	return d.term.filter(out)
}

func (d *OpenAIDecoder) Flush() []domain.StreamChunk {
	if line := d.lines.rest(); line != nil {
		return d.term.filter(d.line(line))
	}
	return nil
}

func (d *OpenAIDecoder) line(line []byte) []domain.StreamChunk {
	data, ok := sseData(line)
	if !ok || len(data) == 0 {
		return nil
	}
	if bytes.Equal(data, doneSentinel) {
		return []domain.StreamChunk{{Finished: true}}
	}
	if !gjson.ValidBytes(data) {
		slog.Warn("skipping malformed stream fragment", "provider", d.provider, "bytes", len(data))
		return nil
	}

	payload := gjson.ParseBytes(data)
	if errObj, ok := vendorError(payload); ok {
		return []domain.StreamChunk{{Error: vendorErrorMessage(d.provider, errObj)}}
	}

	var out []domain.StreamChunk
	content := payload.Get("choices.0.delta.content")
	if !content.Exists() {
		if delta := payload.Get("delta"); delta.Type == gjson.String {
			content = delta
		}
	}
	if text := content.String(); text != "" {
		out = append(out, domain.StreamChunk{Content: text})
	}

	if reason := payload.Get("choices.0.finish_reason").String(); reason != "" {
		if reason == "content_filter" {
			out = append(out, domain.StreamChunk{Error: (&domain.ContentPolicyError{Provider: d.provider, Reason: reason}).Error()})
		} else {
			out = append(out, domain.StreamChunk{Finished: true})
		}
	}
	return out
}
