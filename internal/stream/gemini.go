package stream

import (
	"bytes"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

var policyFinishReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// GeminiDecoder decodes a stream of concatenated JSON objects with no
// delimiter, typically one large array written incrementally.
type GeminiDecoder struct {
	provider string
	buf      []byte
	term     terminated
}

func NewGeminiDecoder(provider string) *GeminiDecoder {
	return &GeminiDecoder{provider: provider}
}

func (d *GeminiDecoder) Decode(p []byte) []domain.StreamChunk {
	d.buf = append(d.buf, p...)

	var out []domain.StreamChunk
	for {
		obj, rest, ok := nextObject(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		out = append(out, d.object(obj)...)
	}
	return d.term.filter(out)
}

func (d *GeminiDecoder) Flush() []domain.StreamChunk {
	if len(bytes.TrimSpace(bytes.Trim(d.buf, "[],\r\n\t "))) > 0 {
		slog.Warn("discarding incomplete stream object", "provider", d.provider, "bytes", len(d.buf))
	}
	d.buf = nil
	return nil
}

// nextObject finds the first balanced top-level {...} in buf. Braces inside
// JSON strings are ignored.
func nextObject(buf []byte) (obj, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, '{')
	if start < 0 {
		return nil, buf, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[start : i+1], buf[i+1:], true
			}
		}
	}
	return nil, buf, false
}

func (d *GeminiDecoder) object(obj []byte) []domain.StreamChunk {
	if !gjson.ValidBytes(obj) {
		slog.Warn("skipping malformed stream fragment", "provider", d.provider, "bytes", len(obj))
		return nil
	}
	payload := gjson.ParseBytes(obj)

	if errObj, ok := vendorError(payload); ok {
		return []domain.StreamChunk{{Error: vendorErrorMessage(d.provider, errObj)}}
	}
	if reason := payload.Get("promptFeedback.blockReason").String(); reason != "" {
		return []domain.StreamChunk{{Error: (&domain.ContentPolicyError{Provider: d.provider, Reason: reason}).Error()}}
	}

	var out []domain.StreamChunk
	candidate := payload.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			out = append(out, domain.StreamChunk{Content: text})
		}
		return true
	})

	switch reason := candidate.Get("finishReason").String(); {
	case reason == "":
	case policyFinishReasons[reason]:
		out = append(out, domain.StreamChunk{Error: (&domain.ContentPolicyError{Provider: d.provider, Reason: reason}).Error()})
	case reason == "STOP" || reason == "MAX_TOKENS":
		out = append(out, domain.StreamChunk{Finished: true})
	default:
		slog.Warn("unexpected finish reason", "provider", d.provider, "reason", reason)
		out = append(out, domain.StreamChunk{Finished: true})
	}
	return out
}
