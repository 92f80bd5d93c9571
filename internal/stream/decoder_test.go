package stream

import (
	"reflect"
	"strings"
	"testing"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

func decodeAll(dec Decoder, pieces ...string) []domain.StreamChunk {
	var out []domain.StreamChunk
	for _, p := range pieces {
		out = append(out, dec.Decode([]byte(p))...)
	}
	return append(out, dec.Flush()...)
}

// decodeSplit feeds input one split at a time to exercise partial buffering.
func decodeSplit(dec Decoder, input string, at int) []domain.StreamChunk {
	return decodeAll(dec, input[:at], input[at:])
}

func assertTerminalInvariant(t *testing.T, chunks []domain.StreamChunk) {
	t.Helper()
	for i, c := range chunks {
		if c.Terminal() && i != len(chunks)-1 {
			t.Fatalf("chunk %d is terminal but %d chunks follow", i, len(chunks)-1-i)
		}
	}
}

func TestOpenAIDecoder_DeltaSentinel(t *testing.T) {
	input := "data: {\"delta\":\"Hel\"}\n" +
		"data: {\"delta\":\"lo\"}\n" +
		"data: [DONE]\n"

	got := decodeAll(NewOpenAIDecoder("openai"), input)
	want := []domain.StreamChunk{{Content: "Hel"}, {Content: "lo"}, {Finished: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestOpenAIDecoder_ChoicesFormat(t *testing.T) {
	input := `data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\r\n\r\n" +
		`data: {"choices":[{"delta":{"content":" there"},"finish_reason":null}]}` + "\n\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	got := decodeAll(NewOpenAIDecoder("openai"), input)
	want := []domain.StreamChunk{{Content: "Hi"}, {Content: " there"}, {Finished: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestOpenAIDecoder_SplitAtEveryBoundary(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	want := decodeAll(NewOpenAIDecoder("openai"), input)

	for i := 1; i < len(input); i++ {
		got := decodeSplit(NewOpenAIDecoder("openai"), input, i)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: chunks = %+v, want %+v", i, got, want)
		}
	}
}

func TestOpenAIDecoder_ErrorPayloadTerminates(t *testing.T) {
	input := `data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n" +
		`data: {"error":{"message":"sk-secret leaked here","type":"insufficient_quota"}}` + "\n" +
		`data: {"choices":[{"delta":{"content":"after"}}]}` + "\n"

	got := decodeAll(NewOpenAIDecoder("openai"), input)
	assertTerminalInvariant(t, got)

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(got), got)
	}
	if got[1].Error != "openai: quota exceeded" {
		t.Errorf("error = %q", got[1].Error)
	}
	if strings.Contains(got[1].Error, "sk-secret") {
		t.Error("error message must not echo vendor payload")
	}
}

func TestOpenAIDecoder_NullErrorIsNotTerminal(t *testing.T) {
	tests := []struct {
		name  string
		field string
	}{
		{"null", `null`},
		{"false", `false`},
		{"empty string", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := `data: {"choices":[{"delta":{"content":"Hel"}}],"error":` + tt.field + "}\n" +
				`data: {"choices":[{"delta":{"content":"lo"}}],"error":` + tt.field + "}\n" +
				"data: [DONE]\n"

			got := decodeAll(NewOpenAIDecoder("openrouter"), input)
			want := []domain.StreamChunk{{Content: "Hel"}, {Content: "lo"}, {Finished: true}}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("chunks = %+v, want %+v", got, want)
			}
		})
	}
}

func TestOpenAIDecoder_StringErrorTerminates(t *testing.T) {
	got := decodeAll(NewOpenAIDecoder("openrouter"), `data: {"error":"upstream failed"}`+"\n")
	want := []domain.StreamChunk{{Error: "openrouter: stream error"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestOpenAIDecoder_MalformedSkipped(t *testing.T) {
	input := "data: {not json\n" +
		"data: {\"delta\":\"ok\"}\n"

	got := decodeAll(NewOpenAIDecoder("groq"), input)
	want := []domain.StreamChunk{{Content: "ok"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestOpenAIDecoder_FlushTrailingLine(t *testing.T) {
	got := decodeAll(NewOpenAIDecoder("openai"), "data: {\"delta\":\"tail\"}")
	if len(got) != 1 || got[0].Content != "tail" {
		t.Errorf("chunks = %+v", got)
	}
}

const claudeStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: ping\n" +
	"data: {\"type\":\"ping\"}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" {world}\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestClaudeDecoder(t *testing.T) {
	got := decodeAll(NewClaudeDecoder("anthropic"), claudeStream)
	want := []domain.StreamChunk{{Content: "Hello"}, {Content: " {world}"}, {Finished: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestClaudeDecoder_SplitAtEveryBoundary(t *testing.T) {
	want := decodeAll(NewClaudeDecoder("anthropic"), claudeStream)
	for i := 1; i < len(claudeStream); i++ {
		got := decodeSplit(NewClaudeDecoder("anthropic"), claudeStream, i)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: chunks = %+v, want %+v", i, got, want)
		}
	}
}

func TestClaudeDecoder_ErrorEvent(t *testing.T) {
	input := "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"par\"}}\n\n" +
		"event: error\n" +
		"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	got := decodeAll(NewClaudeDecoder("anthropic"), input)
	assertTerminalInvariant(t, got)

	want := []domain.StreamChunk{{Content: "par"}, {Error: "anthropic: service unavailable"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestClaudeEvents(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []domain.StreamChunk
	}{
		{"delta", `{"type":"content_block_delta","delta":{"text":"x"}}`, []domain.StreamChunk{{Content: "x"}}},
		{"stop", `{"type":"message_stop"}`, []domain.StreamChunk{{Finished: true}}},
		{"ping", `{"type":"ping"}`, nil},
		{"malformed", `{"type":`, nil},
		{"rate limit", `{"type":"error","error":{"type":"rate_limit_error"}}`, []domain.StreamChunk{{Error: "bedrock: rate limit exceeded"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClaudeEvents("bedrock", []byte(tt.data))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ClaudeEvents() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

const geminiStream = `[{"candidates": [{"content": {"parts": [{"text": "Hello {"}],"role": "model"},"index": 0}]}
,
{"candidates": [{"content": {"parts": [{"text": "wor\"ld}"}],"role": "model"},"index": 0}]}
,
{"candidates": [{"content": {"parts": [{"text": "!"}],"role": "model"},"finishReason": "STOP","index": 0}],"usageMetadata": {"promptTokenCount": 4}}
]`

func TestGeminiDecoder(t *testing.T) {
	got := decodeAll(NewGeminiDecoder("gemini"), geminiStream)
	want := []domain.StreamChunk{{Content: "Hello {"}, {Content: "wor\"ld}"}, {Content: "!"}, {Finished: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestGeminiDecoder_SplitAtEveryBoundary(t *testing.T) {
	want := decodeAll(NewGeminiDecoder("gemini"), geminiStream)
	for i := 1; i < len(geminiStream); i++ {
		got := decodeSplit(NewGeminiDecoder("gemini"), geminiStream, i)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: chunks = %+v, want %+v", i, got, want)
		}
	}
}

func TestGeminiDecoder_ByteAtATime(t *testing.T) {
	dec := NewGeminiDecoder("gemini")
	var got []domain.StreamChunk
	for i := 0; i < len(geminiStream); i++ {
		got = append(got, dec.Decode([]byte{geminiStream[i]})...)
	}
	got = append(got, dec.Flush()...)

	want := decodeAll(NewGeminiDecoder("gemini"), geminiStream)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestGeminiDecoder_FinishReasons(t *testing.T) {
	tests := []struct {
		reason    string
		wantError bool
	}{
		{"STOP", false},
		{"MAX_TOKENS", false},
		{"SAFETY", true},
		{"RECITATION", true},
		{"BLOCKLIST", true},
		{"PROHIBITED_CONTENT", true},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			input := `[{"candidates":[{"content":{"parts":[{"text":"a"}]},"finishReason":"` + tt.reason + `"}]}]`
			got := decodeAll(NewGeminiDecoder("gemini"), input)

			if len(got) != 2 {
				t.Fatalf("got %d chunks, want 2: %+v", len(got), got)
			}
			last := got[1]
			if tt.wantError {
				if last.Error == "" || !strings.Contains(last.Error, tt.reason) {
					t.Errorf("error = %q, want content policy error for %s", last.Error, tt.reason)
				}
				if last.Finished {
					t.Error("policy stop must not be reported as finished")
				}
			} else if !last.Finished || last.Error != "" {
				t.Errorf("last chunk = %+v, want finished", last)
			}
		})
	}
}

func TestGeminiDecoder_PromptBlocked(t *testing.T) {
	input := `[{"promptFeedback":{"blockReason":"SAFETY"}}, {"candidates":[{"content":{"parts":[{"text":"late"}]}}]}]`
	got := decodeAll(NewGeminiDecoder("gemini"), input)
	if len(got) != 1 || got[0].Error == "" {
		t.Errorf("chunks = %+v, want a single policy error", got)
	}
}

func TestGeminiDecoder_ErrorObject(t *testing.T) {
	input := `[{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}]`
	got := decodeAll(NewGeminiDecoder("gemini"), input)
	want := []domain.StreamChunk{{Error: "gemini: rate limit exceeded"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestGeminiDecoder_NullErrorIgnored(t *testing.T) {
	input := `[{"candidates":[{"content":{"parts":[{"text":"Hi"}]},"finishReason":"STOP"}],"error":null}]`
	got := decodeAll(NewGeminiDecoder("gemini"), input)
	want := []domain.StreamChunk{{Content: "Hi"}, {Finished: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestNextObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantObj string
		wantOK  bool
	}{
		{"no brace", "[\n,", "", false},
		{"incomplete", `{"a":{"b":1}`, "", false},
		{"nested", `[{"a":{"b":1}},{"c":2}`, `{"a":{"b":1}}`, true},
		{"brace in string", `{"t":"}{"}rest`, `{"t":"}{"}`, true},
		{"escaped quote", `{"t":"\"}"}`, `{"t":"\"}"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, _, ok := nextObject([]byte(tt.in))
			if ok != tt.wantOK || string(obj) != tt.wantObj {
				t.Errorf("nextObject() = %q, %v; want %q, %v", obj, ok, tt.wantObj, tt.wantOK)
			}
		})
	}
}

func BenchmarkGeminiDecoder(b *testing.B) {
	for i := 0; i < b.N; i++ {
		dec := NewGeminiDecoder("gemini")
		for j := 0; j < len(geminiStream); j += 64 {
			end := j + 64
			if end > len(geminiStream) {
				end = len(geminiStream)
			}
			dec.Decode([]byte(geminiStream[j:end]))
		}
	}
}
