package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

type MockProvider struct {
	id             string
	models         []domain.ModelDescriptor
	TestConnFunc   func(ctx context.Context) bool
	RefreshFunc    func(ctx context.Context) error
	ValidateFunc   func(key string) error
	TestKeyFunc    func(ctx context.Context, key string) error
	refreshCounter atomic.Int32
}

func (m *MockProvider) ID() string { return m.id }
func (m *MockProvider) Models(ctx context.Context) []domain.ModelDescriptor {
	return m.models
}
func (m *MockProvider) StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
	return nil, nil
}
func (m *MockProvider) EstimateTokens(text string) int { return len(text) / 4 }
func (m *MockProvider) TestConnection(ctx context.Context) bool {
	if m.TestConnFunc != nil {
		return m.TestConnFunc(ctx)
	}
	return true
}
func (m *MockProvider) TranslateError(err error) string { return err.Error() }
func (m *MockProvider) Refresh(ctx context.Context) error {
	m.refreshCounter.Add(1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx)
	}
	return nil
}
func (m *MockProvider) ValidateKeyFormat(key string) error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(key)
	}
	return nil
}
func (m *MockProvider) TestKey(ctx context.Context, key string) error {
	if m.TestKeyFunc != nil {
		return m.TestKeyFunc(ctx, key)
	}
	return nil
}

// staticProvider has no optional capabilities.
type staticProvider struct{ MockProvider }

func newStatic(id string, models ...string) *staticProvider {
	p := &staticProvider{MockProvider{id: id}}
	for _, m := range models {
		p.models = append(p.models, domain.ModelDescriptor{ID: m, Provider: id})
	}
	return p
}

func TestMatch(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", OpenAI},
		{"gpt-4o-mini", OpenAI},
		{"o1-mini", OpenAI},
		{"chatgpt-4o-latest", OpenAI},
		{"claude-3-5-sonnet-20241022", Anthropic},
		{"gemini-2.0-flash", Gemini},
		{"openai/gpt-4o", OpenRouter},
		{"meta-llama/llama-3.3-70b-instruct", OpenRouter},
		{"some-model:free", OpenRouter},
		{"nousresearch-hermes-3", OpenRouter},
		{"anthropic.claude-3-haiku-20240307-v1:0", Bedrock},
		{"mistral.mistral-7b-instruct-v0:2", Bedrock},
		{"llama-3.3-70b-versatile", Groq},
		{"gemma2-9b-it", Groq},
		{"mixtral-8x7b-32768", Groq},
		{"qwen-qwq-32b", Groq},
		{"deepseek-r1-distill-llama-70b", Groq},
		{"GPT-4", OpenAI},
		{"text-davinci-003", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := Match(tt.model); got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestRouter_ProviderFor(t *testing.T) {
	r := New(newStatic(OpenAI, "gpt-4"), newStatic(Anthropic))

	found := r.ProviderFor("gpt-4")
	if !found.OK || found.Provider.ID() != OpenAI || found.Err() != nil {
		t.Errorf("ProviderFor(gpt-4) = %+v", found)
	}

	unknown := r.ProviderFor("text-davinci-003")
	if unknown.OK || unknown.Name != "" || !errors.Is(unknown.Err(), domain.ErrUnknownProvider) {
		t.Errorf("ProviderFor(unknown) = %+v", unknown)
	}

	unregistered := r.ProviderFor("gemini-2.0-flash")
	if unregistered.OK || unregistered.Name != Gemini || !errors.Is(unregistered.Err(), domain.ErrUnknownProvider) {
		t.Errorf("ProviderFor(gemini) = %+v", unregistered)
	}
}

func TestRouter_AllModels(t *testing.T) {
	dynamic := &MockProvider{id: OpenRouter, models: []domain.ModelDescriptor{{ID: "openai/gpt-4o"}, {ID: "gpt-4"}}}
	r := New(newStatic(OpenAI, "gpt-4", "gpt-4o"), dynamic)

	models := r.AllModels(context.Background())
	if len(models) != 3 {
		t.Errorf("got %d models, want 3 (deduplicated): %+v", len(models), models)
	}
	if dynamic.refreshCounter.Load() != 1 {
		t.Errorf("Refresh calls = %d, want 1", dynamic.refreshCounter.Load())
	}
}

func TestRouter_AllModels_RefreshFailure(t *testing.T) {
	dynamic := &MockProvider{
		id:          Groq,
		models:      []domain.ModelDescriptor{{ID: "llama-3.1-8b-instant"}},
		RefreshFunc: func(ctx context.Context) error { return errors.New("down") },
	}
	r := New(dynamic)

	if got := len(r.AllModels(context.Background())); got != 1 {
		t.Errorf("got %d models, want cached 1", got)
	}
}

func TestRouter_DefaultModel(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
		want      string
		wantOK    bool
	}{
		{
			"preferred",
			[]Provider{newStatic(OpenAI, "gpt-4", "gpt-4o-mini"), newStatic(Anthropic, "claude-3-5-haiku-20241022")},
			"gpt-4o-mini", true,
		},
		{
			"second preference",
			[]Provider{newStatic(Anthropic, "claude-3-opus-20240229", "claude-3-5-haiku-20241022")},
			"claude-3-5-haiku-20241022", true,
		},
		{
			"first available",
			[]Provider{newStatic(Anthropic, "claude-3-opus-20240229")},
			"claude-3-opus-20240229", true,
		},
		{"none", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.providers...)
			m, ok := r.DefaultModel(context.Background())
			if ok != tt.wantOK || m.ID != tt.want {
				t.Errorf("DefaultModel() = %q, %v; want %q, %v", m.ID, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRouter_TestAll(t *testing.T) {
	slow := &MockProvider{id: Gemini, TestConnFunc: func(ctx context.Context) bool {
		time.Sleep(20 * time.Millisecond)
		return false
	}}
	r := New(newStatic(OpenAI), slow)

	results := r.TestAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	byID := map[string]domain.ProviderStatus{}
	for _, s := range results {
		byID[s.Provider] = s
	}
	if !byID[OpenAI].Connected {
		t.Error("openai should be connected")
	}
	if byID[Gemini].Connected {
		t.Error("gemini should be disconnected")
	}
	if byID[Gemini].LatencyMs < 20 {
		t.Errorf("gemini latency = %dms, want >= 20", byID[Gemini].LatencyMs)
	}
}

func TestRouter_KeyDispatch(t *testing.T) {
	checker := &MockProvider{
		id:           OpenAI,
		ValidateFunc: func(key string) error { return domain.ErrInvalidKeyFormat },
		TestKeyFunc:  func(ctx context.Context, key string) error { return domain.ErrKeyTestFailed },
	}
	r := New(checker)

	if err := r.ValidateKeyFormat(OpenAI, "x"); !errors.Is(err, domain.ErrInvalidKeyFormat) {
		t.Errorf("ValidateKeyFormat() error = %v", err)
	}
	if err := r.TestKey(context.Background(), OpenAI, "x"); !errors.Is(err, domain.ErrKeyTestFailed) {
		t.Errorf("TestKey() error = %v", err)
	}
	if err := r.TestKey(context.Background(), "nope", "x"); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("TestKey(unknown) error = %v", err)
	}
}

func TestRouter_ListProviders(t *testing.T) {
	r := New(newStatic(OpenAI), newStatic(Anthropic))
	ids := r.ListProviders()
	if len(ids) != 2 || ids[0] != Anthropic || ids[1] != OpenAI {
		t.Errorf("ListProviders() = %v", ids)
	}
}
