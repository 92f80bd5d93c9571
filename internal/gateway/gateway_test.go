package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/notifications"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/router"
)

type MockProvider struct {
	id         string
	models     []domain.ModelDescriptor
	StreamFunc func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error)
	Connected  bool
}

func (m *MockProvider) ID() string { return m.id }

func (m *MockProvider) Models(ctx context.Context) []domain.ModelDescriptor { return m.models }

func (m *MockProvider) StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
	return m.StreamFunc(ctx, messages, modelID, opts)
}

func (m *MockProvider) EstimateTokens(text string) int { return len(text) / 4 }

func (m *MockProvider) TestConnection(ctx context.Context) bool { return m.Connected }

func (m *MockProvider) TranslateError(err error) string { return err.Error() }

func chunks(cs ...domain.StreamChunk) <-chan domain.StreamChunk {
	out := make(chan domain.StreamChunk, len(cs))
	for _, c := range cs {
		out <- c
	}
	close(out)
	return out
}

func collect(t *testing.T, ch <-chan domain.StreamChunk) []domain.StreamChunk {
	t.Helper()
	var got []domain.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

var userMessage = []domain.ChatMessage{{Role: "user", Content: "hello there"}}

func TestStreamCompletion_Relays(t *testing.T) {
	mock := &MockProvider{
		id:     router.OpenAI,
		models: []domain.ModelDescriptor{{ID: "gpt-4o-mini", Pricing: domain.Pricing{InputPer1K: 0.15, OutputPer1K: 0.6}}},
		StreamFunc: func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
			if modelID != "gpt-4o-mini" || opts.TenantID != "user_2abcdefghij" {
				t.Errorf("adapter got model %q tenant %q", modelID, opts.TenantID)
			}
			return chunks(
				domain.StreamChunk{Content: "Hel"},
				domain.StreamChunk{Content: "lo"},
				domain.StreamChunk{Finished: true, Tokens: 1},
			), nil
		},
	}
	g := New(Config{Registry: router.New(mock)})

	ch, err := g.StreamCompletion(context.Background(), userMessage, "gpt-4o-mini", domain.StreamOptions{TenantID: "user_2abcdefghij"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	got := collect(t, ch)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if got[0].Content+got[1].Content != "Hello" || !got[2].Finished {
		t.Errorf("chunks = %+v", got)
	}
}

func TestStreamCompletion_UnknownModel(t *testing.T) {
	tests := []struct {
		name    string
		modelID string
	}{
		{"no routing rule", "totally-unknown-model"},
		{"adapter not registered", "claude-3-5-sonnet-20241022"},
	}

	g := New(Config{Registry: router.New(&MockProvider{id: router.OpenAI})})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.StreamCompletion(context.Background(), userMessage, tt.modelID, domain.StreamOptions{})
			if !errors.Is(err, domain.ErrUnknownProvider) {
				t.Errorf("error = %v, want ErrUnknownProvider", err)
			}
		})
	}
}

func TestStreamCompletion_PreflightErrorPassesThrough(t *testing.T) {
	want := &domain.TokenLimitExceededError{ModelID: "gpt-4", Estimated: 9000, Limit: 8192}
	mock := &MockProvider{
		id: router.OpenAI,
		StreamFunc: func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
			return nil, want
		},
	}
	g := New(Config{Registry: router.New(mock)})

	ch, err := g.StreamCompletion(context.Background(), userMessage, "gpt-4", domain.StreamOptions{})
	if ch != nil {
		t.Error("no channel should be returned on pre-flight failure")
	}
	var limit *domain.TokenLimitExceededError
	if !errors.As(err, &limit) || limit != want {
		t.Errorf("error = %v, want the adapter's error unchanged", err)
	}
}

func TestStreamCompletion_ErrorChunkIsTerminal(t *testing.T) {
	mock := &MockProvider{
		id: router.Anthropic,
		StreamFunc: func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
			return chunks(
				domain.StreamChunk{Content: "partial"},
				domain.StreamChunk{Error: "anthropic: overloaded"},
			), nil
		},
	}
	g := New(Config{Registry: router.New(mock)})

	ch, err := g.StreamCompletion(context.Background(), userMessage, "claude-3-5-haiku-20241022", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	got := collect(t, ch)
	if len(got) != 2 || got[1].Error == "" {
		t.Errorf("chunks = %+v", got)
	}
}

func TestStreamCompletion_ConsumerCancels(t *testing.T) {
	src := make(chan domain.StreamChunk)
	mock := &MockProvider{
		id: router.Gemini,
		StreamFunc: func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
			go func() {
				defer close(src)
				for {
					select {
					case src <- domain.StreamChunk{Content: "tok"}:
					case <-ctx.Done():
						return
					}
				}
			}()
			return src, nil
		},
	}
	g := New(Config{Registry: router.New(mock)})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := g.StreamCompletion(ctx, userMessage, "gemini-2.0-flash", domain.StreamOptions{})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	<-ch
	cancel()

	// the relay must close its channel once the adapter stops
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancellation")
		}
	}
}

func TestListAndDefaultModel(t *testing.T) {
	g := New(Config{Registry: router.New(
		&MockProvider{id: router.OpenAI, models: []domain.ModelDescriptor{{ID: "gpt-4"}, {ID: "gpt-4o-mini"}}},
		&MockProvider{id: router.Groq, models: []domain.ModelDescriptor{{ID: "llama-3.3-70b-versatile"}}},
	)})

	if got := g.ListModels(context.Background()); len(got) != 3 {
		t.Errorf("ListModels() = %d models, want 3", len(got))
	}
	m, ok := g.DefaultModel(context.Background())
	if !ok || m.ID != "gpt-4o-mini" {
		t.Errorf("DefaultModel() = %q, %v", m.ID, ok)
	}
}

func TestTestAllProviders_NotifiesOnTransition(t *testing.T) {
	gemini := &MockProvider{id: router.Gemini, Connected: false}
	notifier := notifications.NewInMemoryNotifier()
	g := New(Config{
		Registry: router.New(&MockProvider{id: router.OpenAI, Connected: true}, gemini),
		Notifier: notifier,
	})
	ctx := context.Background()

	statuses := g.TestAllProviders(ctx)
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	g.TestAllProviders(ctx)

	sent := notifier.GetNotifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1 while the provider stays down", len(sent))
	}
	if sent[0].Type != notifications.NotificationProviderDown || sent[0].Data["provider"] != router.Gemini {
		t.Errorf("notification = %+v", sent[0])
	}

	gemini.Connected = true
	g.TestAllProviders(ctx)
	gemini.Connected = false
	g.TestAllProviders(ctx)
	if len(notifier.GetNotifications()) != 2 {
		t.Error("a new outage after recovery should notify again")
	}
}

func TestRequestIDContext(t *testing.T) {
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("empty context should carry no request id")
	}
	ctx := WithRequestID(context.Background(), "req-42")
	if RequestIDFromContext(ctx) != "req-42" {
		t.Error("request id not carried by context")
	}
}

func BenchmarkStreamCompletion(b *testing.B) {
	mock := &MockProvider{
		id: router.OpenAI,
		StreamFunc: func(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
			return chunks(domain.StreamChunk{Content: "x"}, domain.StreamChunk{Finished: true}), nil
		},
	}
	g := New(Config{Registry: router.New(mock)})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ch, _ := g.StreamCompletion(ctx, userMessage, "gpt-4o-mini", domain.StreamOptions{})
		for range ch {
		}
	}
}
