package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

type Provider interface {
	ID() string
	Models(ctx context.Context) []domain.ModelDescriptor
	StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error)
	EstimateTokens(text string) int
	TestConnection(ctx context.Context) bool
	TranslateError(err error) string
}

// Refresher is implemented by providers whose catalog is fetched remotely.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// KeyChecker is implemented by providers that accept tenant keys.
type KeyChecker interface {
	ValidateKeyFormat(key string) error
	TestKey(ctx context.Context, key string) error
}

const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Gemini     = "gemini"
	OpenRouter = "openrouter"
	Groq       = "groq"
	Bedrock    = "bedrock"
)

var (
	aggregatorSuffixes = []string{":free", ":beta", ":extended"}
	aggregatorPrefixes = []string{"openrouter", "nousresearch", "cognitivecomputations", "gryphe", "undi95", "sao10k", "neversleep"}
	bedrockPrefixes    = []string{"anthropic.", "amazon.", "meta.", "cohere.", "mistral.", "ai21."}
	openModelFamilies  = []string{"llama", "gemma", "mistral", "mixtral", "qwen", "whisper", "deepseek", "kimi", "compound"}

	// DefaultPreference is tried in order by DefaultModel.
	DefaultPreference = []string{"gpt-4o-mini", "claude-3-5-haiku-20241022", "gemini-2.0-flash", "llama-3.3-70b-versatile"}
)

// Lookup is the result of routing a model id. When OK is false, Name tells
// an unregistered adapter apart from an id no rule matches.
type Lookup struct {
	OK       bool
	Provider Provider
	// Name is the adapter the id routes to, even when it is not registered.
	// Empty means the id matched no routing rule.
	Name string
}

func (l Lookup) Err() error {
	switch {
	case l.OK:
		return nil
	case l.Name == "":
		return fmt.Errorf("%w: no routing rule matches", domain.ErrUnknownProvider)
	default:
		return fmt.Errorf("%w: %s is not configured", domain.ErrUnknownProvider, l.Name)
	}
}

// Match returns the adapter name a model id routes to, or "" when no rule applies.
func Match(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if id == "" {
		return ""
	}

	if strings.Contains(id, "/") {
		return OpenRouter
	}
	for _, s := range aggregatorSuffixes {
		if strings.HasSuffix(id, s) {
			return OpenRouter
		}
	}
	for _, p := range aggregatorPrefixes {
		if strings.HasPrefix(id, p) {
			return OpenRouter
		}
	}

	for _, p := range bedrockPrefixes {
		if strings.HasPrefix(id, p) {
			return Bedrock
		}
	}

	switch {
	case strings.HasPrefix(id, "gpt-"), strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "chatgpt-"):
		return OpenAI
	case strings.HasPrefix(id, "claude-"):
		return Anthropic
	case strings.HasPrefix(id, "gemini-"):
		return Gemini
	}

	for _, family := range openModelFamilies {
		if strings.Contains(id, family) {
			return Groq
		}
	}
	return ""
}

type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func New(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *Router) ProviderFor(modelID string) Lookup {
	name := Match(modelID)
	if name == "" {
		return Lookup{}
	}
	p, ok := r.GetProvider(name)
	if !ok {
		slog.Warn("model routes to an unregistered provider", "model", modelID, "provider", name)
		return Lookup{Name: name}
	}
	return Lookup{OK: true, Provider: p, Name: name}
}

func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) snapshot() []Provider {
	ids := r.ListProviders()
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		p, _ := r.GetProvider(id)
		out = append(out, p)
	}
	return out
}

// AllModels refreshes dynamic catalogs and returns the union of every
// provider's models, keeping the first occurrence of each id.
func (r *Router) AllModels(ctx context.Context) []domain.ModelDescriptor {
	providers := r.snapshot()

	var wg sync.WaitGroup
	for _, p := range providers {
		ref, ok := p.(Refresher)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, ref Refresher) {
			defer wg.Done()
			if err := ref.Refresh(ctx); err != nil {
				slog.Warn("catalog refresh failed", "provider", id, "error", err)
			}
		}(p.ID(), ref)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var out []domain.ModelDescriptor
	for _, p := range providers {
		for _, m := range p.Models(ctx) {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

// DefaultModel picks the first preferred model that is listed and routable,
// falling back to the first routable model.
func (r *Router) DefaultModel(ctx context.Context) (domain.ModelDescriptor, bool) {
	models := r.AllModels(ctx)

	byID := make(map[string]domain.ModelDescriptor, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	for _, id := range DefaultPreference {
		if m, ok := byID[id]; ok && r.ProviderFor(id).OK {
			return m, true
		}
	}
	for _, m := range models {
		if r.ProviderFor(m.ID).OK {
			return m, true
		}
	}
	return domain.ModelDescriptor{}, false
}

// TestAll probes every provider concurrently. A failing or slow provider
// only affects its own entry.
func (r *Router) TestAll(ctx context.Context) []domain.ProviderStatus {
	providers := r.snapshot()
	results := make([]domain.ProviderStatus, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			start := time.Now()
			connected := p.TestConnection(ctx)
			results[i] = domain.ProviderStatus{
				Provider:  p.ID(),
				Connected: connected,
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}(i, p)
	}
	wg.Wait()
	return results
}

// ValidateKeyFormat dispatches to the named provider.
func (r *Router) ValidateKeyFormat(providerID, key string) error {
	kc, err := r.keyChecker(providerID)
	if err != nil {
		return err
	}
	return kc.ValidateKeyFormat(key)
}

// TestKey performs a live vendor check of key.
func (r *Router) TestKey(ctx context.Context, providerID, key string) error {
	kc, err := r.keyChecker(providerID)
	if err != nil {
		return err
	}
	return kc.TestKey(ctx, key)
}

func (r *Router) keyChecker(providerID string) (KeyChecker, error) {
	p, ok := r.GetProvider(providerID)
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	kc, ok := p.(KeyChecker)
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return kc, nil
}
