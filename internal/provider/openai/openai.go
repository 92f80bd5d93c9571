// Package openai implements the OpenAI chat completions adapter. The same
// adapter serves other vendors that speak the OpenAI wire format.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/httputil"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/stream"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const (
	Name           = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Fetcher lists models from a vendor endpoint. key may be empty when the
// listing is public.
type Fetcher func(ctx context.Context, client *http.Client, baseURL, key string) ([]domain.ModelDescriptor, error)

type Config struct {
	Name      string
	BaseURL   string
	KeyPrefix string
	Headers   map[string]string

	// Models is the static catalog, or the fallback when Fetch is set.
	Models     []domain.ModelDescriptor
	Fetch      Fetcher
	CatalogTTL time.Duration

	IdleTimeout time.Duration
	Client      *http.Client
	ProbeClient *http.Client
}

type Provider struct {
	name        string
	baseURL     string
	keyPrefix   string
	headers     map[string]string
	creds       provider.CredentialResolver
	catalog     *provider.Catalog
	client      *http.Client
	probe       *http.Client
	idleTimeout time.Duration
}

func New(creds provider.CredentialResolver, cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sk-"
	}
	if cfg.Models == nil && cfg.Fetch == nil {
		cfg.Models = DefaultModels()
	}
	if cfg.Client == nil {
		cfg.Client = httputil.StreamingClient()
	}
	if cfg.ProbeClient == nil {
		cfg.ProbeClient = httputil.ProbeClient()
	}

	p := &Provider{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		keyPrefix:   cfg.KeyPrefix,
		headers:     cfg.Headers,
		creds:       creds,
		client:      cfg.Client,
		probe:       cfg.ProbeClient,
		idleTimeout: cfg.IdleTimeout,
	}

	if cfg.Fetch != nil {
		fetch := cfg.Fetch
		p.catalog = provider.NewDynamicCatalog(p.name, cfg.CatalogTTL, cfg.Models, func(ctx context.Context) ([]domain.ModelDescriptor, error) {
			cred, _ := provider.OperatorCredential(ctx, p.creds, p.name)
			return fetch(ctx, p.probe, p.baseURL, cred.Key)
		})
	} else {
		p.catalog = provider.NewStaticCatalog(p.name, cfg.Models)
	}
	return p
}

func (p *Provider) ID() string {
	return p.name
}

func (p *Provider) Models(ctx context.Context) []domain.ModelDescriptor {
	return p.catalog.Models(ctx)
}

func (p *Provider) Refresh(ctx context.Context) error {
	return p.catalog.Refresh(ctx)
}

func (p *Provider) EstimateTokens(text string) int {
	return tokens.Estimate(text)
}

func (p *Provider) TranslateError(err error) string {
	return provider.TranslateError(err)
}

func (p *Provider) StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
	model, cred, err := provider.Preflight(ctx, p.name, p.catalog, p.creds, messages, modelID, opts)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(messages, model, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq, cred.Key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	return provider.Stream(ctx, provider.StreamRequest{
		Provider:    p.name,
		Client:      p.client,
		Request:     httpReq,
		Decoder:     stream.NewOpenAIDecoder(p.name),
		IdleTimeout: p.idleTimeout,
	}), nil
}

func (p *Provider) setHeaders(req *http.Request, key string) {
	req.Header.Set("Authorization", "Bearer "+key)
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

func (p *Provider) ValidateKeyFormat(key string) error {
	if len(key) < 20 || !strings.HasPrefix(key, p.keyPrefix) || strings.ContainsAny(key, " \t\r\n") {
		return domain.ErrInvalidKeyFormat
	}
	return nil
}

// TestKey performs a cheap authenticated listing call with key.
func (p *Provider) TestKey(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(req, key)

	resp, err := p.probe.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: p.name, Kind: domain.KindUnavailable, Message: "unable to reach provider", Err: err}
	}
	return provider.CheckKeyResponse(p.name, resp)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	cred, ok := provider.OperatorCredential(ctx, p.creds, p.name)
	if !ok {
		return false
	}
	return p.TestKey(ctx, cred.Key) == nil
}

// chatRequest shadows Temperature so an explicit zero is still sent;
// the go-openai field drops it via omitempty.
type chatRequest struct {
	goopenai.ChatCompletionRequest
	Temperature *float32 `json:"temperature,omitempty"`
}

func buildRequest(messages []domain.ChatMessage, model domain.ModelDescriptor, opts domain.StreamOptions) chatRequest {
	req := chatRequest{ChatCompletionRequest: goopenai.ChatCompletionRequest{
		Model:    model.ID,
		Messages: toMessages(messages, model.Multimodal),
		Stream:   true,
	}}
	if opts.Temperature != nil {
		t := float32(*opts.Temperature)
		req.Temperature = &t
	}
	if opts.MaxTokens != nil {
		if isReasoningModel(model.ID) {
			req.MaxCompletionTokens = *opts.MaxTokens
		} else {
			req.MaxTokens = *opts.MaxTokens
		}
	}
	return req
}

func isReasoningModel(id string) bool {
	return strings.HasPrefix(id, "o1") || strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "o4")
}

func toMessages(messages []domain.ChatMessage, multimodal bool) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{Role: string(m.Role)}

		if multimodal && m.Role == domain.RoleUser && m.HasImages() {
			msg.MultiContent = toParts(m.Parts)
		}
		if len(msg.MultiContent) == 0 {
			msg.Content = m.Text()
		}
		out = append(out, msg)
	}
	return out
}

func toParts(parts []domain.ContentPart) []goopenai.ChatMessagePart {
	out := make([]goopenai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		var url string
		switch part.Type {
		case domain.PartText:
			if part.Text != "" {
				out = append(out, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: part.Text})
			}
			continue
		case domain.PartImageURL:
			url = part.ImageURL
		case domain.PartImageData:
			url = provider.DataURL(part.MediaType, part.Data)
		case domain.PartImageSource:
			if part.Source == nil {
				continue
			}
			if part.Source.Type == "url" {
				url = part.Source.URL
			} else {
				url = provider.DataURL(part.Source.MediaType, part.Source.Data)
			}
		}
		if url == "" {
			continue
		}
		out = append(out, goopenai.ChatMessagePart{
			Type:     goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
		})
	}
	return out
}
