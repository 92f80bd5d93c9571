// Package gemini implements the Google Gemini adapter. The streaming endpoint
// is used without alt=sse, so the body is one JSON array written piecewise.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/httputil"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/stream"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const (
	Name           = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

type Config struct {
	BaseURL     string
	IdleTimeout time.Duration
	Client      *http.Client
	ProbeClient *http.Client
}

type Provider struct {
	baseURL     string
	creds       provider.CredentialResolver
	catalog     *provider.Catalog
	client      *http.Client
	probe       *http.Client
	idleTimeout time.Duration
}

func New(creds provider.CredentialResolver, cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = httputil.StreamingClient()
	}
	if cfg.ProbeClient == nil {
		cfg.ProbeClient = httputil.ProbeClient()
	}
	return &Provider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		creds:       creds,
		catalog:     provider.NewStaticCatalog(Name, DefaultModels()),
		client:      cfg.Client,
		probe:       cfg.ProbeClient,
		idleTimeout: cfg.IdleTimeout,
	}
}

func (p *Provider) ID() string {
	return Name
}

func (p *Provider) Models(ctx context.Context) []domain.ModelDescriptor {
	return p.catalog.Models(ctx)
}

func (p *Provider) EstimateTokens(text string) int {
	return tokens.Estimate(text)
}

func (p *Provider) TranslateError(err error) string {
	return provider.TranslateError(err)
}

func (p *Provider) StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
	model, cred, err := provider.Preflight(ctx, Name, p.catalog, p.creds, messages, modelID, opts)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(messages, model, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s",
		p.baseURL, url.PathEscape(model.ID), url.QueryEscape(cred.Key))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return provider.Stream(ctx, provider.StreamRequest{
		Provider:    Name,
		Client:      p.client,
		Request:     httpReq,
		Decoder:     stream.NewGeminiDecoder(Name),
		IdleTimeout: p.idleTimeout,
	}), nil
}

func (p *Provider) ValidateKeyFormat(key string) error {
	if len(key) != 39 || !strings.HasPrefix(key, "AIza") {
		return domain.ErrInvalidKeyFormat
	}
	return nil
}

func (p *Provider) TestKey(ctx context.Context, key string) error {
	endpoint := fmt.Sprintf("%s/models?pageSize=1&key=%s", p.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.probe.Do(req)
	if err != nil {
		// the url carries the key, so the transport error is not wrapped
		return &domain.ProviderError{Provider: Name, Kind: domain.KindUnavailable, Message: "unable to reach provider"}
	}

	// Gemini reports a bad key as 400 API_KEY_INVALID
	if resp.StatusCode == http.StatusBadRequest {
		resp.Body.Close()
		return fmt.Errorf("%w: %w", domain.ErrKeyTestFailed, provider.StatusError(Name, http.StatusUnauthorized, nil))
	}
	return provider.CheckKeyResponse(Name, resp)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	cred, ok := provider.OperatorCredential(ctx, p.creds, Name)
	if !ok {
		return false
	}
	return p.TestKey(ctx, cred.Key) == nil
}

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// buildRequest maps assistant turns to the "model" role and keeps only inline
// images; URL images cannot be fetched by the API and are dropped.
func buildRequest(messages []domain.ChatMessage, model domain.ModelDescriptor, opts domain.StreamOptions) request {
	system, rest := provider.SystemPrompt(messages)

	req := request{
		Contents: make([]content, 0, len(rest)),
		GenerationConfig: &generationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: tokens.Reserved(opts, model),
		},
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	for _, m := range rest {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		parts := toParts(m, model.Multimodal && m.Role == domain.RoleUser)
		if len(parts) == 0 {
			continue
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: parts})
	}
	return req
}

func toParts(m domain.ChatMessage, images bool) []part {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []part{{Text: m.Content}}
	}

	out := make([]part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch {
		case p.Type == domain.PartText:
			if p.Text != "" {
				out = append(out, part{Text: p.Text})
			}
		case !images:
		case p.Type == domain.PartImageData && p.Data != "":
			out = append(out, part{InlineData: &inlineData{MimeType: p.MediaType, Data: p.Data}})
		case p.Type == domain.PartImageSource && p.Source != nil && p.Source.Type == "base64":
			out = append(out, part{InlineData: &inlineData{MimeType: p.Source.MediaType, Data: p.Source.Data}})
		}
	}
	return out
}
