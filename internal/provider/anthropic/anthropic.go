package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/httputil"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/stream"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const (
	Name             = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
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

	req := BuildRequest(messages, model, opts)
	req.Model = model.ID
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", cred.Key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return provider.Stream(ctx, provider.StreamRequest{
		Provider:    Name,
		Client:      p.client,
		Request:     httpReq,
		Decoder:     stream.NewClaudeDecoder(Name),
		IdleTimeout: p.idleTimeout,
	}), nil
}

func (p *Provider) ValidateKeyFormat(key string) error {
	if len(key) < 40 || !strings.HasPrefix(key, "sk-ant-") || strings.ContainsAny(key, " \t\r\n") {
		return domain.ErrInvalidKeyFormat
	}
	return nil
}

func (p *Provider) TestKey(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models?limit=1", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.probe.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: Name, Kind: domain.KindUnavailable, Message: "unable to reach provider", Err: err}
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
