// Package openrouter wires the OpenAI-compatible adapter to OpenRouter, whose
// model list is fetched from the vendor and cached.
package openrouter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/openai"
)

const (
	Name           = "openrouter"
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	defaultMaxOutput = 4096
)

type Config struct {
	BaseURL     string
	Referer     string
	Title       string
	CatalogTTL  time.Duration
	IdleTimeout time.Duration
	Client      *http.Client
	ProbeClient *http.Client
}

func New(creds provider.CredentialResolver, cfg Config) *openai.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	headers := map[string]string{}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.Title != "" {
		headers["X-Title"] = cfg.Title
	}

	return openai.New(creds, openai.Config{
		Name:        Name,
		BaseURL:     cfg.BaseURL,
		KeyPrefix:   "sk-or-",
		Headers:     headers,
		Models:      FallbackModels(),
		Fetch:       FetchModels,
		CatalogTTL:  cfg.CatalogTTL,
		IdleTimeout: cfg.IdleTimeout,
		Client:      cfg.Client,
		ProbeClient: cfg.ProbeClient,
	})
}

// FetchModels reads the public /models listing.
func FetchModels(ctx context.Context, client *http.Client, baseURL, key string) ([]domain.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.StatusError(Name, resp.StatusCode, nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models: %w", err)
	}
	return ParseModels(body), nil
}

// ParseModels converts the listing payload. Prices are quoted per token and
// stored per thousand.
func ParseModels(body []byte) []domain.ModelDescriptor {
	var models []domain.ModelDescriptor
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}

		contextWindow := int(m.Get("context_length").Int())
		if contextWindow <= 0 {
			contextWindow = provider.DefaultContextWindow
		}
		maxOutput := int(m.Get("top_provider.max_completion_tokens").Int())
		if maxOutput == 0 {
			maxOutput = defaultMaxOutput
		}
		if maxOutput >= contextWindow {
			maxOutput = contextWindow / 2
		}

		multimodal := strings.Contains(m.Get("architecture.modality").String(), "image")
		m.Get("architecture.input_modalities").ForEach(func(_, v gjson.Result) bool {
			if v.String() == "image" {
				multimodal = true
				return false
			}
			return true
		})

		files := provider.TextFiles()
		if multimodal {
			files = provider.VisionFiles(20<<20, 10)
		}

		var functionCalling bool
		m.Get("supported_parameters").ForEach(func(_, v gjson.Result) bool {
			if v.String() == "tools" {
				functionCalling = true
				return false
			}
			return true
		})

		models = append(models, domain.ModelDescriptor{
			ID:              id,
			Name:            m.Get("name").String(),
			ContextWindow:   contextWindow,
			MaxOutputTokens: maxOutput,
			Streaming:       true,
			FunctionCalling: functionCalling,
			Multimodal:      multimodal,
			Files:           files,
			Pricing: domain.Pricing{
				InputPer1K:  m.Get("pricing.prompt").Float() * 1000,
				OutputPer1K: m.Get("pricing.completion").Float() * 1000,
			},
		})
		return true
	})
	return models
}

// FallbackModels is served until the first successful listing.
func FallbackModels() []domain.ModelDescriptor {
	text := provider.TextFiles()
	return []domain.ModelDescriptor{
		{
			ID: "openai/gpt-4o-mini", Name: "OpenAI: GPT-4o-mini", ContextWindow: 128000, MaxOutputTokens: 16384,
			Streaming: true, FunctionCalling: true, Multimodal: true, Files: provider.VisionFiles(20<<20, 10),
			Pricing: domain.Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006},
		},
		{
			ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Meta: Llama 3.3 70B Instruct (free)",
			ContextWindow: 131072, MaxOutputTokens: 4096, Streaming: true, Files: text,
		},
		{
			ID: "deepseek/deepseek-chat", Name: "DeepSeek: DeepSeek V3", ContextWindow: 64000, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.00049, OutputPer1K: 0.00089},
		},
	}
}
