// Package groq wires the OpenAI-compatible adapter to Groq's fast inference
// endpoint for open-weight models.
package groq

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
	Name           = "groq"
	DefaultBaseURL = "https://api.groq.com/openai/v1"
)

// speech and moderation models share the listing but cannot chat
var nonChatMarkers = []string{"whisper", "tts", "guard"}

type Config struct {
	BaseURL     string
	CatalogTTL  time.Duration
	IdleTimeout time.Duration
	Client      *http.Client
	ProbeClient *http.Client
}

func New(creds provider.CredentialResolver, cfg Config) *openai.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return openai.New(creds, openai.Config{
		Name:        Name,
		BaseURL:     cfg.BaseURL,
		KeyPrefix:   "gsk_",
		Models:      FallbackModels(),
		Fetch:       FetchModels,
		CatalogTTL:  cfg.CatalogTTL,
		IdleTimeout: cfg.IdleTimeout,
		Client:      cfg.Client,
		ProbeClient: cfg.ProbeClient,
	})
}

// FetchModels needs an operator key; without one the fallback list stays.
func FetchModels(ctx context.Context, client *http.Client, baseURL, key string) ([]domain.ModelDescriptor, error) {
	if key == "" {
		return nil, domain.ErrMissingCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

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

func ParseModels(body []byte) []domain.ModelDescriptor {
	var models []domain.ModelDescriptor
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		// namespaced ids route to openrouter, so they are unreachable here
		if id == "" || strings.Contains(id, "/") || !isChatModel(id) {
			return true
		}
		if active := m.Get("active"); active.Exists() && !active.Bool() {
			return true
		}

		contextWindow := int(m.Get("context_window").Int())
		if contextWindow <= 0 {
			contextWindow = provider.DefaultContextWindow
		}
		maxOutput := int(m.Get("max_completion_tokens").Int())
		if maxOutput == 0 || maxOutput >= contextWindow {
			maxOutput = min(8192, contextWindow/2)
		}

		multimodal := strings.Contains(id, "vision")
		files := provider.TextFiles()
		if multimodal {
			files = provider.VisionFiles(4<<20, 5)
		}

		models = append(models, domain.ModelDescriptor{
			ID:              id,
			Name:            id,
			ContextWindow:   contextWindow,
			MaxOutputTokens: maxOutput,
			Streaming:       true,
			FunctionCalling: true,
			Multimodal:      multimodal,
			Files:           files,
		})
		return true
	})
	return models
}

func isChatModel(id string) bool {
	for _, marker := range nonChatMarkers {
		if strings.Contains(id, marker) {
			return false
		}
	}
	return true
}

func FallbackModels() []domain.ModelDescriptor {
	text := provider.TextFiles()
	return []domain.ModelDescriptor{
		{
			ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B", ContextWindow: 131072, MaxOutputTokens: 32768,
			Streaming: true, FunctionCalling: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.00059, OutputPer1K: 0.00079},
		},
		{
			ID: "llama-3.1-8b-instant", Name: "Llama 3.1 8B", ContextWindow: 131072, MaxOutputTokens: 8192,
			Streaming: true, FunctionCalling: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.00005, OutputPer1K: 0.00008},
		},
		{
			ID: "gemma2-9b-it", Name: "Gemma 2 9B", ContextWindow: 8192, MaxOutputTokens: 4096,
			Streaming: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.0002, OutputPer1K: 0.0002},
		},
		{
			ID: "deepseek-r1-distill-llama-70b", Name: "DeepSeek R1 Distill Llama 70B", ContextWindow: 131072, MaxOutputTokens: 16384,
			Streaming: true, Files: text,
			Pricing: domain.Pricing{InputPer1K: 0.00075, OutputPer1K: 0.00099},
		},
	}
}
