// Package bedrock serves Claude models through AWS Bedrock using the
// operator's AWS credentials. Tenants cannot bring their own keys here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/anthropic"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/stream"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const (
	Name             = "bedrock"
	anthropicVersion = "bedrock-2023-05-31"
)

// Invoker starts a streaming invocation. The SDK client satisfies it through
// NewInvoker; tests substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, body []byte) (EventStream, error)
}

type Provider struct {
	invoker     Invoker
	credentials aws.CredentialsProvider
	catalog     *provider.Catalog
	idleTimeout time.Duration
}

func New(cfg aws.Config, idleTimeout time.Duration) *Provider {
	return NewWithInvoker(NewInvoker(bedrockruntime.NewFromConfig(cfg)), cfg.Credentials, idleTimeout)
}

func NewWithInvoker(invoker Invoker, credentials aws.CredentialsProvider, idleTimeout time.Duration) *Provider {
	return &Provider{
		invoker:     invoker,
		credentials: credentials,
		catalog:     provider.NewStaticCatalog(Name, DefaultModels()),
		idleTimeout: idleTimeout,
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
	model, ok := p.catalog.Lookup(ctx, modelID)
	if !ok {
		return nil, &domain.ModelNotFoundError{ModelID: modelID, Provider: Name}
	}
	if err := tokens.CheckBudget(messages, model, opts); err != nil {
		return nil, err
	}

	req := anthropic.BuildRequest(messages, model, opts)
	req.AnthropicVersion = anthropicVersion

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out := make(chan domain.StreamChunk)
	go func() {
		events, err := p.invoker.Invoke(ctx, model.ID, body)
		if err != nil {
			if ctx.Err() != nil {
				close(out)
				return
			}
			pe := classify(err)
			slog.Warn("bedrock invocation failed", "model", model.ID, "kind", pe.Kind, "error", err)
			select {
			case out <- domain.StreamChunk{Error: pe.Error()}:
			case <-ctx.Done():
			}
			close(out)
			return
		}

		stream.Pump(ctx, newEventReader(events), stream.NewClaudeDecoder(Name), out, stream.PumpOptions{
			Provider:    Name,
			IdleTimeout: p.idleTimeout,
		})
	}()
	return out, nil
}

// TestConnection reports whether AWS credentials can be obtained.
func (p *Provider) TestConnection(ctx context.Context) bool {
	if p.credentials == nil {
		return false
	}
	_, err := p.credentials.Retrieve(ctx)
	return err == nil
}

func classify(err error) *domain.ProviderError {
	pe := &domain.ProviderError{Provider: Name, Kind: domain.KindGeneric, Message: "request failed", Err: err}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		pe.Kind, pe.Message = domain.KindUnavailable, "unable to reach provider"
		return pe
	}

	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException":
		pe.Kind, pe.Message = domain.KindAuth, "invalid or unauthorized API key"
	case "ThrottlingException":
		pe.Kind, pe.Message = domain.KindRateLimit, "rate limit exceeded, try again later"
	case "ServiceQuotaExceededException":
		pe.Kind, pe.Message = domain.KindQuota, "quota exceeded"
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException", "ModelTimeoutException":
		pe.Kind, pe.Message = domain.KindUnavailable, "service temporarily unavailable"
	}
	return pe
}

func DefaultModels() []domain.ModelDescriptor {
	models := anthropic.DefaultModels()
	ids := map[string]string{
		"claude-3-5-sonnet-20241022": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku-20241022":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus-20240229":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-haiku-20240307":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	out := make([]domain.ModelDescriptor, 0, len(models))
	for _, m := range models {
		id, ok := ids[m.ID]
		if !ok {
			continue
		}
		m.ID = id
		m.Name += " (Bedrock)"
		out = append(out, m)
	}
	return out
}
