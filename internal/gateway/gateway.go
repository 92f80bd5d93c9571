// Package gateway is the single entry point for streaming completions. It
// routes a model id to its adapter and observes the resulting stream.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/metrics"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/notifications"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/router"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/telemetry"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

// Registry is the part of router.Router the gateway depends on.
type Registry interface {
	ProviderFor(modelID string) router.Lookup
	AllModels(ctx context.Context) []domain.ModelDescriptor
	DefaultModel(ctx context.Context) (domain.ModelDescriptor, bool)
	TestAll(ctx context.Context) []domain.ProviderStatus
}

type Config struct {
	Registry Registry
	// Notifier receives provider_down notifications. Optional.
	Notifier notifications.Notifier
}

type Gateway struct {
	registry Registry
	notifier notifications.Notifier
	now      func() time.Time

	mu   sync.Mutex
	down map[string]bool
}

func New(cfg Config) *Gateway {
	return &Gateway{
		registry: cfg.Registry,
		notifier: cfg.Notifier,
		now:      time.Now,
		down:     make(map[string]bool),
	}
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// StreamCompletion routes modelID and delegates to the adapter. Pre-flight
// failures are returned directly; everything after that arrives on the
// channel, which always ends with exactly one terminal chunk unless ctx is
// cancelled first.
func (g *Gateway) StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error) {
	lookup := g.registry.ProviderFor(modelID)
	if !lookup.OK {
		metrics.RecordProviderError("unknown", "unknown_provider")
		slog.Warn("no provider for model", "model", modelID, "routed_to", lookup.Name)
		return nil, lookup.Err()
	}
	p := lookup.Provider
	name := p.ID()

	ctx, span := telemetry.StartSpan(ctx, "gateway.stream",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	telemetry.AddStreamAttributes(span, name, modelID, RequestIDFromContext(ctx))

	start := g.now()
	src, err := p.StreamCompletion(ctx, messages, modelID, opts)
	if err != nil {
		metrics.RecordProviderError(name, errorType(err))
		metrics.RecordStream(name, modelID, "rejected", g.now().Sub(start).Seconds())
		telemetry.AddErrorAttribute(span, err)
		span.End()
		slog.Warn("stream rejected",
			"provider", name,
			"model", modelID,
			"tenant_id", opts.TenantID,
			"request_id", RequestIDFromContext(ctx),
			"trace_id", telemetry.GetTraceID(ctx),
			"error", err,
		)
		return nil, err
	}

	obs := &observer{
		provider: name,
		model:    modelID,
		pricing:  pricingFor(ctx, p, modelID),
		input:    tokens.EstimateMessages(messages),
		start:    start,
		now:      g.now,
		span:     span,
	}

	out := make(chan domain.StreamChunk)
	go obs.relay(ctx, src, out)
	return out, nil
}

func pricingFor(ctx context.Context, p router.Provider, modelID string) domain.Pricing {
	for _, m := range p.Models(ctx) {
		if m.ID == modelID {
			return m.Pricing
		}
	}
	return domain.Pricing{}
}

// observer forwards chunks unchanged while recording stream metrics and
// closing the span when the stream ends.
type observer struct {
	provider string
	model    string
	pricing  domain.Pricing
	input    int
	start    time.Time
	now      func() time.Time
	span     trace.Span

	chunks     int
	firstChunk time.Duration
	status     string
	output     int
}

func (o *observer) relay(ctx context.Context, src <-chan domain.StreamChunk, out chan<- domain.StreamChunk) {
	defer close(out)
	metrics.IncrementActiveStreams(o.provider)
	defer metrics.DecrementActiveStreams(o.provider)
	defer o.finish(ctx)

	o.status = "incomplete"
	for chunk := range src {
		o.observe(chunk)

		select {
		case out <- chunk:
		case <-ctx.Done():
			o.status = "cancelled"
			// the adapter stops on cancellation and closes src
			for range src {
			}
			return
		}
	}
	if ctx.Err() != nil && o.status == "incomplete" {
		o.status = "cancelled"
	}
}

func (o *observer) observe(chunk domain.StreamChunk) {
	o.chunks++
	if o.chunks == 1 {
		o.firstChunk = o.now().Sub(o.start)
		metrics.RecordFirstChunk(o.provider, o.firstChunk.Seconds())
	}

	switch {
	case chunk.Error != "":
		o.status = "error"
		metrics.RecordProviderError(o.provider, "stream")
	case chunk.Finished:
		o.status = "success"
		o.output = chunk.Tokens
	}
}

func (o *observer) finish(ctx context.Context) {
	duration := o.now().Sub(o.start)
	metrics.RecordStream(o.provider, o.model, o.status, duration.Seconds())

	if o.status == "success" {
		metrics.RecordTokens(o.provider, o.model, o.input, o.output)
		if cost := o.pricing.Cost(o.input, o.output); cost > 0 {
			metrics.RecordCost(o.provider, o.model, cost)
		}
	}

	telemetry.AddTokenAttributes(o.span, o.input, o.output)
	telemetry.AddStreamOutcome(o.span, o.status, o.chunks, o.firstChunk)
	o.span.End()

	slog.Info("stream completed",
		"provider", o.provider,
		"model", o.model,
		"status", o.status,
		"chunks", o.chunks,
		"output_tokens", o.output,
		"duration_ms", duration.Milliseconds(),
		"request_id", RequestIDFromContext(ctx),
		"trace_id", telemetry.GetTraceID(ctx),
	)
}

func errorType(err error) string {
	var (
		pe       *domain.ProviderError
		notFound *domain.ModelNotFoundError
		limit    *domain.TokenLimitExceededError
	)
	switch {
	case errors.As(err, &pe):
		if errors.Is(err, domain.ErrMissingCredential) {
			return "missing_credential"
		}
		return string(pe.Kind)
	case errors.As(err, &notFound):
		return "model_not_found"
	case errors.As(err, &limit):
		return "token_limit"
	default:
		return "generic"
	}
}

// ListModels returns every routable model, refreshing dynamic catalogs.
func (g *Gateway) ListModels(ctx context.Context) []domain.ModelDescriptor {
	return g.registry.AllModels(ctx)
}

func (g *Gateway) DefaultModel(ctx context.Context) (domain.ModelDescriptor, bool) {
	return g.registry.DefaultModel(ctx)
}

// TestAllProviders probes every adapter, updates the provider_up gauge and
// notifies once when a provider goes down.
func (g *Gateway) TestAllProviders(ctx context.Context) []domain.ProviderStatus {
	statuses := g.registry.TestAll(ctx)

	for _, s := range statuses {
		metrics.SetProviderUp(s.Provider, s.Connected)

		g.mu.Lock()
		wasDown := g.down[s.Provider]
		g.down[s.Provider] = !s.Connected
		g.mu.Unlock()

		if s.Connected || wasDown {
			continue
		}
		slog.Warn("provider unreachable", "provider", s.Provider, "latency_ms", s.LatencyMs)
		if g.notifier == nil {
			continue
		}
		err := g.notifier.Send(ctx, notifications.Notification{
			Type:      notifications.NotificationProviderDown,
			Message:   s.Provider + " is not reachable",
			Data:      map[string]string{"provider": s.Provider},
			Timestamp: g.now().UTC(),
		})
		if err != nil {
			slog.Error("failed to send notification", "provider", s.Provider, "error", err)
		}
	}
	return statuses
}

// StartHealthChecks runs TestAllProviders every interval until ctx is done.
func (g *Gateway) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.TestAllProviders(ctx)
			}
		}
	}()
}
