// Package provider holds the pieces shared by every vendor adapter: the
// credential hand-off, pre-flight checks, model catalogs, HTTP status
// classification and the streaming request loop.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/auth"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/stream"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/tokens"
)

const maxErrorBody = 64 << 10

// CredentialResolver returns the key to use for provider on behalf of
// tenantID. The bool is false when neither a tenant key nor an operator key
// is available.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider, tenantID string) (domain.Credential, bool)
}

// StaticResolver serves fixed operator keys. Useful for tests and for
// deployments without a vault.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, provider, tenantID string) (domain.Credential, bool) {
	key, ok := s[provider]
	if !ok || key == "" {
		return domain.Credential{}, false
	}
	return domain.Credential{Provider: provider, Key: key, TenantID: tenantID}, true
}

// OperatorCredential resolves the operator key for provider even when ctx
// carries a tenant. Process-wide calls such as catalog listings and
// connection tests use it.
func OperatorCredential(ctx context.Context, creds CredentialResolver, name string) (domain.Credential, bool) {
	return creds.Resolve(auth.WithoutTenant(ctx), name, "")
}

// Preflight runs the local checks that must pass before any network call:
// model lookup, credential resolution and the token budget.
func Preflight(ctx context.Context, name string, catalog *Catalog, creds CredentialResolver, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (domain.ModelDescriptor, domain.Credential, error) {
	model, ok := catalog.Lookup(ctx, modelID)
	if !ok {
		return domain.ModelDescriptor{}, domain.Credential{}, &domain.ModelNotFoundError{ModelID: modelID, Provider: name}
	}

	cred, ok := creds.Resolve(ctx, name, opts.TenantID)
	if !ok {
		return model, domain.Credential{}, MissingCredential(name)
	}

	if err := tokens.CheckBudget(messages, model, opts); err != nil {
		return model, cred, err
	}
	return model, cred, nil
}

func MissingCredential(name string) *domain.ProviderError {
	return &domain.ProviderError{
		Provider: name,
		Kind:     domain.KindAuth,
		Message:  "missing credential",
		Err:      domain.ErrMissingCredential,
	}
}

// StatusError classifies a non-2xx vendor response. The body is inspected
// only to tell quota exhaustion apart from rate limiting; it is never copied
// into the message.
func StatusError(name string, status int, body []byte) *domain.ProviderError {
	pe := &domain.ProviderError{Provider: name, StatusCode: status}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		pe.Kind, pe.Message = domain.KindAuth, "invalid or unauthorized API key"
	case http.StatusTooManyRequests:
		if isQuotaBody(body) {
			pe.Kind, pe.Message = domain.KindQuota, "quota exceeded"
		} else {
			pe.Kind, pe.Message = domain.KindRateLimit, "rate limit exceeded, try again later"
		}
	case http.StatusPaymentRequired:
		pe.Kind, pe.Message = domain.KindQuota, "quota exceeded"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, 529:
		pe.Kind, pe.Message = domain.KindUnavailable, "service temporarily unavailable"
	default:
		pe.Kind, pe.Message = domain.KindGeneric, "request failed"
	}
	return pe
}

func isQuotaBody(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	for _, path := range []string{"error.type", "error.code", "error.status"} {
		switch gjson.GetBytes(body, path).String() {
		case "insufficient_quota", "quota_exceeded":
			return true
		}
	}
	return false
}

// TranslateError maps any gateway error to a short message safe for end users.
func TranslateError(err error) string {
	if err == nil {
		return ""
	}

	var (
		pe       *domain.ProviderError
		notFound *domain.ModelNotFoundError
		limit    *domain.TokenLimitExceededError
		decrypt  *domain.DecryptionError
		limited  *domain.RateLimitedError
		policy   *domain.ContentPolicyError
	)

	switch {
	case errors.Is(err, domain.ErrMissingCredential):
		return "No API key configured for this provider. Add one in settings."
	case errors.As(err, &pe):
		switch pe.Kind {
		case domain.KindAuth:
			return "The API key was rejected by the provider. Check your key."
		case domain.KindRateLimit:
			return "The provider is rate limiting requests. Try again shortly."
		case domain.KindQuota:
			return "The provider account has run out of quota."
		case domain.KindUnavailable:
			return "The provider is temporarily unavailable. Try again later."
		default:
			return "The provider could not complete the request."
		}
	case errors.As(err, &notFound), errors.Is(err, domain.ErrUnknownProvider):
		return "The selected model is not available."
	case errors.Is(err, domain.ErrKeyTestFailed):
		return "The API key was rejected by the provider. Check your key."
	case errors.Is(err, domain.ErrCredentialNotFound):
		return "No stored API key for this provider."
	case errors.Is(err, domain.ErrInvalidTenant):
		return "Invalid tenant."
	case errors.As(err, &limit):
		return "The conversation is too long for this model."
	case errors.As(err, &decrypt), errors.Is(err, domain.ErrInvalidKeyFormat):
		return "Invalid credential."
	case errors.As(err, &limited):
		return "Too many attempts. Try again later."
	case errors.As(err, &policy):
		return "The response was blocked by the provider's content policy."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled."
	default:
		return "An unexpected error occurred."
	}
}

// StreamRequest describes one streaming call to a vendor.
type StreamRequest struct {
	Provider    string
	Client      *http.Client
	Request     *http.Request
	Decoder     stream.Decoder
	IdleTimeout time.Duration
}

// Stream performs req in its own goroutine and returns the decoded chunks.
// Transport and status failures are reported as a single error chunk.
func Stream(ctx context.Context, req StreamRequest) <-chan domain.StreamChunk {
	out := make(chan domain.StreamChunk)

	go func() {
		resp, err := req.Client.Do(req.Request)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("provider request failed", "provider", req.Provider, "error", err)
				sendError(ctx, out, fmt.Sprintf("%s: unable to reach provider", req.Provider))
			}
			close(out)
			return
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()

			pe := StatusError(req.Provider, resp.StatusCode, body)
			slog.Warn("provider returned error status",
				"provider", req.Provider,
				"status", resp.StatusCode,
				"kind", pe.Kind,
			)
			sendError(ctx, out, pe.Error())
			close(out)
			return
		}

		stream.Pump(ctx, resp.Body, req.Decoder, out, stream.PumpOptions{
			Provider:    req.Provider,
			IdleTimeout: req.IdleTimeout,
		})
	}()

	return out
}

func sendError(ctx context.Context, out chan<- domain.StreamChunk, msg string) {
	select {
	case out <- domain.StreamChunk{Error: msg}:
	case <-ctx.Done():
	}
}

// CheckKeyResponse interprets the response of a key test request.
func CheckKeyResponse(name string, resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	pe := StatusError(name, resp.StatusCode, body)
	if pe.Kind == domain.KindAuth {
		return fmt.Errorf("%w: %w", domain.ErrKeyTestFailed, pe)
	}
	return pe
}
