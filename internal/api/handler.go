package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/auth"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/gateway"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/vault"
)

const maxBodyBytes = 4 << 20

// Completions is the streaming surface, implemented by gateway.Gateway.
type Completions interface {
	StreamCompletion(ctx context.Context, messages []domain.ChatMessage, modelID string, opts domain.StreamOptions) (<-chan domain.StreamChunk, error)
	ListModels(ctx context.Context) []domain.ModelDescriptor
	DefaultModel(ctx context.Context) (domain.ModelDescriptor, bool)
	TestAllProviders(ctx context.Context) []domain.ProviderStatus
}

// Credentials is the tenant key management surface, implemented by vault.Vault.
type Credentials interface {
	StoreCredential(ctx context.Context, tenantID, provider, key string) (domain.CredentialSummary, error)
	TestCredential(ctx context.Context, tenantID, provider, key string) error
	RemoveCredential(ctx context.Context, tenantID, provider string) error
	ListCredentials(ctx context.Context, tenantID string) ([]domain.CredentialSummary, error)
	ValidateAll(ctx context.Context, tenantID string) ([]vault.ValidationResult, error)
	ExportCredentials(ctx context.Context, tenantID string) ([]vault.ExportedCredential, error)
}

type HandlerConfig struct {
	Gateway     Completions
	Credentials Credentials
	// ProxySecret, when set, must accompany every tenant header.
	ProxySecret  string
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	Version      string
}

type Handler struct {
	gateway     Completions
	credentials Credentials
	tenants     *auth.TenantMiddleware
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 5 * time.Second
	}

	h := &Handler{
		gateway:     cfg.Gateway,
		credentials: cfg.Credentials,
		tenants:     auth.NewTenantMiddleware(cfg.ProxySecret),
		mux:         http.NewServeMux(),
	}

	h.mux.Handle("POST /v1/chat/stream", h.tenants.Identify(http.HandlerFunc(h.handleChatStream)))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/models/default", h.handleDefaultModel)
	h.mux.HandleFunc("GET /v1/providers/health", h.handleProviderHealth)

	h.mux.Handle("GET /v1/credentials", h.tenants.RequireTenant(http.HandlerFunc(h.handleListCredentials)))
	h.mux.Handle("PUT /v1/credentials/{provider}", h.tenants.RequireTenant(http.HandlerFunc(h.handleStoreCredential)))
	h.mux.Handle("DELETE /v1/credentials/{provider}", h.tenants.RequireTenant(http.HandlerFunc(h.handleRemoveCredential)))
	h.mux.Handle("POST /v1/credentials/{provider}/test", h.tenants.RequireTenant(http.HandlerFunc(h.handleTestCredential)))
	h.mux.Handle("POST /v1/credentials/validate", h.tenants.RequireTenant(http.HandlerFunc(h.handleValidateCredentials)))
	h.mux.Handle("GET /v1/credentials/export", h.tenants.RequireTenant(http.HandlerFunc(h.handleExportCredentials)))

	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, readyTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type chatStreamRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := gateway.WithRequestID(r.Context(), requestID)
	tenantID, _ := auth.TenantFromContext(ctx)

	var req chatStreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	if req.Model == "" {
		m, ok := h.gateway.DefaultModel(ctx)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no model available")
			return
		}
		req.Model = m.ID
	}

	opts := domain.StreamOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TenantID:    tenantID,
	}

	chunks, err := h.gateway.StreamCompletion(ctx, req.Messages, req.Model, opts)
	if err != nil {
		slog.Warn("stream not started", "request_id", requestID, "tenant_id", tenantID, "model", req.Model, "error", err)
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Model", req.Model)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		data, _ := json.Marshal(chunk)
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			// client went away; the gateway stops once ctx is cancelled
			slog.Debug("stream write failed", "request_id", requestID, "error", err)
			continue
		}
		if chunk.Terminal() {
			w.Write([]byte("data: [DONE]\n\n"))
		}
		flusher.Flush()
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.gateway.ListModels(r.Context())
	if models == nil {
		models = []domain.ModelDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) handleDefaultModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.gateway.DefaultModel(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, "no model available")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	statuses := h.gateway.TestAllProviders(r.Context())

	status := "healthy"
	for _, s := range statuses {
		if !s.Connected {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": statuses,
	})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	list, err := h.credentials.ListCredentials(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.CredentialSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	var req keyRequest
	if err := decodeBody(w, r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	summary, err := h.credentials.StoreCredential(r.Context(), tenantID, r.PathValue("provider"), req.Key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	if err := h.credentials.RemoveCredential(r.Context(), tenantID, r.PathValue("provider")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	var req keyRequest
	if err := decodeBody(w, r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.credentials.TestCredential(r.Context(), tenantID, r.PathValue("provider"), req.Key); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handler) handleValidateCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	results, err := h.credentials.ValidateAll(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []vault.ValidationResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

func (h *Handler) handleExportCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantFromContext(r.Context())

	exported, err := h.credentials.ExportCredentials(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if exported == nil {
		exported = []vault.ExportedCredential{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"data": exported})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// statusFor maps gateway and vault errors to HTTP status codes.
func statusFor(err error) int {
	var (
		pe       *domain.ProviderError
		notFound *domain.ModelNotFoundError
		limit    *domain.TokenLimitExceededError
		limited  *domain.RateLimitedError
	)

	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrKeyTestFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		if pe.Kind == domain.KindRateLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.As(err, &notFound), errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.As(err, &limit), errors.Is(err, domain.ErrInvalidKeyFormat), errors.Is(err, domain.ErrInvalidTenant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	var limited *domain.RateLimitedError
	if errors.As(err, &limited) && !limited.ResetAt.IsZero() {
		retry := math.Ceil(time.Until(limited.ResetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, provider.TranslateError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
