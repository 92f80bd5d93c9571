//go:build integration

package api_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/api"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/audit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/auth"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/crypto"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/gateway"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/provider/openai"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/ratelimit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/repository"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/router"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/secrets"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/vault"
)

const (
	tenantID    = "user_2integration"
	tenantKey   = "sk-tenant-integration-key-0001"
	operatorKey = "sk-operator-integration-key-01"
)

// fakeOpenAI accepts the two known keys and streams back which one was used.
type fakeOpenAI struct {
	mu       sync.Mutex
	usedKeys []string
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if key != tenantKey && key != operatorKey {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
		return
	}

	switch r.URL.Path {
	case "/models":
		w.Write([]byte(`{"data":[]}`))
	case "/chat/completions":
		f.mu.Lock()
		f.usedKeys = append(f.usedKeys, key)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeOpenAI) lastKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.usedKeys) == 0 {
		return ""
	}
	return f.usedKeys[len(f.usedKeys)-1]
}

func setupTestHandler(t *testing.T) (*api.Handler, *fakeOpenAI, *audit.InMemoryPublisher) {
	t.Helper()

	vendor := &fakeOpenAI{}
	server := httptest.NewServer(vendor)
	t.Cleanup(server.Close)

	enc, err := crypto.NewEncryptor("integration-secret-with-32-plus-chars")
	if err != nil {
		t.Fatal(err)
	}
	store := secrets.NewInMemorySecretStore()
	store.SetSecret("OPENAI_API_KEY", operatorKey)
	events := audit.NewInMemoryPublisher()

	r := router.New()
	v := vault.New(vault.Config{
		Encryptor:  enc,
		Repository: repository.NewInMemoryCredentialRepository(),
		Secrets:    store,
		Limiter:    ratelimit.NewInMemoryLimiter(nil),
		Tester:     r,
		Audit:      events,
	})
	r.Register(openai.New(v, openai.Config{BaseURL: server.URL, Client: server.Client(), ProbeClient: server.Client()}))

	h := api.NewHandler(api.HandlerConfig{
		Gateway:     gateway.New(gateway.Config{Registry: r}),
		Credentials: v,
		Version:     "integration",
	})
	return h, vendor, events
}

func do(h http.Handler, method, path, tenant string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(auth.TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func streamText(t *testing.T, body string) string {
	t.Helper()
	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk struct {
			Content string `json:"content"`
			Error   string `json:"error"`
		}
		json.Unmarshal([]byte(data), &chunk)
		if chunk.Error != "" {
			t.Fatalf("stream error: %s", chunk.Error)
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String()
}

var chat = map[string]any{
	"model":    "gpt-4o-mini",
	"messages": []map[string]string{{"role": "user", "content": "hi"}},
}

func TestOperatorFallbackStream(t *testing.T) {
	h, vendor, _ := setupTestHandler(t)

	rec := do(h, http.MethodPost, "/v1/chat/stream", "", chat)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := streamText(t, rec.Body.String()); got != "Hello world" {
		t.Errorf("text = %q", got)
	}
	if vendor.lastKey() != operatorKey {
		t.Error("anonymous requests should use the operator key")
	}
}

func TestStoredKeyIsUsedForStreams(t *testing.T) {
	h, vendor, events := setupTestHandler(t)

	rec := do(h, http.MethodPut, "/v1/credentials/openai", tenantID, map[string]string{"key": tenantKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("store status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodPost, "/v1/chat/stream", tenantID, chat)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", rec.Code)
	}
	streamText(t, rec.Body.String())
	if vendor.lastKey() != tenantKey {
		t.Error("tenant stream should use the stored key")
	}

	rec = do(h, http.MethodGet, "/v1/credentials", tenantID, nil)
	if strings.Contains(rec.Body.String(), tenantKey) {
		t.Error("listing must not expose the key")
	}

	rec = do(h, http.MethodDelete, "/v1/credentials/openai", tenantID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = do(h, http.MethodPost, "/v1/chat/stream", tenantID, chat)
	streamText(t, rec.Body.String())
	if vendor.lastKey() != operatorKey {
		t.Error("after removal the operator key should be used again")
	}

	if len(events.Events()) != 2 {
		t.Errorf("audit events = %d, want 2", len(events.Events()))
	}
}

func TestRejectedKeyIsNotStored(t *testing.T) {
	h, _, _ := setupTestHandler(t)

	rec := do(h, http.MethodPut, "/v1/credentials/openai", tenantID, map[string]string{"key": "sk-revoked-key-000000000000"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}

	rec = do(h, http.MethodGet, "/v1/credentials", tenantID, nil)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("list = %s", rec.Body.String())
	}
}

func TestKeyTestRateLimit(t *testing.T) {
	h, _, _ := setupTestHandler(t)

	for i := 0; i < 5; i++ {
		rec := do(h, http.MethodPost, "/v1/credentials/openai/test", tenantID, map[string]string{"key": tenantKey})
		if rec.Code != http.StatusOK {
			t.Fatalf("test %d status = %d", i+1, rec.Code)
		}
	}

	rec := do(h, http.MethodPost, "/v1/credentials/openai/test", tenantID, map[string]string{"key": tenantKey})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("6th test status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
}

func TestUnknownModel(t *testing.T) {
	h, _, _ := setupTestHandler(t)

	rec := do(h, http.MethodPost, "/v1/chat/stream", "", map[string]any{
		"model":    "claude-3-5-haiku-20241022",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unconfigured provider", rec.Code)
	}
}
