// Package vault stores per-tenant vendor credentials encrypted at rest and
// resolves the key to use for each request, falling back to the operator's
// credential when a tenant has none.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/audit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/auth"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/cache"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/crypto"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/metrics"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/ratelimit"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/repository"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/secrets"
)

// DefaultEnvKeys names the operator credential for each provider.
var DefaultEnvKeys = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
}

// KeyTester checks keys against the vendor. router.Router satisfies it.
type KeyTester interface {
	ValidateKeyFormat(provider, key string) error
	TestKey(ctx context.Context, provider, key string) error
}

type Config struct {
	Encryptor  *crypto.Encryptor
	Repository repository.CredentialRepository
	Cache      *cache.CredentialCache
	Secrets    secrets.SecretStore
	Limiter    ratelimit.Limiter
	Tester     KeyTester
	Audit      audit.Publisher
	// EnvKeys overrides DefaultEnvKeys.
	EnvKeys map[string]string
	// RotationToken is recorded in the header of every new ciphertext.
	RotationToken string
}

type Vault struct {
	enc           *crypto.Encryptor
	repo          repository.CredentialRepository
	cache         *cache.CredentialCache
	secrets       secrets.SecretStore
	limiter       ratelimit.Limiter
	tester        KeyTester
	audit         audit.Publisher
	envKeys       map[string]string
	rotationToken string
	now           func() time.Time
}

func New(cfg Config) *Vault {
	v := &Vault{
		enc:           cfg.Encryptor,
		repo:          cfg.Repository,
		cache:         cfg.Cache,
		secrets:       cfg.Secrets,
		limiter:       cfg.Limiter,
		tester:        cfg.Tester,
		audit:         cfg.Audit,
		envKeys:       cfg.EnvKeys,
		rotationToken: cfg.RotationToken,
		now:           time.Now,
	}
	if v.cache == nil {
		v.cache = cache.New(cache.DefaultTTL)
	}
	if v.secrets == nil {
		v.secrets = secrets.NewEnvSecretStore()
	}
	if v.limiter == nil {
		v.limiter = ratelimit.NewInMemoryLimiter(nil)
	}
	if v.audit == nil {
		v.audit = audit.LogPublisher{}
	}
	if v.envKeys == nil {
		v.envKeys = DefaultEnvKeys
	}
	return v
}

// Resolve returns the credential for provider on behalf of tenantID. An empty
// tenantID is taken from ctx. Tenant records win over the operator key, and
// any storage or decryption failure falls through to the operator key.
func (v *Vault) Resolve(ctx context.Context, provider, tenantID string) (domain.Credential, bool) {
	if tenantID == "" {
		tenantID, _ = auth.TenantFromContext(ctx)
	}
	if tenantID != "" && !auth.ValidTenantID(tenantID) {
		slog.Warn("ignoring invalid tenant id for credential lookup", "provider", provider)
		tenantID = ""
	}

	if cred, ok := v.cache.Get(tenantID, provider); ok {
		metrics.RecordResolution(provider, "cache")
		return cred, true
	}

	if tenantID != "" && v.repo != nil {
		if cred, ok := v.tenantCredential(ctx, tenantID, provider); ok {
			v.cache.Set(tenantID, provider, cred)
			metrics.RecordResolution(provider, "tenant")
			return cred, true
		}
	}

	if cred, ok := v.operatorCredential(ctx, provider, tenantID); ok {
		v.cache.Set(tenantID, provider, cred)
		metrics.RecordResolution(provider, "operator")
		return cred, true
	}

	metrics.RecordResolution(provider, "none")
	return domain.Credential{}, false
}

func (v *Vault) tenantCredential(ctx context.Context, tenantID, provider string) (domain.Credential, bool) {
	rec, err := v.repo.FindValid(ctx, tenantID, provider)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return domain.Credential{}, false
	}
	if err != nil {
		slog.Error("failed to load credential", "tenant_id", tenantID, "provider", provider, "error", err)
		return domain.Credential{}, false
	}

	key, err := v.enc.Decrypt(rec.Ciphertext, tenantID)
	if err != nil {
		slog.Error("failed to decrypt credential",
			"tenant_id", tenantID,
			"provider", provider,
			"record_id", rec.ID,
			"error", err,
		)
		return domain.Credential{}, false
	}

	return domain.Credential{Provider: provider, Key: key, TenantID: tenantID, IsUserKey: true}, true
}

func (v *Vault) operatorCredential(ctx context.Context, provider, tenantID string) (domain.Credential, bool) {
	name, ok := v.envKeys[provider]
	if !ok {
		return domain.Credential{}, false
	}

	key, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		if !errors.Is(err, secrets.ErrSecretNotFound) {
			slog.Error("failed to read operator credential", "provider", provider, "error", err)
		}
		return domain.Credential{}, false
	}

	return domain.Credential{Provider: provider, Key: key, TenantID: tenantID}, true
}

// StoreCredential tests key against the vendor and stores it encrypted,
// replacing any earlier key for the pair. Storing the key that is already
// stored is a no-op.
func (v *Vault) StoreCredential(ctx context.Context, tenantID, provider, key string) (domain.CredentialSummary, error) {
	const op = ratelimit.OpAPIKeyCreate

	if err := v.checkTenant(tenantID); err != nil {
		return domain.CredentialSummary{}, err
	}
	if err := v.allow(ctx, tenantID, op); err != nil {
		return domain.CredentialSummary{}, err
	}

	key = strings.TrimSpace(key)
	if err := v.verify(ctx, tenantID, provider, key, op); err != nil {
		metrics.RecordVaultOperation("store", "rejected")
		return domain.CredentialSummary{}, err
	}

	fingerprint := crypto.HashKey(key)
	existing, err := v.repo.FindValid(ctx, tenantID, provider)
	if err == nil && crypto.ConstantTimeEqual(existing.Fingerprint, fingerprint) {
		metrics.RecordVaultOperation("store", "duplicate")
		return existing.Summary(), nil
	}
	if err != nil && !errors.Is(err, domain.ErrCredentialNotFound) {
		return domain.CredentialSummary{}, fmt.Errorf("load credential: %w", err)
	}

	ciphertext, err := v.enc.EncryptWithRotation(key, tenantID, v.rotationToken)
	if err != nil {
		return domain.CredentialSummary{}, fmt.Errorf("encrypt credential: %w", err)
	}

	now := v.now().UTC()
	rec := &domain.CredentialRecord{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Provider:    provider,
		Ciphertext:  ciphertext,
		Fingerprint: fingerprint,
		KeyHint:     crypto.MaskKey(key),
		Status:      domain.CredentialValid,
		CreatedAt:   now,
		ValidatedAt: &now,
		UpdatedAt:   now,
	}
	if err := v.repo.Upsert(ctx, rec); err != nil {
		return domain.CredentialSummary{}, fmt.Errorf("store credential: %w", err)
	}

	v.cache.Delete(tenantID, provider)
	metrics.RecordVaultOperation("store", "success")

	event := audit.NewEvent(audit.ActionCredentialStored, tenantID, provider)
	event.KeyHint = rec.KeyHint
	v.publish(ctx, event)

	slog.Info("credential stored", "tenant_id", tenantID, "provider", provider, "key_hint", rec.KeyHint)
	return rec.Summary(), nil
}

// TestCredential runs the same checks as StoreCredential without storing.
func (v *Vault) TestCredential(ctx context.Context, tenantID, provider, key string) error {
	const op = ratelimit.OpAPIKeyTest

	if err := v.checkTenant(tenantID); err != nil {
		return err
	}
	if err := v.allow(ctx, tenantID, op); err != nil {
		return err
	}

	if err := v.verify(ctx, tenantID, provider, strings.TrimSpace(key), op); err != nil {
		metrics.RecordVaultOperation("test", "rejected")
		return err
	}
	metrics.RecordVaultOperation("test", "success")
	return nil
}

// verify checks format then performs the live vendor test. Rejected keys
// count toward the tenant's suspicion record; vendor outages do not.
func (v *Vault) verify(ctx context.Context, tenantID, provider, key string, op ratelimit.Operation) error {
	if v.tester == nil {
		return domain.ErrUnknownProvider
	}

	if err := v.tester.ValidateKeyFormat(provider, key); err != nil {
		if errors.Is(err, domain.ErrInvalidKeyFormat) {
			v.recordFailure(ctx, tenantID, op, "invalid key format")
		}
		return err
	}

	if err := v.tester.TestKey(ctx, provider, key); err != nil {
		if errors.Is(err, domain.ErrKeyTestFailed) {
			v.recordFailure(ctx, tenantID, op, "key rejected by provider")
		}
		slog.Warn("key test failed", "tenant_id", tenantID, "provider", provider, "key_hint", crypto.MaskKey(key), "error", err)
		return err
	}
	return nil
}

// RemoveCredential revokes the tenant's key for provider. The record is kept
// with status invalid.
func (v *Vault) RemoveCredential(ctx context.Context, tenantID, provider string) error {
	if err := v.checkTenant(tenantID); err != nil {
		return err
	}

	if err := v.repo.Invalidate(ctx, tenantID, provider); err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return err
		}
		return fmt.Errorf("remove credential: %w", err)
	}

	v.cache.Delete(tenantID, provider)
	metrics.RecordVaultOperation("remove", "success")
	v.publish(ctx, audit.NewEvent(audit.ActionCredentialRemoved, tenantID, provider))
	return nil
}

func (v *Vault) ListCredentials(ctx context.Context, tenantID string) ([]domain.CredentialSummary, error) {
	if err := v.checkTenant(tenantID); err != nil {
		return nil, err
	}

	records, err := v.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	out := make([]domain.CredentialSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summary())
	}
	return out, nil
}

type ValidationResult struct {
	Provider string                  `json:"provider"`
	Status   domain.CredentialStatus `json:"status"`
	Error    string                  `json:"error,omitempty"`
}

// ValidateAll re-tests every stored key of the tenant. Keys the vendor
// rejects are marked invalid; keys that cannot be checked right now keep
// their status.
func (v *Vault) ValidateAll(ctx context.Context, tenantID string) ([]ValidationResult, error) {
	const op = ratelimit.OpBulkValidate

	if err := v.checkTenant(tenantID); err != nil {
		return nil, err
	}
	if v.tester == nil {
		return nil, domain.ErrUnknownProvider
	}
	if err := v.allow(ctx, tenantID, op); err != nil {
		return nil, err
	}

	records, err := v.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var results []ValidationResult
	for _, rec := range records {
		if rec.Status == domain.CredentialInvalid {
			continue
		}
		results = append(results, v.revalidate(ctx, rec))
	}

	v.cache.DeleteTenant(tenantID)
	metrics.RecordVaultOperation("validate_all", "success")
	v.publish(ctx, audit.NewEvent(audit.ActionCredentialsValidated, tenantID, ""))
	return results, nil
}

func (v *Vault) revalidate(ctx context.Context, rec *domain.CredentialRecord) ValidationResult {
	result := ValidationResult{Provider: rec.Provider, Status: rec.Status}

	key, err := v.enc.Decrypt(rec.Ciphertext, rec.TenantID)
	if err != nil {
		slog.Error("failed to decrypt credential", "tenant_id", rec.TenantID, "provider", rec.Provider, "record_id", rec.ID, "error", err)
		v.markInvalid(ctx, rec)
		result.Status, result.Error = domain.CredentialInvalid, "Invalid credential."
		return result
	}

	err = v.tester.TestKey(ctx, rec.Provider, key)
	switch {
	case err == nil:
		now := v.now().UTC()
		if uerr := v.repo.UpdateStatus(ctx, rec.ID, domain.CredentialValid, &now); uerr != nil {
			slog.Error("failed to update credential status", "record_id", rec.ID, "error", uerr)
		}
		result.Status = domain.CredentialValid
	case errors.Is(err, domain.ErrKeyTestFailed):
		v.markInvalid(ctx, rec)
		result.Status, result.Error = domain.CredentialInvalid, "The API key was rejected by the provider."
	default:
		result.Error = "The key could not be verified right now."
	}
	return result
}

func (v *Vault) markInvalid(ctx context.Context, rec *domain.CredentialRecord) {
	if err := v.repo.UpdateStatus(ctx, rec.ID, domain.CredentialInvalid, nil); err != nil {
		slog.Error("failed to update credential status", "record_id", rec.ID, "error", err)
		return
	}
	event := audit.NewEvent(audit.ActionCredentialInvalidated, rec.TenantID, rec.Provider)
	event.KeyHint = rec.KeyHint
	v.publish(ctx, event)
}

type ExportedCredential struct {
	Provider  string    `json:"provider"`
	Key       string    `json:"key"`
	KeyHint   string    `json:"key_hint"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportCredentials returns the tenant's valid keys in plaintext. Only the
// owning tenant may call it.
func (v *Vault) ExportCredentials(ctx context.Context, tenantID string) ([]ExportedCredential, error) {
	const op = ratelimit.OpExport

	if err := v.checkTenant(tenantID); err != nil {
		return nil, err
	}
	if err := v.allow(ctx, tenantID, op); err != nil {
		return nil, err
	}

	records, err := v.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var out []ExportedCredential
	for _, rec := range records {
		if rec.Status != domain.CredentialValid {
			continue
		}
		key, err := v.enc.Decrypt(rec.Ciphertext, tenantID)
		if err != nil {
			slog.Error("skipping undecryptable credential in export", "tenant_id", tenantID, "provider", rec.Provider, "error", err)
			continue
		}
		out = append(out, ExportedCredential{
			Provider:  rec.Provider,
			Key:       key,
			KeyHint:   rec.KeyHint,
			CreatedAt: rec.CreatedAt,
		})
	}

	metrics.RecordVaultOperation("export", "success")
	event := audit.NewEvent(audit.ActionCredentialsExported, tenantID, "")
	event.Detail = fmt.Sprintf("%d credentials", len(out))
	v.publish(ctx, event)
	return out, nil
}

// ClearCache drops the cached credentials of one tenant.
func (v *Vault) ClearCache(tenantID string) {
	v.cache.DeleteTenant(tenantID)
}

// ClearAll drops every cached tenant credential and any cached operator secrets.
func (v *Vault) ClearAll() {
	v.cache.Clear()
	if c, ok := v.secrets.(secrets.Clearer); ok {
		c.ClearCache()
	}
}

func (v *Vault) checkTenant(tenantID string) error {
	if !auth.ValidTenantID(tenantID) {
		return domain.ErrInvalidTenant
	}
	return nil
}

func (v *Vault) allow(ctx context.Context, tenantID string, op ratelimit.Operation) error {
	d, err := v.limiter.Check(ctx, tenantID, op)
	if err != nil {
		slog.Error("rate limit check failed", "tenant_id", tenantID, "operation", op, "error", err)
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !d.Allowed {
		metrics.RecordRateLimitHit(string(op))
		slog.Warn("vault operation rate limited", "tenant_id", tenantID, "operation", op, "reset_at", d.ResetAt)
		return d.Err(op)
	}
	return nil
}

func (v *Vault) recordFailure(ctx context.Context, tenantID string, op ratelimit.Operation, reason string) {
	severity, err := v.limiter.RecordFailure(ctx, tenantID, op, reason)
	if err != nil {
		slog.Error("failed to record failure", "tenant_id", tenantID, "operation", op, "error", err)
		return
	}
	metrics.RecordSuspiciousActivity(string(op), severity.String())
}

func (v *Vault) publish(ctx context.Context, event audit.Event) {
	if err := v.audit.Publish(ctx, event); err != nil {
		slog.Error("failed to publish audit event", "action", event.Action, "tenant_id", event.TenantID, "error", err)
	}
}
