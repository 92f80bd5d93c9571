// Package repository persists encrypted credential records.
// Records are never hard-deleted: revocation flips the status to invalid.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

type CredentialRepository interface {
	// FindValid returns the oldest valid record for the pair, or
	// domain.ErrCredentialNotFound.
	FindValid(ctx context.Context, tenantID, provider string) (*domain.CredentialRecord, error)
	// Upsert invalidates earlier records for the pair and stores rec.
	Upsert(ctx context.Context, rec *domain.CredentialRecord) error
	// Invalidate marks every valid record for the pair invalid.
	Invalidate(ctx context.Context, tenantID, provider string) error
	// ListByTenant returns the newest record per provider, ordered by provider.
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.CredentialRecord, error)
	UpdateStatus(ctx context.Context, id string, status domain.CredentialStatus, validatedAt *time.Time) error
}

type InMemoryCredentialRepository struct {
	mu      sync.RWMutex
	records []*domain.CredentialRecord
	now     func() time.Time
}

func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{now: time.Now}
}

func (r *InMemoryCredentialRepository) FindValid(ctx context.Context, tenantID, provider string) (*domain.CredentialRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *domain.CredentialRecord
	for _, rec := range r.records {
		if rec.TenantID != tenantID || rec.Provider != provider || rec.Status != domain.CredentialValid {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, domain.ErrCredentialNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (r *InMemoryCredentialRepository) Upsert(ctx context.Context, rec *domain.CredentialRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.invalidateLocked(rec.TenantID, rec.Provider, now)

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.records = append(r.records, &cp)
	return nil
}

func (r *InMemoryCredentialRepository) Invalidate(ctx context.Context, tenantID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalidateLocked(tenantID, provider, r.now()) == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func (r *InMemoryCredentialRepository) invalidateLocked(tenantID, provider string, now time.Time) int {
	n := 0
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.Provider == provider && rec.Status != domain.CredentialInvalid {
			rec.Status = domain.CredentialInvalid
			rec.UpdatedAt = now
			n++
		}
	}
	return n
}

func (r *InMemoryCredentialRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.CredentialRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	newest := make(map[string]*domain.CredentialRecord)
	for _, rec := range r.records {
		if rec.TenantID != tenantID {
			continue
		}
		if cur, ok := newest[rec.Provider]; !ok || !rec.CreatedAt.Before(cur.CreatedAt) {
			newest[rec.Provider] = rec
		}
	}

	out := make([]*domain.CredentialRecord, 0, len(newest))
	for _, rec := range newest {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (r *InMemoryCredentialRepository) UpdateStatus(ctx context.Context, id string, status domain.CredentialStatus, validatedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.ID == id {
			rec.Status = status
			if validatedAt != nil {
				v := *validatedAt
				rec.ValidatedAt = &v
			}
			rec.UpdatedAt = r.now()
			return nil
		}
	}
	return domain.ErrCredentialNotFound
}
