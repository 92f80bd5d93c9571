//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/repository"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestPostgresCredentialRepository_Lifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresCredentialRepository(db)
	ctx := context.Background()

	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	tenantID := "it_tenant_" + time.Now().Format("20060102150405")
	defer db.Exec(`DELETE FROM credentials WHERE tenant_id = $1`, tenantID)

	first := &domain.CredentialRecord{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Provider:    "openai",
		Ciphertext:  "ct-1",
		Fingerprint: "fp-1",
		KeyHint:     "sk-p********0000",
		Status:      domain.CredentialValid,
	}
	if err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	second := *first
	second.ID = uuid.NewString()
	second.Ciphertext = "ct-2"
	if err := repo.Upsert(ctx, &second); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := repo.FindValid(ctx, tenantID, "openai")
	if err != nil {
		t.Fatalf("FindValid failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("FindValid() = %s, want %s", got.ID, second.ID)
	}

	now := time.Now().UTC()
	if err := repo.UpdateStatus(ctx, second.ID, domain.CredentialValid, &now); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	list, err := repo.ListByTenant(ctx, tenantID)
	if err != nil {
		t.Fatalf("ListByTenant failed: %v", err)
	}
	if len(list) != 1 || list[0].ValidatedAt == nil {
		t.Errorf("ListByTenant() = %+v", list)
	}

	if err := repo.Invalidate(ctx, tenantID, "openai"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := repo.FindValid(ctx, tenantID, "openai"); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Errorf("FindValid after Invalidate error = %v", err)
	}
}
