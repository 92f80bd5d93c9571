package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

// Schema creates the credential table. At most one valid record may exist
// per tenant and provider.
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id           UUID PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	provider     TEXT NOT NULL,
	ciphertext   TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	key_hint     TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	validated_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS credentials_one_valid
	ON credentials (tenant_id, provider) WHERE status = 'valid';
CREATE INDEX IF NOT EXISTS credentials_tenant ON credentials (tenant_id);
`

const uniqueViolation = "23505"

var ErrConcurrentUpdate = errors.New("concurrent credential update")

const credentialColumns = `id, tenant_id, provider, ciphertext, fingerprint, key_hint, status, created_at, validated_at, updated_at`

type PostgresCredentialRepository struct {
	db *sql.DB
}

func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

func (r *PostgresCredentialRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create credentials schema: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*domain.CredentialRecord, error) {
	var (
		rec         domain.CredentialRecord
		status      string
		validatedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.Provider,
		&rec.Ciphertext,
		&rec.Fingerprint,
		&rec.KeyHint,
		&status,
		&rec.CreatedAt,
		&validatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = domain.CredentialStatus(status)
	if validatedAt.Valid {
		t := validatedAt.Time
		rec.ValidatedAt = &t
	}
	return &rec, nil
}

func (r *PostgresCredentialRepository) FindValid(ctx context.Context, tenantID, provider string) (*domain.CredentialRecord, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE tenant_id = $1 AND provider = $2 AND status = 'valid'
		ORDER BY created_at ASC
		LIMIT 1
	`

	rec, err := scanCredential(r.db.QueryRowContext(ctx, query, tenantID, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return rec, nil
}

func (r *PostgresCredentialRepository) Upsert(ctx context.Context, rec *domain.CredentialRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials SET status = 'invalid', updated_at = $3
		WHERE tenant_id = $1 AND provider = $2 AND status <> 'invalid'
	`, rec.TenantID, rec.Provider, now); err != nil {
		return fmt.Errorf("invalidate previous credentials: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID,
		rec.TenantID,
		rec.Provider,
		rec.Ciphertext,
		rec.Fingerprint,
		rec.KeyHint,
		string(rec.Status),
		createdAt,
		nullTime(rec.ValidatedAt),
		now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) Invalidate(ctx context.Context, tenantID, provider string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET status = 'invalid', updated_at = $3
		WHERE tenant_id = $1 AND provider = $2 AND status <> 'invalid'
	`, tenantID, provider, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalidate credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresCredentialRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.CredentialRecord, error) {
	query := `
		SELECT DISTINCT ON (provider) ` + credentialColumns + `
		FROM credentials
		WHERE tenant_id = $1
		ORDER BY provider, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var records []*domain.CredentialRecord
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresCredentialRepository) UpdateStatus(ctx context.Context, id string, status domain.CredentialStatus, validatedAt *time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = $2, validated_at = COALESCE($3, validated_at), updated_at = $4
		WHERE id = $1
	`, id, string(status), nullTime(validatedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
