package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
)

type credentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) interfaces.CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) GetCredential(ctx context.Context, accountID string) (*models.Credential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentialRepository.GetCredential")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var credential models.Credential
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &credential, nil
}

// ReplaceCredential overwrites every token field of the account's credential,
// creating the row on first authorization.
func (r *credentialRepository) ReplaceCredential(ctx context.Context, credential *models.Credential) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentialRepository.ReplaceCredential")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if credential == nil || credential.AccountID == "" {
		return ErrInvalidInput
	}
	tracing.TagAccount(span, credential.AccountID)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Credential
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", credential.AccountID).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			credential.ID = existing.ID
			credential.CreatedAt = existing.CreatedAt
		}
		credential.UpdatedAt = time.Now().UTC()
		return tx.Save(credential).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to replace credential: %w", err)
	}

	return nil
}

func (r *credentialRepository) MarkRevoked(ctx context.Context, accountID, reason string, at time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentialRepository.MarkRevoked")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	result := r.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"revoked":        true,
			"revoked_at":     at,
			"revoked_reason": reason,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to revoke credential: %w", result.Error)
	}

	return nil
}
