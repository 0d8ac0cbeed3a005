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

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) interfaces.NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) HasReceipt(ctx context.Context, accountID, notificationID string, since time.Time) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "notificationRepository.HasReceipt")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.NotificationReceipt{}).
		Where("account_id = ? AND notification_id = ? AND received_at >= ?", accountID, notificationID, since).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return false, fmt.Errorf("failed to check notification receipt: %w", err)
	}

	return count > 0, nil
}

// SaveReceipt upserts so a receipt outside the window is refreshed instead of conflicting
func (r *notificationRepository) SaveReceipt(ctx context.Context, receipt *models.NotificationReceipt) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "notificationRepository.SaveReceipt")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if receipt == nil || receipt.AccountID == "" || receipt.NotificationID == "" {
		return ErrInvalidInput
	}
	tracing.TagAccount(span, receipt.AccountID)

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "notification_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sequence", "received_at"}),
		}).
		Create(receipt).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to save notification receipt: %w", err)
	}

	return nil
}

func (r *notificationRepository) ReserveSequence(ctx context.Context, accountID string, n int64) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "notificationRepository.ReserveSequence")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if n <= 0 {
		return 0, ErrInvalidInput
	}

	var first int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sequence models.AccountSequence
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", accountID).
			First(&sequence).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			sequence = models.AccountSequence{AccountID: accountID}
		}

		first = sequence.LastSequence + 1
		sequence.LastSequence += n
		sequence.UpdatedAt = time.Now().UTC()
		return tx.Save(&sequence).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, fmt.Errorf("failed to reserve sequence: %w", err)
	}

	span.LogKV("first", first, "count", n)
	return first, nil
}

func (r *notificationRepository) PruneReceipts(ctx context.Context, before time.Time) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "notificationRepository.PruneReceipts")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	result := r.db.WithContext(ctx).
		Where("received_at < ?", before).
		Delete(&models.NotificationReceipt{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to prune notification receipts: %w", result.Error)
	}

	return result.RowsAffected, nil
}
