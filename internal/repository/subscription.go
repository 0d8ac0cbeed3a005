package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
)

type subscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) interfaces.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) GetByAccount(ctx context.Context, accountID string) (*models.Subscription, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "subscriptionRepository.GetByAccount")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var subscription models.Subscription
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &subscription, nil
}

func (r *subscriptionRepository) GetByNativeID(ctx context.Context, backend enum.BackendKind, nativeID string) (*models.Subscription, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "subscriptionRepository.GetByNativeID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, nativeID)

	var subscription models.Subscription
	err := r.db.WithContext(ctx).
		Where("backend = ? AND native_id = ?", backend, nativeID).
		First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get subscription by native id: %w", err)
	}

	return &subscription, nil
}

func (r *subscriptionRepository) ListByState(ctx context.Context, states ...enum.SubscriptionState) ([]*models.Subscription, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "subscriptionRepository.ListByState")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	query := r.db.WithContext(ctx)
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}

	var subscriptions []*models.Subscription
	if err := query.Order("expires_at ASC").Find(&subscriptions).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return subscriptions, nil
}

// ListExpiringBefore returns live subscriptions whose expiry is at or before the given instant
func (r *subscriptionRepository) ListExpiringBefore(ctx context.Context, before time.Time) ([]*models.Subscription, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "subscriptionRepository.ListExpiringBefore")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("before", before)

	var subscriptions []*models.Subscription
	err := r.db.WithContext(ctx).
		Where("state IN ? AND expires_at <= ?",
			[]enum.SubscriptionState{enum.SubscriptionActive, enum.SubscriptionRenewalDue}, before).
		Order("expires_at ASC").
		Find(&subscriptions).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	return subscriptions, nil
}

func (r *subscriptionRepository) Save(ctx context.Context, subscription *models.Subscription) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "subscriptionRepository.Save")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if subscription == nil || subscription.AccountID == "" {
		return ErrInvalidInput
	}
	tracing.TagAccount(span, subscription.AccountID)

	subscription.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(subscription).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}
