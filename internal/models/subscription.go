package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/utils"
)

type Subscription struct {
	ID              string                 `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	AccountID       string                 `gorm:"column:account_id;type:varchar(50);uniqueIndex;not null" json:"accountId"`
	Backend         enum.BackendKind       `gorm:"column:backend;type:varchar(50);not null" json:"backend"`
	NativeID        string                 `gorm:"column:native_id;type:varchar(255);index" json:"nativeId"`
	Resource        string                 `gorm:"column:resource;type:varchar(255)" json:"resource"`
	NotificationURL string                 `gorm:"column:notification_url;type:text" json:"notificationUrl"`
	Secret          string                 `gorm:"column:secret;type:varchar(255)" json:"-"`
	State           enum.SubscriptionState `gorm:"column:state;type:varchar(50);index;not null" json:"state"`
	ExpiresAt       *time.Time             `gorm:"column:expires_at;type:timestamp;index" json:"expiresAt,omitempty"`
	RequestedExpiry *time.Time             `gorm:"column:requested_expiry;type:timestamp" json:"requestedExpiry,omitempty"`
	Cursor          string                 `gorm:"column:cursor;type:varchar(255)" json:"-"`
	RenewalAttempts int                    `gorm:"column:renewal_attempts;not null;default:0" json:"renewalAttempts"`
	LastError       string                 `gorm:"column:last_error;type:text" json:"lastError,omitempty"`
	LastRenewedAt   *time.Time             `gorm:"column:last_renewed_at;type:timestamp" json:"lastRenewedAt,omitempty"`
	CreatedAt       time.Time              `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = utils.GenerateNanoIDWithPrefix("subs", 16)
	}
	return nil
}
