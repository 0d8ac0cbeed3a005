package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/utils"
)

// Credential is the single active OAuth credential of an account. It is
// replaced wholesale on refresh and only ever marked revoked, never deleted.
type Credential struct {
	ID              string           `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	AccountID       string           `gorm:"column:account_id;type:varchar(50);uniqueIndex;not null" json:"accountId"`
	Backend         enum.BackendKind `gorm:"column:backend;type:varchar(50);not null" json:"backend"`
	AccessToken     string           `gorm:"column:access_token;type:text;not null" json:"-"`
	RefreshToken    string           `gorm:"column:refresh_token;type:text" json:"-"`
	TokenType       string           `gorm:"column:token_type;type:varchar(50)" json:"tokenType"`
	Scopes          pq.StringArray   `gorm:"column:scopes;type:text[]" json:"scopes"`
	ExpiresAt       time.Time        `gorm:"column:expires_at;type:timestamp;not null" json:"expiresAt"`
	Revoked         bool             `gorm:"column:revoked;not null;default:false" json:"revoked"`
	RevokedAt       *time.Time       `gorm:"column:revoked_at;type:timestamp" json:"revokedAt,omitempty"`
	RevokedReason   string           `gorm:"column:revoked_reason;type:text" json:"revokedReason,omitempty"`
	LastRefreshedAt *time.Time       `gorm:"column:last_refreshed_at;type:timestamp" json:"lastRefreshedAt,omitempty"`
	CreatedAt       time.Time        `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt       time.Time        `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (Credential) TableName() string {
	return "credentials"
}

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = utils.GenerateNanoIDWithPrefix("cred", 16)
	}
	return nil
}
