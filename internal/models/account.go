package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/utils"
)

type Account struct {
	ID           string           `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant       string           `gorm:"column:tenant;type:varchar(255);index" json:"tenant"`
	Backend      enum.BackendKind `gorm:"column:backend;type:varchar(50);index;not null" json:"backend"`
	EmailAddress string           `gorm:"column:email_address;type:varchar(255);index;not null" json:"emailAddress"`
	DisplayName  string           `gorm:"column:display_name;type:varchar(255)" json:"displayName"`
	CreatedAt    time.Time        `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt    time.Time        `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt    gorm.DeletedAt   `gorm:"column:deleted_at;index" json:"-"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	return nil
}
