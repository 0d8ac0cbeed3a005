package models

import (
	"time"
)

// NotificationReceipt remembers an accepted notification for the dedup window.
type NotificationReceipt struct {
	AccountID      string    `gorm:"column:account_id;type:varchar(50);primaryKey"`
	NotificationID string    `gorm:"column:notification_id;type:varchar(255);primaryKey"`
	Sequence       int64     `gorm:"column:sequence;not null"`
	ReceivedAt     time.Time `gorm:"column:received_at;type:timestamp;index;not null"`
}

func (NotificationReceipt) TableName() string {
	return "notification_receipts"
}

type AccountSequence struct {
	AccountID    string    `gorm:"column:account_id;type:varchar(50);primaryKey"`
	LastSequence int64     `gorm:"column:last_sequence;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (AccountSequence) TableName() string {
	return "account_sequences"
}
