package dto

import (
	"time"

	"github.com/customeros/mailbridge/internal/enum"
)

// InboundNotification is one raw webhook notification after transport decoding.
type InboundNotification struct {
	Backend        enum.BackendKind
	SubscriptionID string
	AccountID      string
	ClientState    string
	NotificationID string
	ChangeType     string
	ResourceID     string
	EmailAddress   string
	HistoryID      uint64
	ReceivedAt     time.Time
}

type ChangeEvent struct {
	AccountID  string          `json:"accountId"`
	Sequence   int64           `json:"sequence"`
	Kind       enum.ChangeKind `json:"kind"`
	MessageID  string          `json:"messageId,omitempty"`
	ThreadID   string          `json:"threadId,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Change is a normalized change before a sequence number is assigned.
type Change struct {
	Kind      enum.ChangeKind
	MessageID string
	ThreadID  string
}

type HistoryPage struct {
	Changes []Change
	Cursor  string
}
