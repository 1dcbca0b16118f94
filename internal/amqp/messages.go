package amqp

import (
	"encoding/json"
	"time"
)

// Reasons a ledger can change. The worker does not branch on these today,
// they exist for log filtering.
const (
	ReasonRecordCreated     = "record_created"
	ReasonRecordUpdated     = "record_updated"
	ReasonRecordDeleted     = "record_deleted"
	ReasonDebtSourceChanged = "debt_source_changed"
	ReasonSettingsChanged   = "settings_changed"
)

// LedgerChangedMessage signals that a user's derived ledger is stale. It
// carries only the owner and the month that triggered the change; consumers
// re-derive from storage rather than trusting message payloads.
type LedgerChangedMessage struct {
	UserID    string    `json:"userId"`
	Month     string    `json:"month,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLedgerChangedMessage creates a change notification for a user's ledger.
func NewLedgerChangedMessage(userID, month, reason string) *LedgerChangedMessage {
	return &LedgerChangedMessage{
		UserID:    userID,
		Month:     month,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *LedgerChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerChangedMessageFromJSON creates a message from JSON bytes.
func LedgerChangedMessageFromJSON(data []byte) (*LedgerChangedMessage, error) {
	var msg LedgerChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
