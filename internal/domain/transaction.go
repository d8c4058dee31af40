/**
 * @description
 * This file defines the core domain models for the sinpe-service: accounts held by this
 * bank node and the append-mostly audit records written at every step of the transfer
 * protocol.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (céntimos), which avoids
 *   floating-point inaccuracies with financial data. Wire amounts are decimals and are
 *   converted at the boundary (see money.go).
 * - Record status only ever moves out of `pending_send`; see CanTransition.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a customer account held by this bank node.
// This struct maps directly to the `accounts` table in the database.
type Account struct {
	Number      string    `json:"number"`
	OwnerName   string    `json:"owner_name"`
	Balance     int64     `json:"balance"` // settled, available funds in céntimos
	Held        int64     `json:"held"`    // reserved by in-flight outbound transfers
	Currency    string    `json:"currency"`
	LinkedPhone *string   `json:"linked_phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record types.
const (
	RecordTypeLocalTransfer      = "local_transfer"
	RecordTypeOutgoingDebit      = "outgoing_debit"
	RecordTypeIncomingCredit     = "incoming_credit"
	RecordTypeFailedAuth         = "failed_auth"
	RecordTypeIncomingRejected   = "incoming_rejected"
	RecordTypeFailedConfig       = "failed_config"
	RecordTypeFailedTransport    = "failed_transport"
	RecordTypeReservationRelease = "reservation_release"
)

// Record statuses.
const (
	StatusPendingSend      = "pending_send"
	StatusCompleted        = "completed"
	StatusFailedAtReceiver = "failed_at_receiver"
	StatusSendFailed       = "send_failed"
	StatusRejected         = "rejected"
)

// Reservation states of an outgoing debit.
const (
	ReservationNone     = "none"
	ReservationHeld     = "held"
	ReservationSettled  = "settled"
	ReservationReleased = "released"
)

// TransactionRecord is one entry of the audit ledger.
// This struct maps directly to the `transaction_records` table in the database.
type TransactionRecord struct {
	ID               uuid.UUID `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	Timestamp        time.Time `json:"timestamp"`
	Type             string    `json:"type"`
	FromIdentifier   string    `json:"from_identifier"`
	ToIdentifier     string    `json:"to_identifier"`
	Amount           int64     `json:"amount"` // in céntimos
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	HMACSent         string    `json:"hmac_sent,omitempty"`
	HMACReceived     string    `json:"hmac_received,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	ReservationState string    `json:"reservation_state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsMoneyMoving reports whether records of the given type change a balance. At most one
// such record may exist per (transaction_id, type).
func IsMoneyMoving(recordType string) bool {
	switch recordType {
	case RecordTypeLocalTransfer, RecordTypeOutgoingDebit, RecordTypeIncomingCredit, RecordTypeReservationRelease:
		return true
	default:
		return false
	}
}

// IsTerminalStatus reports whether a record status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailedAtReceiver, StatusSendFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record may move from one status to another.
// Only pending_send moves, and never back to itself.
func CanTransition(from, to string) bool {
	if from != StatusPendingSend {
		return false
	}
	return IsTerminalStatus(to)
}
