package domain

import "time"

// Routing keys for events published on the events exchange.
const (
	EventTransferCompleted        = "transfer.completed"
	EventTransferFailedAtReceiver = "transfer.failed_at_receiver"
	EventTransferSendFailed       = "transfer.send_failed"
	EventIncomingCompleted        = "transfer.incoming.completed"
	EventIncomingRejected         = "transfer.incoming.rejected"
	EventReservationReleased      = "reservation.released"
	EventReconciliationReview     = "reconciliation.review_required"
	EventReleaseRequested         = "reconciliation.release.requested"
)

// TransferEvent is published whenever a transfer reaches a protocol outcome.
type TransferEvent struct {
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ReleaseRequestedEvent asks the node to release a held reservation.
type ReleaseRequestedEvent struct {
	TransactionID string `json:"transaction_id"`
	RequestedBy   string `json:"requested_by"`
	Reason        string `json:"reason"`
}
