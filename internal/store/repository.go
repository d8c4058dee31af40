/**
 * @description
 * This file defines the `Repository` interface, the ledger-store contract used by the
 * transfer orchestrator. Every balance-changing method is atomic: the balance mutation
 * and the audit record it produces commit together or not at all, and mutations of one
 * account are serialized.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/sinpe-service/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrReservationNotHeld      = errors.New("reservation is not held")
)

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Account lookups
	FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	FindAccountByPhone(ctx context.Context, phone string) (*domain.Account, error)

	// Balance mutations. Each one writes the given record in the same unit of work and
	// returns ErrDuplicateTransaction when a record of the same (transaction_id, type)
	// already exists.
	ReserveDebit(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error)
	CreditAccount(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error)
	TransferLocal(ctx context.Context, from, to string, amount int64, record *domain.TransactionRecord) (*domain.Account, error)

	// Outbound outcome handling, keyed by transaction id.
	CompleteOutbound(ctx context.Context, transactionID string, notes string) (*domain.Account, error)
	RejectOutbound(ctx context.Context, transactionID string, reason string) error
	ReleaseReservation(ctx context.Context, transactionID string, notes string) (*domain.Account, error)
	UpdateOutboundMetadata(ctx context.Context, transactionID string, params UpdateRecordMetadataParams) error

	// Audit trail
	LogTransaction(ctx context.Context, record *domain.TransactionRecord) error
	FindTransactionRecords(ctx context.Context, transactionID string) ([]domain.TransactionRecord, error)
	FindAccountRecords(ctx context.Context, number string, limit int) ([]domain.TransactionRecord, error)

	// Reconciliation. FindHeldOutbound skips reservations already reviewed under
	// reviewedBy (no filter when empty); a later rejection of the transaction clears the mark.
	FindHeldOutbound(ctx context.Context, olderThan time.Time, reviewedBy string, limit int) ([]domain.TransactionRecord, error)
	MarkHeldReviewed(ctx context.Context, transactionID, policy string) error
}

// UpdateRecordMetadataParams carries optional record fields; nil leaves a field unchanged.
type UpdateRecordMetadataParams struct {
	HMACSent *string
	Notes    *string
}
