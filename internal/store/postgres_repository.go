/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every balance mutation runs in one database transaction that first locks the affected
 * account rows with `SELECT ... FOR UPDATE`, then checks for an existing record of the
 * same (transaction_id, type), then checks funds, then writes the audit record and
 * updates the balances. The partial unique index on (transaction_id, type) turns a redelivered
 * transaction into ErrDuplicateTransaction instead of a second mutation.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/sinpe-service/internal/domain"
)

const uniqueViolationCode = "23505"

const recordColumns = `id, transaction_id, recorded_at, type, from_identifier, to_identifier, amount, currency,
	status, hmac_sent, hmac_received, notes, reservation_state, created_at, updated_at`

const accountColumns = `number, owner_name, balance, held, currency, linked_phone, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByNumber retrieves an account by its account number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE number = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, number))
	if err != nil {
		return nil, err
	}
	return account, nil
}

// FindAccountByPhone retrieves the account linked to a phone number.
func (r *PostgresRepository) FindAccountByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE linked_phone = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, domain.PhoneDigits(phone)))
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ReserveDebit moves amount from the settled balance into the held balance and writes the
// pending outgoing record.
func (r *PostgresRepository) ReserveDebit(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, number)
	if err != nil {
		return nil, err
	}
	if err := rejectDuplicate(ctx, tx, record); err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, ErrInsufficientFunds
	}

	record.ReservationState = domain.ReservationHeld
	if err := insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}

	account, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance - $1, held = held + $1, updated_at = NOW()
		 WHERE number = $2 RETURNING `+accountColumns, amount, number))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// CreditAccount adds amount to an account and writes the credit record.
func (r *PostgresRepository) CreditAccount(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, number); err != nil {
		return nil, err
	}
	if err := rejectDuplicate(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}

	account, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW()
		 WHERE number = $2 RETURNING `+accountColumns, amount, number))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// TransferLocal debits one account and credits another in a single transaction. Rows are
// locked in account-number order so concurrent opposite transfers cannot deadlock.
func (r *PostgresRepository) TransferLocal(ctx context.Context, from, to string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	if from == to {
		return nil, fmt.Errorf("sender and receiver are the same account")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ordered := []string{from, to}
	sort.Strings(ordered)
	balances := make(map[string]int64, 2)
	for _, number := range ordered {
		balance, err := lockBalance(ctx, tx, number)
		if err != nil {
			return nil, err
		}
		balances[number] = balance
	}
	if err := rejectDuplicate(ctx, tx, record); err != nil {
		return nil, err
	}
	if balances[from] < amount {
		return nil, ErrInsufficientFunds
	}

	if err := insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE number = $2`, amount, to); err != nil {
		return nil, err
	}
	sender, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = NOW()
		 WHERE number = $2 RETURNING `+accountColumns, amount, from))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sender, nil
}

// CompleteOutbound marks an outgoing debit as completed and settles its reservation.
func (r *PostgresRepository) CompleteOutbound(ctx context.Context, transactionID string, notes string) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := lockOutbound(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(rec.Status, domain.StatusCompleted) {
		return nil, ErrInvalidStatusTransition
	}
	if rec.ReservationState != domain.ReservationHeld {
		return nil, ErrReservationNotHeld
	}
	if _, err := lockBalance(ctx, tx, rec.FromIdentifier); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE transaction_records
		SET status = $1, reservation_state = $2, notes = concat_ws('; ', NULLIF(notes, ''), NULLIF($3::text, '')), updated_at = NOW()
		WHERE id = $4`,
		domain.StatusCompleted, domain.ReservationSettled, notes, rec.ID)
	if err != nil {
		return nil, err
	}

	account, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET held = held - $1, updated_at = NOW()
		 WHERE number = $2 RETURNING `+accountColumns, rec.Amount, rec.FromIdentifier))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// RejectOutbound marks an outgoing debit as failed at the receiver. The reservation stays
// held until the reconciliation policy releases it.
func (r *PostgresRepository) RejectOutbound(ctx context.Context, transactionID string, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transaction_records
		SET status = $1, notes = concat_ws('; ', NULLIF(notes, ''), NULLIF($2::text, '')), reviewed_policy = '', updated_at = NOW()
		WHERE transaction_id = $3 AND type = $4 AND status = $5`,
		domain.StatusFailedAtReceiver, reason, transactionID, domain.RecordTypeOutgoingDebit, domain.StatusPendingSend)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.outboundMissOrTransition(ctx, transactionID)
	}
	return nil
}

// ReleaseReservation returns a held amount to the sender's settled balance. A second
// release of the same transaction returns ErrReservationNotHeld and changes nothing.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, transactionID string, notes string) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := lockOutbound(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}
	if rec.ReservationState != domain.ReservationHeld {
		return nil, ErrReservationNotHeld
	}
	if _, err := lockBalance(ctx, tx, rec.FromIdentifier); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE transaction_records
		SET reservation_state = $1, notes = concat_ws('; ', NULLIF(notes, ''), NULLIF($2::text, '')), updated_at = NOW()
		WHERE id = $3`,
		domain.ReservationReleased, notes, rec.ID)
	if err != nil {
		return nil, err
	}

	release := &domain.TransactionRecord{
		TransactionID:    transactionID,
		Type:             domain.RecordTypeReservationRelease,
		FromIdentifier:   rec.ToIdentifier,
		ToIdentifier:     rec.FromIdentifier,
		Amount:           rec.Amount,
		Currency:         rec.Currency,
		Status:           domain.StatusCompleted,
		Notes:            notes,
		ReservationState: domain.ReservationNone,
	}
	if err := insertRecord(ctx, tx, release); err != nil {
		return nil, err
	}

	account, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET held = held - $1, balance = balance + $1, updated_at = NOW()
		 WHERE number = $2 RETURNING `+accountColumns, rec.Amount, rec.FromIdentifier))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateOutboundMetadata uses COALESCE so nil parameters keep the stored value.
func (r *PostgresRepository) UpdateOutboundMetadata(ctx context.Context, transactionID string, params UpdateRecordMetadataParams) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transaction_records
		SET hmac_sent = COALESCE($1::text, hmac_sent),
		    notes = concat_ws('; ', NULLIF(notes, ''), $2::text),
		    updated_at = NOW()
		WHERE transaction_id = $3 AND type = $4`,
		params.HMACSent, params.Notes, transactionID, domain.RecordTypeOutgoingDebit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// LogTransaction appends an audit record that does not move money.
func (r *PostgresRepository) LogTransaction(ctx context.Context, record *domain.TransactionRecord) error {
	return insertRecord(ctx, r.db, record)
}

// FindTransactionRecords returns every audit record of a transaction in creation order.
func (r *PostgresRepository) FindTransactionRecords(ctx context.Context, transactionID string) ([]domain.TransactionRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrTransactionNotFound
	}
	return records, nil
}

// FindAccountRecords returns the most recent records in which number is the sender or
// the receiver, newest first.
func (r *PostgresRepository) FindAccountRecords(ctx context.Context, number string, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM transaction_records
		WHERE from_identifier = $1 OR to_identifier = $1
		ORDER BY created_at DESC, id
		LIMIT $2`,
		number, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// FindHeldOutbound returns outgoing debits whose reservation is still held, that were
// created before olderThan and that were not reviewed under reviewedBy, oldest first.
func (r *PostgresRepository) FindHeldOutbound(ctx context.Context, olderThan time.Time, reviewedBy string, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM transaction_records
		WHERE type = $1 AND reservation_state = $2 AND created_at < $3
		  AND ($4::text = '' OR reviewed_policy <> $4::text)
		ORDER BY created_at, id
		LIMIT $5`,
		domain.RecordTypeOutgoingDebit, domain.ReservationHeld, olderThan, reviewedBy, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// MarkHeldReviewed records that a held reservation was reported for operator review
// under policy.
func (r *PostgresRepository) MarkHeldReviewed(ctx context.Context, transactionID, policy string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transaction_records
		SET reviewed_policy = $1, updated_at = NOW()
		WHERE transaction_id = $2 AND type = $3 AND reservation_state = $4`,
		policy, transactionID, domain.RecordTypeOutgoingDebit, domain.ReservationHeld)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotHeld
	}
	return nil
}

func (r *PostgresRepository) outboundMissOrTransition(ctx context.Context, transactionID string) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transaction_records WHERE transaction_id = $1 AND type = $2)`,
		transactionID, domain.RecordTypeOutgoingDebit).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrInvalidStatusTransition
}

type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func lockBalance(ctx context.Context, tx pgx.Tx, number string) (int64, error) {
	var balance int64
	// Use FOR UPDATE to lock the row, preventing lost updates.
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE number = $1 FOR UPDATE`, number).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// rejectDuplicate must run after the row locks and before any funds check.
func rejectDuplicate(ctx context.Context, tx pgx.Tx, record *domain.TransactionRecord) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transaction_records WHERE transaction_id = $1 AND type = $2)`,
		record.TransactionID, record.Type).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateTransaction
	}
	return nil
}

func lockOutbound(ctx context.Context, tx pgx.Tx, transactionID string) (*domain.TransactionRecord, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE transaction_id = $1 AND type = $2 FOR UPDATE`,
		transactionID, domain.RecordTypeOutgoingDebit))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return rec, nil
}

func insertRecord(ctx context.Context, q queryer, record *domain.TransactionRecord) error {
	now := time.Now().UTC()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	if record.ReservationState == "" {
		record.ReservationState = domain.ReservationNone
	}
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO transaction_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		record.ID, record.TransactionID, record.Timestamp, record.Type, record.FromIdentifier, record.ToIdentifier,
		record.Amount, record.Currency, record.Status, record.HMACSent, record.HMACReceived, record.Notes,
		record.ReservationState, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.Number,
		&account.OwnerName,
		&account.Balance,
		&account.Held,
		&account.Currency,
		&account.LinkedPhone,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func scanRecord(row pgx.Row) (*domain.TransactionRecord, error) {
	var rec domain.TransactionRecord
	err := row.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.Timestamp,
		&rec.Type,
		&rec.FromIdentifier,
		&rec.ToIdentifier,
		&rec.Amount,
		&rec.Currency,
		&rec.Status,
		&rec.HMACSent,
		&rec.HMACReceived,
		&rec.Notes,
		&rec.ReservationState,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]domain.TransactionRecord, error) {
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
