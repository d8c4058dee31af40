package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/sinpe-service/internal/domain"
)

type memoryAccount struct {
	mu      sync.Mutex
	account domain.Account
}

// MemoryRepository is an embedded Repository used for local runs and tests. Balance
// mutations lock the affected accounts (in sorted order when there are two) before the
// shared index lock, so operations on one account are serialized while unrelated
// accounts proceed independently.
type MemoryRepository struct {
	mu        sync.Mutex
	accounts  map[string]*memoryAccount
	phones    map[string]string
	records   []domain.TransactionRecord
	moneyKeys map[string]int
	reviewed  map[string]string
	now       func() time.Time
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:  make(map[string]*memoryAccount),
		phones:    make(map[string]string),
		moneyKeys: make(map[string]int),
		reviewed:  make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddAccount registers an account, including its phone link when present.
func (r *MemoryRepository) AddAccount(account domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	number := strings.TrimSpace(account.Number)
	if number == "" {
		return fmt.Errorf("account number is required")
	}
	if _, exists := r.accounts[number]; exists {
		return fmt.Errorf("account %s already exists", number)
	}
	if account.Balance < 0 || account.Held < 0 {
		return fmt.Errorf("account %s has a negative balance", number)
	}
	if account.LinkedPhone != nil {
		phone := domain.PhoneDigits(*account.LinkedPhone)
		if phone == "" {
			return fmt.Errorf("account %s has an empty phone link", number)
		}
		account.LinkedPhone = &phone
		if owner, taken := r.phones[phone]; taken {
			return fmt.Errorf("phone %s already linked to %s", phone, owner)
		}
		r.phones[phone] = number
	}

	now := r.now()
	account.Number = number
	account.CreatedAt = now
	account.UpdatedAt = now
	r.accounts[number] = &memoryAccount{account: account}
	return nil
}

func (r *MemoryRepository) FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	entry, err := r.entry(number)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	account := entry.account
	return &account, nil
}

func (r *MemoryRepository) FindAccountByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	r.mu.Lock()
	number, ok := r.phones[domain.PhoneDigits(phone)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.FindAccountByNumber(ctx, number)
}

func (r *MemoryRepository) ReserveDebit(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	entry, err := r.entry(number)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasMoneyRecord(record.TransactionID, record.Type) {
		return nil, ErrDuplicateTransaction
	}
	if entry.account.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	entry.account.Balance -= amount
	entry.account.Held += amount
	entry.account.UpdatedAt = r.now()
	record.ReservationState = domain.ReservationHeld
	r.appendRecord(record)

	account := entry.account
	return &account, nil
}

func (r *MemoryRepository) CreditAccount(ctx context.Context, number string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	entry, err := r.entry(number)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasMoneyRecord(record.TransactionID, record.Type) {
		return nil, ErrDuplicateTransaction
	}

	entry.account.Balance += amount
	entry.account.UpdatedAt = r.now()
	r.appendRecord(record)

	account := entry.account
	return &account, nil
}

func (r *MemoryRepository) TransferLocal(ctx context.Context, from, to string, amount int64, record *domain.TransactionRecord) (*domain.Account, error) {
	sender, err := r.entry(from)
	if err != nil {
		return nil, err
	}
	receiver, err := r.entry(to)
	if err != nil {
		return nil, err
	}
	if sender == receiver {
		return nil, fmt.Errorf("sender and receiver are the same account")
	}

	unlock := lockOrdered(sender, receiver)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasMoneyRecord(record.TransactionID, record.Type) {
		return nil, ErrDuplicateTransaction
	}
	if sender.account.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	now := r.now()
	sender.account.Balance -= amount
	sender.account.UpdatedAt = now
	receiver.account.Balance += amount
	receiver.account.UpdatedAt = now
	r.appendRecord(record)

	account := sender.account
	return &account, nil
}

func (r *MemoryRepository) CompleteOutbound(ctx context.Context, transactionID string, notes string) (*domain.Account, error) {
	entry, err := r.outboundEntry(transactionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	if !domain.CanTransition(rec.Status, domain.StatusCompleted) {
		return nil, ErrInvalidStatusTransition
	}
	if rec.ReservationState != domain.ReservationHeld {
		return nil, ErrReservationNotHeld
	}

	now := r.now()
	entry.account.Held -= rec.Amount
	entry.account.UpdatedAt = now
	rec.Status = domain.StatusCompleted
	rec.ReservationState = domain.ReservationSettled
	rec.Notes = joinNotes(rec.Notes, notes)
	rec.UpdatedAt = now

	account := entry.account
	return &account, nil
}

func (r *MemoryRepository) RejectOutbound(ctx context.Context, transactionID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	if rec == nil {
		return ErrTransactionNotFound
	}
	if !domain.CanTransition(rec.Status, domain.StatusFailedAtReceiver) {
		return ErrInvalidStatusTransition
	}
	rec.Status = domain.StatusFailedAtReceiver
	rec.Notes = joinNotes(rec.Notes, reason)
	rec.UpdatedAt = r.now()
	delete(r.reviewed, transactionID)
	return nil
}

func (r *MemoryRepository) ReleaseReservation(ctx context.Context, transactionID string, notes string) (*domain.Account, error) {
	entry, err := r.outboundEntry(transactionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	if rec.ReservationState != domain.ReservationHeld {
		return nil, ErrReservationNotHeld
	}

	now := r.now()
	entry.account.Held -= rec.Amount
	entry.account.Balance += rec.Amount
	entry.account.UpdatedAt = now
	rec.ReservationState = domain.ReservationReleased
	rec.Notes = joinNotes(rec.Notes, notes)
	rec.UpdatedAt = now

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
	r.appendRecord(release)

	account := entry.account
	return &account, nil
}

func (r *MemoryRepository) UpdateOutboundMetadata(ctx context.Context, transactionID string, params UpdateRecordMetadataParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	if rec == nil {
		return ErrTransactionNotFound
	}
	if params.HMACSent != nil {
		rec.HMACSent = *params.HMACSent
	}
	if params.Notes != nil {
		rec.Notes = joinNotes(rec.Notes, *params.Notes)
	}
	rec.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) LogTransaction(ctx context.Context, record *domain.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if domain.IsMoneyMoving(record.Type) && r.hasMoneyRecord(record.TransactionID, record.Type) {
		return ErrDuplicateTransaction
	}
	r.appendRecord(record)
	return nil
}

func (r *MemoryRepository) FindTransactionRecords(ctx context.Context, transactionID string) ([]domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.TransactionRecord
	for _, rec := range r.records {
		if rec.TransactionID == transactionID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrTransactionNotFound
	}
	return out, nil
}

func (r *MemoryRepository) FindHeldOutbound(ctx context.Context, olderThan time.Time, reviewedBy string, limit int) ([]domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.TransactionRecord
	for _, rec := range r.records {
		if rec.Type != domain.RecordTypeOutgoingDebit || rec.ReservationState != domain.ReservationHeld {
			continue
		}
		if reviewedBy != "" && r.reviewed[rec.TransactionID] == reviewedBy {
			continue
		}
		if !rec.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkHeldReviewed(ctx context.Context, transactionID, policy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	if rec == nil || rec.ReservationState != domain.ReservationHeld {
		return ErrReservationNotHeld
	}
	r.reviewed[transactionID] = policy
	rec.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) FindAccountRecords(ctx context.Context, number string, limit int) ([]domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []domain.TransactionRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		if rec.FromIdentifier == number || rec.ToIdentifier == number {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepository) entry(number string) (*memoryAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.accounts[strings.TrimSpace(number)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return entry, nil
}

func (r *MemoryRepository) outboundEntry(transactionID string) (*memoryAccount, error) {
	r.mu.Lock()
	rec := r.moneyRecord(transactionID, domain.RecordTypeOutgoingDebit)
	var from string
	if rec != nil {
		from = rec.FromIdentifier
	}
	r.mu.Unlock()

	if rec == nil {
		return nil, ErrTransactionNotFound
	}
	return r.entry(from)
}

// appendRecord must be called with r.mu held.
func (r *MemoryRepository) appendRecord(record *domain.TransactionRecord) {
	now := r.now()
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

	r.records = append(r.records, *record)
	if domain.IsMoneyMoving(record.Type) {
		r.moneyKeys[moneyKey(record.TransactionID, record.Type)] = len(r.records) - 1
	}
}

// moneyRecord must be called with r.mu held.
func (r *MemoryRepository) moneyRecord(transactionID, recordType string) *domain.TransactionRecord {
	idx, ok := r.moneyKeys[moneyKey(transactionID, recordType)]
	if !ok {
		return nil
	}
	return &r.records[idx]
}

func (r *MemoryRepository) hasMoneyRecord(transactionID, recordType string) bool {
	_, ok := r.moneyKeys[moneyKey(transactionID, recordType)]
	return ok
}

func moneyKey(transactionID, recordType string) string {
	return transactionID + "|" + recordType
}

func lockOrdered(a, b *memoryAccount) func() {
	pair := []*memoryAccount{a, b}
	sort.Slice(pair, func(i, j int) bool {
		return pair[i].account.Number < pair[j].account.Number
	})
	pair[0].mu.Lock()
	pair[1].mu.Lock()
	return func() {
		pair[1].mu.Unlock()
		pair[0].mu.Unlock()
	}
}

func joinNotes(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	switch {
	case addition == "":
		return existing
	case strings.TrimSpace(existing) == "":
		return addition
	default:
		return existing + "; " + addition
	}
}
