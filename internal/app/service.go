/**
 * @description
 * This file contains the transfer orchestrator. The `Service` validates transfer intents,
 * moves money through the ledger store and, for receivers at other banks, signs the
 * transfer message and delivers it over the peer transport.
 *
 * Key features:
 * - Intra-bank transfers settle atomically in the ledger.
 * - Inter-bank transfers reserve the sender's funds before delivery, settle them on ACK
 *   and leave them held on NACK or transport failure for the reconciliation policy.
 * - Every outcome is written to the audit ledger and published to RabbitMQ.
 *
 * @dependencies
 * - github.com/google/uuid: Transaction id generation.
 * - github.com/shopspring/decimal: Amount limits and wire amounts.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/peer, pkg/rabbitmq: Peer bank delivery and event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
	"github.com/transfa/sinpe-service/pkg/peer"
	"github.com/transfa/sinpe-service/pkg/rabbitmq"
)

// PeerSender delivers one payload to a peer bank and returns its reply line.
type PeerSender interface {
	Send(ctx context.Context, endpoint peer.Endpoint, payload []byte) (string, error)
}

// BankDirectory resolves peer banks and the phones registered at them.
// *registry.Registry satisfies it.
type BankDirectory interface {
	Endpoint(bankCode string) (peer.Endpoint, error)
	SecretFor(bankCode string) (string, error)
	PhoneBank(phone string) (domain.PhoneSubscription, bool)
}

// Config carries the node identity and money rules used by the Service.
type Config struct {
	BankCode        string
	BankName        string
	LocalSecret     string
	DefaultCurrency string
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	EventExchange   string
}

// Service provides the core business logic for transfers.
type Service struct {
	repo       store.Repository
	banks      BankDirectory
	sender     PeerSender
	producer   rabbitmq.Publisher
	reconciler *Reconciler
	resolver   *Resolver
	auth       *Authenticator
	cfg        Config
	now        func() time.Time
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, banks BankDirectory, sender PeerSender, producer rabbitmq.Publisher, reconciler *Reconciler, cfg Config) *Service {
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "CRC"
	}
	return &Service{
		repo:       repo,
		banks:      banks,
		sender:     sender,
		producer:   producer,
		reconciler: reconciler,
		resolver:   NewResolver(repo, cfg.BankCode),
		auth:       NewAuthenticator(banks, cfg.BankCode, cfg.LocalSecret),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Resolver exposes the identifier resolver bound to this node's bank.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Transfer routes an intent to LocalTransfer or SendTransfer depending on where the
// receiver banks.
func (s *Service) Transfer(ctx context.Context, intent domain.TransferIntent) (*domain.TransferResult, error) {
	if s.isLocalReceiver(ctx, intent.Receiver) {
		return s.LocalTransfer(ctx, intent)
	}
	return s.SendTransfer(ctx, intent)
}

// LookupPhone reports where a SINPE Movil phone is registered: this bank when an
// account here is linked to it, else the bank named by the phone directory.
func (s *Service) LookupPhone(ctx context.Context, raw string) (*domain.PhoneSubscription, error) {
	phone, err := NormalizePhone(raw)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccountByPhone(ctx, phone)
	switch {
	case err == nil:
		return &domain.PhoneSubscription{Phone: phone, BankCode: s.cfg.BankCode, Name: account.OwnerName, Local: true}, nil
	case !errors.Is(err, store.ErrAccountNotFound):
		return nil, fmt.Errorf("phone lookup: %w", err)
	}
	if sub, ok := s.remotePhone(phone); ok {
		return &sub, nil
	}
	return nil, fmt.Errorf("%w: phone %s is not registered with SINPE Movil", ErrUnresolvedReceiver, phone)
}

// remotePhone returns the directory entry of phone when it names another bank.
func (s *Service) remotePhone(phone string) (domain.PhoneSubscription, bool) {
	if s.banks == nil {
		return domain.PhoneSubscription{}, false
	}
	sub, ok := s.banks.PhoneBank(phone)
	if !ok || s.resolver.IsLocal(sub.BankCode) {
		return domain.PhoneSubscription{}, false
	}
	return sub, true
}

func (s *Service) isLocalReceiver(ctx context.Context, receiver domain.Party) bool {
	if strings.TrimSpace(receiver.AccountNumber) != "" {
		number := CanonicalAccountNumber(receiver.AccountNumber)
		if ValidateAccountNumber(number) != nil {
			// Let LocalTransfer report the malformed identifier.
			return true
		}
		return s.resolver.IsLocal(ExtractBankCode(number))
	}
	if code := strings.TrimSpace(receiver.BankCode); code != "" {
		return s.resolver.IsLocal(code)
	}
	phone, err := NormalizePhone(receiver.PhoneNumber)
	if err != nil {
		return true
	}
	if _, ok := s.remotePhone(phone); !ok {
		return true
	}
	// A phone linked here wins over a stale directory entry.
	_, err = s.repo.FindAccountByPhone(ctx, phone)
	return err == nil
}

// LocalTransfer moves funds between two accounts of this bank in one atomic step.
func (s *Service) LocalTransfer(ctx context.Context, intent domain.TransferIntent) (*domain.TransferResult, error) {
	amount, currency, err := s.validateIntent(intent)
	if err != nil {
		return nil, err
	}
	senderNumber := CanonicalAccountNumber(intent.SenderAccount)

	receiverNumber, err := s.resolver.ResolveParty(ctx, intent.Receiver)
	if err != nil {
		return nil, err
	}
	if !s.resolver.IsLocal(ExtractBankCode(receiverNumber)) {
		return nil, fmt.Errorf("%w: receiver %s does not bank here", ErrUnresolvedReceiver, receiverNumber)
	}
	if receiverNumber == senderNumber {
		return nil, validationError("sender and receiver must be different accounts")
	}

	sender, err := s.loadSender(ctx, senderNumber, currency, amount)
	if err != nil {
		return nil, err
	}
	receiver, err := s.repo.FindAccountByNumber(ctx, receiverNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find receiver account: %w", err)
	}
	if !strings.EqualFold(receiver.Currency, currency) {
		return nil, validationError("receiver account is held in %s", receiver.Currency)
	}

	txID := s.transactionID(intent)
	record := &domain.TransactionRecord{
		TransactionID:  txID,
		Timestamp:      s.now().UTC(),
		Type:           domain.RecordTypeLocalTransfer,
		FromIdentifier: sender.Number,
		ToIdentifier:   receiverNumber,
		Amount:         amount,
		Currency:       currency,
		Status:         domain.StatusCompleted,
		Notes:          intent.Description,
	}
	updated, err := s.repo.TransferLocal(ctx, sender.Number, receiverNumber, amount, record)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, fmt.Errorf("failed to transfer funds: %w", err)
	}

	log.Printf("level=info component=service msg=\"local transfer completed\" transaction_id=%s from=%s to=%s amount=%d", txID, sender.Number, receiverNumber, amount)
	s.publish(ctx, domain.EventTransferCompleted, recordEvent(record, ""))

	return &domain.TransferResult{
		TransactionID: txID,
		Status:        domain.StatusCompleted,
		NewBalance:    updated.Balance,
		Local:         true,
	}, nil
}

// SendTransfer debits the sender into a reservation and delivers the transfer to the
// receiver's bank. Failures after the reservation are returned as *TransferFailure.
func (s *Service) SendTransfer(ctx context.Context, intent domain.TransferIntent) (*domain.TransferResult, error) {
	amount, currency, err := s.validateIntent(intent)
	if err != nil {
		return nil, err
	}
	receiverBank, receiverIdentifier, err := s.outboundReceiver(intent.Receiver)
	if err != nil {
		return nil, err
	}

	sender, err := s.loadSender(ctx, CanonicalAccountNumber(intent.SenderAccount), currency, amount)
	if err != nil {
		return nil, err
	}

	txID := s.transactionID(intent)
	outgoing := &domain.TransactionRecord{
		TransactionID:  txID,
		Timestamp:      s.now().UTC(),
		Type:           domain.RecordTypeOutgoingDebit,
		FromIdentifier: sender.Number,
		ToIdentifier:   receiverIdentifier,
		Amount:         amount,
		Currency:       currency,
		Status:         domain.StatusPendingSend,
		Notes:          intent.Description,
	}
	if _, err := s.repo.ReserveDebit(ctx, sender.Number, amount, outgoing); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}
	log.Printf("level=info component=service msg=\"funds reserved\" transaction_id=%s account=%s amount=%d receiver_bank=%s", txID, sender.Number, amount, receiverBank)

	endpoint, secret, err := s.peerFor(receiverBank)
	if err != nil {
		return nil, s.failOutbound(ctx, outgoing, domain.RecordTypeFailedConfig, ErrConfiguration, err.Error())
	}

	msg := domain.TransferMessage{
		Version:       domain.ProtocolVersion,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
		TransactionID: txID,
		Sender: domain.Party{
			AccountNumber: sender.Number,
			BankCode:      s.cfg.BankCode,
			Name:          sender.OwnerName,
		},
		Receiver: domain.Party{
			AccountNumber: CanonicalAccountNumber(intent.Receiver.AccountNumber),
			PhoneNumber:   phoneOrEmpty(intent.Receiver.PhoneNumber),
			BankCode:      receiverBank,
			Name:          intent.Receiver.Name,
		},
		Amount:      domain.Amount{Value: domain.FromMinorUnits(amount), Currency: currency},
		Description: intent.Description,
	}
	msg.HMACSignature = Sign(sender.Number, msg.Timestamp, txID, msg.Amount.Value, secret)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, s.failOutbound(ctx, outgoing, domain.RecordTypeFailedConfig, ErrConfiguration, "encode message: "+err.Error())
	}
	if err := s.repo.UpdateOutboundMetadata(ctx, txID, store.UpdateRecordMetadataParams{HMACSent: &msg.HMACSignature}); err != nil {
		log.Printf("level=warn component=service msg=\"failed to store sent signature\" transaction_id=%s err=%v", txID, err)
	}

	reply, err := s.sender.Send(ctx, endpoint, payload)
	if err != nil {
		return nil, s.failOutbound(ctx, outgoing, domain.RecordTypeFailedTransport, ErrTransport, err.Error())
	}

	if !domain.IsAck(reply) {
		reason := domain.NackReason(reply)
		if err := s.repo.RejectOutbound(ctx, txID, reason); err != nil {
			log.Printf("level=error component=service msg=\"failed to record rejection\" transaction_id=%s err=%v", txID, err)
		}
		log.Printf("level=warn component=service msg=\"transfer rejected by peer\" transaction_id=%s bank=%s reason=%q", txID, receiverBank, reason)
		outgoing.Status = domain.StatusFailedAtReceiver
		s.publish(ctx, domain.EventTransferFailedAtReceiver, recordEvent(outgoing, reason))
		s.evaluate(ctx, txID)
		return nil, &TransferFailure{TransactionID: txID, Reason: reason, Err: ErrRemoteRejection}
	}

	settled, err := s.repo.CompleteOutbound(ctx, txID, strings.TrimSpace(reply))
	if err != nil {
		// The peer credited the receiver; the local ledger must be fixed by hand.
		log.Printf("level=error component=service msg=\"CRITICAL: peer acknowledged but settlement failed\" transaction_id=%s err=%v", txID, err)
		return nil, fmt.Errorf("failed to settle acknowledged transfer %s: %w", txID, err)
	}

	log.Printf("level=info component=service msg=\"transfer completed\" transaction_id=%s bank=%s amount=%d", txID, receiverBank, amount)
	outgoing.Status = domain.StatusCompleted
	s.publish(ctx, domain.EventTransferCompleted, recordEvent(outgoing, ""))
	s.evaluate(ctx, txID)

	return &domain.TransferResult{
		TransactionID: txID,
		Status:        domain.StatusCompleted,
		NewBalance:    settled.Balance,
		Reply:         strings.TrimSpace(reply),
	}, nil
}

// failOutbound audits a post-reservation failure. The outgoing record stays pending_send
// with its reservation held; the reconciliation policy decides what happens to it.
func (s *Service) failOutbound(ctx context.Context, outgoing *domain.TransactionRecord, recordType string, kind error, detail string) error {
	failure := &domain.TransactionRecord{
		TransactionID:  outgoing.TransactionID,
		Timestamp:      s.now().UTC(),
		Type:           recordType,
		FromIdentifier: outgoing.FromIdentifier,
		ToIdentifier:   outgoing.ToIdentifier,
		Amount:         outgoing.Amount,
		Currency:       outgoing.Currency,
		Status:         domain.StatusSendFailed,
		Notes:          detail,
	}
	if err := s.repo.LogTransaction(ctx, failure); err != nil {
		log.Printf("level=error component=service msg=\"failed to log outbound failure\" transaction_id=%s type=%s err=%v", outgoing.TransactionID, recordType, err)
	}
	log.Printf("level=warn component=service msg=\"outbound transfer failed after debit\" transaction_id=%s type=%s detail=%q", outgoing.TransactionID, recordType, detail)

	s.publish(ctx, domain.EventTransferSendFailed, recordEvent(failure, detail))
	s.evaluate(ctx, outgoing.TransactionID)
	return &TransferFailure{TransactionID: outgoing.TransactionID, Reason: detail, Err: kind}
}

func (s *Service) evaluate(ctx context.Context, txID string) {
	if s.reconciler == nil {
		return
	}
	if _, err := s.reconciler.Evaluate(ctx, txID); err != nil {
		log.Printf("level=error component=service msg=\"reconciliation evaluation failed\" transaction_id=%s err=%v", txID, err)
	}
}

func (s *Service) peerFor(bankCode string) (peer.Endpoint, string, error) {
	if s.banks == nil {
		return peer.Endpoint{}, "", errors.New("no bank registry configured")
	}
	endpoint, err := s.banks.Endpoint(bankCode)
	if err != nil {
		return peer.Endpoint{}, "", err
	}
	secret, err := s.banks.SecretFor(bankCode)
	if err != nil {
		return peer.Endpoint{}, "", err
	}
	return endpoint, secret, nil
}

// validateIntent checks everything that can be checked without touching the ledger and
// returns the amount in minor units and the effective currency.
func (s *Service) validateIntent(intent domain.TransferIntent) (int64, string, error) {
	senderNumber := CanonicalAccountNumber(intent.SenderAccount)
	if senderNumber == "" {
		return 0, "", validationError("sender_account is required")
	}
	if err := ValidateAccountNumber(senderNumber); err != nil {
		return 0, "", fmt.Errorf("%w: sender: %w", ErrValidation, err)
	}
	if !s.resolver.IsLocal(ExtractBankCode(senderNumber)) {
		return 0, "", validationError("sender account %s does not belong to this bank", senderNumber)
	}

	if !intent.Receiver.HasSingleIdentifier() {
		return 0, "", validationError("receiver needs exactly one of account_number or phone_number")
	}
	if strings.TrimSpace(intent.Receiver.AccountNumber) != "" {
		if err := ValidateAccountNumber(CanonicalAccountNumber(intent.Receiver.AccountNumber)); err != nil {
			return 0, "", fmt.Errorf("%w: receiver: %w", ErrValidation, err)
		}
	} else if _, err := NormalizePhone(intent.Receiver.PhoneNumber); err != nil {
		return 0, "", fmt.Errorf("%w: receiver: %w", ErrValidation, err)
	}

	currency := strings.ToUpper(strings.TrimSpace(intent.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if currency != s.cfg.DefaultCurrency {
		return 0, "", validationError("currency %s is not supported", currency)
	}

	if !intent.Amount.IsPositive() {
		return 0, "", validationError("amount must be greater than zero")
	}
	if !s.cfg.MinAmount.IsZero() && intent.Amount.LessThan(s.cfg.MinAmount) {
		return 0, "", validationError("amount is below the minimum of %s", domain.FormatAmount(s.cfg.MinAmount))
	}
	if !s.cfg.MaxAmount.IsZero() && intent.Amount.GreaterThan(s.cfg.MaxAmount) {
		return 0, "", validationError("amount exceeds the maximum of %s", domain.FormatAmount(s.cfg.MaxAmount))
	}
	amount, err := domain.ToMinorUnits(intent.Amount)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return amount, currency, nil
}

// outboundReceiver returns the receiver's bank and the identifier recorded for it.
func (s *Service) outboundReceiver(receiver domain.Party) (string, string, error) {
	if number := CanonicalAccountNumber(receiver.AccountNumber); number != "" {
		return ExtractBankCode(number), number, nil
	}
	phone, err := NormalizePhone(receiver.PhoneNumber)
	if err != nil {
		return "", "", fmt.Errorf("%w: receiver: %w", ErrValidation, err)
	}
	bank := strings.TrimSpace(receiver.BankCode)
	sub, listed := s.remotePhone(phone)
	switch {
	case bank == "" && listed:
		return sub.BankCode, phone, nil
	case bank == "":
		return "", "", fmt.Errorf("%w: phone %s is not registered at another bank", ErrUnresolvedReceiver, phone)
	case listed && domain.NormalizeBankCode(sub.BankCode) != domain.NormalizeBankCode(bank):
		return "", "", validationError("phone %s is registered at bank %s, not %s", phone, sub.BankCode, bank)
	}
	return bank, phone, nil
}

// loadSender loads the sender account and checks currency and available funds. Nothing
// is mutated.
func (s *Service) loadSender(ctx context.Context, number, currency string, amount int64) (*domain.Account, error) {
	sender, err := s.repo.FindAccountByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to find sender account: %w", err)
	}
	if !strings.EqualFold(sender.Currency, currency) {
		return nil, validationError("sender account is held in %s", sender.Currency)
	}
	if sender.Balance < amount {
		log.Printf("level=warn component=service msg=\"insufficient funds\" account=%s balance=%d amount=%d", sender.Number, sender.Balance, amount)
		return nil, store.ErrInsufficientFunds
	}
	return sender, nil
}

func (s *Service) transactionID(intent domain.TransferIntent) string {
	if id := strings.TrimSpace(intent.TransactionID); id != "" {
		return id
	}
	return uuid.New().String()
}

func (s *Service) publish(ctx context.Context, routingKey string, event domain.TransferEvent) {
	publishEvent(ctx, s.producer, s.cfg.EventExchange, routingKey, event)
}

func recordEvent(record *domain.TransactionRecord, reason string) domain.TransferEvent {
	return domain.TransferEvent{
		TransactionID: record.TransactionID,
		Type:          record.Type,
		Status:        record.Status,
		From:          record.FromIdentifier,
		To:            record.ToIdentifier,
		Amount:        record.Amount,
		Currency:      record.Currency,
		Reason:        reason,
		OccurredAt:    record.Timestamp,
	}
}

func phoneOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	phone, err := NormalizePhone(raw)
	if err != nil {
		return ""
	}
	return phone
}
