package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

// HandleInbound processes one transfer message received from a peer bank and returns
// the reply line. Gates run in order: parse, authenticate, validate amount, resolve the
// receiver, load the account, move money. Nothing is mutated before authentication.
func (s *Service) HandleInbound(ctx context.Context, payload []byte) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=inbound msg=\"panic while handling transfer\" panic=%v", r)
			reply = domain.ReplyInternalError
		}
	}()

	msg, err := parseTransferMessage(payload)
	if err != nil {
		log.Printf("level=warn component=inbound outcome=reject reason=malformed err=%v", err)
		return domain.ReplyMalformed
	}

	if err := s.authenticate(msg); err != nil {
		log.Printf("level=warn component=inbound outcome=reject reason=invalid_signature transaction_id=%s err=%v", msg.TransactionID, err)
		s.rejectInbound(ctx, msg, domain.RecordTypeFailedAuth, 0, err.Error())
		return domain.ReplyInvalidSignature
	}

	amount, err := domain.ToMinorUnits(msg.Amount.Value)
	if err == nil && amount <= 0 {
		err = errors.New("amount must be greater than zero")
	}
	if err == nil && !s.cfg.MaxAmount.IsZero() && msg.Amount.Value.GreaterThan(s.cfg.MaxAmount) {
		err = fmt.Errorf("amount exceeds the maximum of %s", domain.FormatAmount(s.cfg.MaxAmount))
	}
	if err == nil && strings.TrimSpace(msg.Amount.Currency) == "" {
		err = errors.New("amount currency is required")
	}
	if err != nil {
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, 0, "invalid amount: "+err.Error())
		return domain.ReplyMalformed
	}

	receiverNumber, err := s.resolveInboundReceiver(ctx, msg.Receiver)
	if err != nil {
		if !errors.Is(err, ErrUnresolvedReceiver) && !errors.Is(err, ErrMalformedIdentifier) {
			log.Printf("level=error component=inbound msg=\"receiver resolution failed\" transaction_id=%s err=%v", msg.TransactionID, err)
			return domain.ReplyInternalError
		}
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, err.Error())
		return domain.ReplyUnresolved
	}

	receiver, err := s.repo.FindAccountByNumber(ctx, receiverNumber)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, "account not found: "+receiverNumber)
			return domain.ReplyAccountNotFound
		}
		log.Printf("level=error component=inbound msg=\"account lookup failed\" transaction_id=%s err=%v", msg.TransactionID, err)
		return domain.ReplyInternalError
	}
	if !strings.EqualFold(receiver.Currency, strings.TrimSpace(msg.Amount.Currency)) {
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, fmt.Sprintf("currency %s does not match account currency %s", msg.Amount.Currency, receiver.Currency))
		return domain.ReplyCurrencyMismatch
	}

	if senderNumber, ok := s.localSender(msg.Sender); ok {
		return s.settleLocalInbound(ctx, msg, senderNumber, receiver.Number, amount)
	}
	return s.creditInbound(ctx, msg, receiver.Number, amount)
}

func parseTransferMessage(payload []byte) (*domain.TransferMessage, error) {
	var msg domain.TransferMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.TransactionID) == "" {
		return nil, errors.New("transaction_id is required")
	}
	if !msg.Sender.HasSingleIdentifier() {
		return nil, errors.New("sender needs exactly one identifier")
	}
	if !msg.Receiver.HasSingleIdentifier() {
		return nil, errors.New("receiver needs exactly one identifier")
	}
	return &msg, nil
}

func (s *Service) authenticate(msg *domain.TransferMessage) error {
	secret, err := s.auth.SecretFor(PartyBankCode(msg.Sender))
	if err != nil {
		return err
	}
	if !Verify(msg, msg.HMACSignature, secret) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return nil
}

// resolveInboundReceiver only accepts receivers that bank here.
func (s *Service) resolveInboundReceiver(ctx context.Context, receiver domain.Party) (string, error) {
	if code := strings.TrimSpace(receiver.BankCode); code != "" && !s.resolver.IsLocal(code) {
		return "", fmt.Errorf("%w: receiver bank %s is not this bank", ErrUnresolvedReceiver, code)
	}
	number, err := s.resolver.ResolveParty(ctx, receiver)
	if err != nil {
		return "", err
	}
	if !s.resolver.IsLocal(ExtractBankCode(number)) {
		return "", fmt.Errorf("%w: account %s belongs to another bank", ErrUnresolvedReceiver, number)
	}
	return number, nil
}

// localSender reports whether the message was sent on behalf of one of this bank's
// accounts, in which case the transfer settles as a local one.
func (s *Service) localSender(sender domain.Party) (string, bool) {
	number := CanonicalAccountNumber(sender.AccountNumber)
	if number == "" || ValidateAccountNumber(number) != nil {
		return "", false
	}
	return number, s.resolver.IsLocal(ExtractBankCode(number))
}

func (s *Service) settleLocalInbound(ctx context.Context, msg *domain.TransferMessage, senderNumber, receiverNumber string, amount int64) string {
	if senderNumber == receiverNumber {
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, "sender and receiver are the same account")
		return domain.ReplyMalformed
	}

	record := s.inboundRecord(msg, domain.RecordTypeLocalTransfer, amount)
	record.FromIdentifier = senderNumber
	record.ToIdentifier = receiverNumber
	record.Status = domain.StatusCompleted

	_, err := s.repo.TransferLocal(ctx, senderNumber, receiverNumber, amount, record)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateTransaction):
		log.Printf("level=info component=inbound msg=\"duplicate delivery acknowledged\" transaction_id=%s", msg.TransactionID)
		return domain.ReplyCompleted
	case errors.Is(err, store.ErrInsufficientFunds):
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, "insufficient funds in "+senderNumber)
		return domain.ReplyInsufficientFunds
	case errors.Is(err, store.ErrAccountNotFound):
		s.rejectInbound(ctx, msg, domain.RecordTypeIncomingRejected, amount, "sender account not found: "+senderNumber)
		return domain.ReplyAccountNotFound
	default:
		log.Printf("level=error component=inbound msg=\"local settlement failed\" transaction_id=%s err=%v", msg.TransactionID, err)
		return domain.ReplyInternalError
	}

	log.Printf("level=info component=inbound msg=\"local transfer settled\" transaction_id=%s from=%s to=%s amount=%d", msg.TransactionID, senderNumber, receiverNumber, amount)
	s.publish(ctx, domain.EventIncomingCompleted, recordEvent(record, ""))
	return domain.ReplyCompleted
}

func (s *Service) creditInbound(ctx context.Context, msg *domain.TransferMessage, receiverNumber string, amount int64) string {
	record := s.inboundRecord(msg, domain.RecordTypeIncomingCredit, amount)
	record.ToIdentifier = receiverNumber
	record.Status = domain.StatusCompleted

	_, err := s.repo.CreditAccount(ctx, receiverNumber, amount, record)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			log.Printf("level=info component=inbound msg=\"duplicate delivery acknowledged\" transaction_id=%s", msg.TransactionID)
			return domain.ReplyCompleted
		}
		log.Printf("level=error component=inbound msg=\"credit failed\" transaction_id=%s err=%v", msg.TransactionID, err)
		return domain.ReplyInternalError
	}

	log.Printf("level=info component=inbound msg=\"incoming transfer credited\" transaction_id=%s to=%s amount=%d sender_bank=%s", msg.TransactionID, receiverNumber, amount, PartyBankCode(msg.Sender))
	s.publish(ctx, domain.EventIncomingCompleted, recordEvent(record, ""))
	return domain.ReplyCompleted
}

func (s *Service) inboundRecord(msg *domain.TransferMessage, recordType string, amount int64) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		TransactionID:  msg.TransactionID,
		Timestamp:      s.now().UTC(),
		Type:           recordType,
		FromIdentifier: msg.Sender.Identifier(),
		ToIdentifier:   msg.Receiver.Identifier(),
		Amount:         amount,
		Currency:       strings.ToUpper(strings.TrimSpace(msg.Amount.Currency)),
		HMACReceived:   msg.HMACSignature,
		Notes:          msg.Description,
	}
}

// rejectInbound writes the audit record for a refused message. No balance changes.
func (s *Service) rejectInbound(ctx context.Context, msg *domain.TransferMessage, recordType string, amount int64, reason string) {
	if amount == 0 {
		if converted, err := domain.ToMinorUnits(msg.Amount.Value); err == nil {
			amount = converted
		}
	}
	record := s.inboundRecord(msg, recordType, amount)
	record.Status = domain.StatusRejected
	record.Notes = reason

	if err := s.repo.LogTransaction(ctx, record); err != nil {
		log.Printf("level=error component=inbound msg=\"failed to log rejection\" transaction_id=%s err=%v", msg.TransactionID, err)
	}
	log.Printf("level=warn component=inbound outcome=reject transaction_id=%s type=%s reason=%q", msg.TransactionID, recordType, reason)
	s.publish(ctx, domain.EventIncomingRejected, recordEvent(record, reason))
}
