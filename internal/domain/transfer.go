package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ProtocolVersion is the wire version written into every outbound message.
const ProtocolVersion = "1.0"

// Reply lines written back on a peer connection.
const (
	ReplyCompleted         = "ACK: transaction completed"
	ReplyMalformed         = "NACK: malformed message"
	ReplyInvalidSignature  = "NACK: invalid signature"
	ReplyUnresolved        = "NACK: unresolved receiver"
	ReplyAccountNotFound   = "NACK: account not found"
	ReplyInsufficientFunds = "NACK: insufficient funds"
	ReplyCurrencyMismatch  = "NACK: currency mismatch"
	ReplyInternalError     = "NACK: internal error"
	ReplyServerBusy        = "NACK: server busy"
	ReplyRateLimited       = "NACK: rate limited"
)

// Party identifies one side of a transfer. Exactly one of AccountNumber and PhoneNumber
// is expected to be set.
type Party struct {
	AccountNumber string `json:"account_number,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	BankCode      string `json:"bank_code"`
	Name          string `json:"name"`
}

// Identifier returns whichever identifier the party carries, preferring the account number.
func (p Party) Identifier() string {
	if strings.TrimSpace(p.AccountNumber) != "" {
		return strings.TrimSpace(p.AccountNumber)
	}
	return strings.TrimSpace(p.PhoneNumber)
}

// HasSingleIdentifier reports whether exactly one identifier form is present.
func (p Party) HasSingleIdentifier() bool {
	hasAccount := strings.TrimSpace(p.AccountNumber) != ""
	hasPhone := strings.TrimSpace(p.PhoneNumber) != ""
	return hasAccount != hasPhone
}

// Amount is the wire amount. Value is rendered as a JSON number with two decimals.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value    json.Number `json:"value"`
		Currency string      `json:"currency"`
	}{
		Value:    json.Number(FormatAmount(a.Value)),
		Currency: a.Currency,
	})
}

// TransferMessage is the payload exchanged between banks, one per connection.
type TransferMessage struct {
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	TransactionID string `json:"transaction_id"`
	Sender        Party  `json:"sender"`
	Receiver      Party  `json:"receiver"`
	Amount        Amount `json:"amount"`
	Description   string `json:"description"`
	HMACSignature string `json:"hmac_signature"`
}

// IsAck reports whether a peer reply acknowledges the transfer.
func IsAck(reply string) bool {
	return strings.HasPrefix(strings.TrimSpace(reply), "ACK")
}

// NackReason extracts the reason of a negative reply ("NACK: <reason>").
func NackReason(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if idx := strings.Index(trimmed, ":"); idx >= 0 && strings.HasPrefix(trimmed, "NACK") {
		return strings.TrimSpace(trimmed[idx+1:])
	}
	if trimmed == "" {
		return "empty reply"
	}
	return trimmed
}

// TransferIntent is a validated request to move money, handed to the orchestrator by
// the Transfer API or the CLI.
type TransferIntent struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	SenderAccount string          `json:"sender_account"`
	Receiver      Party           `json:"receiver"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
}

// TransferResult is returned for every transfer attempt that reached the ledger.
type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	NewBalance    int64  `json:"new_balance"`
	Reply         string `json:"reply,omitempty"`
	Local         bool   `json:"local"`
}

// NormalizeBankCode strips surrounding whitespace and leading zeros so that "0152" and
// "152" name the same bank.
func NormalizeBankCode(code string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(code), "0")
	if trimmed == "" && strings.TrimSpace(code) != "" {
		return "0"
	}
	return trimmed
}

// PhoneDigits strips everything but digits from a phone number, so "8888-7777" and
// "88887777" name the same link.
func PhoneDigits(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// PhoneSubscription names the bank a SINPE Movil phone is registered at.
type PhoneSubscription struct {
	Phone    string `json:"phone" yaml:"phone"`
	BankCode string `json:"bank_code" yaml:"bank_code"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Local    bool   `json:"local" yaml:"-"`
}
