/**
 * @description
 * Message authentication between banks. Every transfer message carries an HMAC-SHA256
 * over `sender|timestamp|transaction_id|amount`, keyed with the secret shared by the
 * two banks. Amounts are signed in their canonical two-decimal form so both sides
 * agree regardless of how the JSON number was written; sub-cent amounts are signed
 * exactly as given.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: Standard Go libraries.
 * - github.com/shopspring/decimal: Canonical amount rendering.
 */
package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/sinpe-service/internal/domain"
)

// SecretSource returns the secret shared with a remote bank.
type SecretSource interface {
	SecretFor(bankCode string) (string, error)
}

// Authenticator signs and verifies transfer messages with per-bank-pair secrets.
type Authenticator struct {
	secrets     SecretSource
	localBank   string
	localSecret string
}

func NewAuthenticator(secrets SecretSource, localBankCode, localSecret string) *Authenticator {
	return &Authenticator{
		secrets:     secrets,
		localBank:   domain.NormalizeBankCode(localBankCode),
		localSecret: localSecret,
	}
}

// SecretFor returns the key shared with bankCode. The local bank uses its own secret;
// unknown banks and empty secrets are errors.
func (a *Authenticator) SecretFor(bankCode string) (string, error) {
	code := domain.NormalizeBankCode(bankCode)
	if code == "" {
		return "", fmt.Errorf("%w: missing bank code", ErrAuthentication)
	}
	if code == a.localBank {
		if a.localSecret == "" {
			return "", fmt.Errorf("%w: local secret not configured", ErrAuthentication)
		}
		return a.localSecret, nil
	}
	if a.secrets == nil {
		return "", fmt.Errorf("%w: no secret for bank %s", ErrAuthentication, bankCode)
	}
	secret, err := a.secrets.SecretFor(bankCode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return secret, nil
}

// Sign computes the lowercase hex HMAC-SHA256 of the signed fields.
func Sign(senderIdentifier, timestamp, transactionID string, amount decimal.Decimal, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput(senderIdentifier, timestamp, transactionID, amount)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature from msg and compares it in constant time. Any
// missing field fails verification.
func Verify(msg *domain.TransferMessage, providedSignature, secret string) bool {
	if msg == nil || secret == "" {
		return false
	}
	sender := msg.Sender.Identifier()
	provided := strings.ToLower(strings.TrimSpace(providedSignature))
	if sender == "" || strings.TrimSpace(msg.Timestamp) == "" || strings.TrimSpace(msg.TransactionID) == "" || provided == "" {
		return false
	}
	if msg.Amount.Value.IsZero() {
		return false
	}

	expected := Sign(sender, msg.Timestamp, msg.TransactionID, msg.Amount.Value, secret)
	return hmac.Equal([]byte(expected), []byte(provided))
}

func signingInput(senderIdentifier, timestamp, transactionID string, amount decimal.Decimal) string {
	return strings.Join([]string{senderIdentifier, timestamp, transactionID, canonicalAmount(amount)}, "|")
}

// canonicalAmount renders whole-céntimo amounts with exactly two decimals and anything
// finer verbatim, so a sub-cent amount never shares a signature with its rounded value.
func canonicalAmount(amount decimal.Decimal) string {
	if amount.Equal(amount.Truncate(domain.MinorUnitExponent)) {
		return domain.FormatAmount(amount)
	}
	return amount.String()
}
