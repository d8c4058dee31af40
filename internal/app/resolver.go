package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

// Identifier kinds accepted by Resolve.
const (
	IdentifierAccount = "account"
	IdentifierPhone   = "phone"
)

const (
	accountNumberLength = 24
	bankCodeOffset      = 4
	bankCodeLength      = 4
	phoneDigits         = 8
)

// PhoneDirectory looks up the account linked to a phone number.
type PhoneDirectory interface {
	FindAccountByPhone(ctx context.Context, phone string) (*domain.Account, error)
}

// Resolver turns a receiver identifier into an account number of this bank.
type Resolver struct {
	phones    PhoneDirectory
	localBank string
}

func NewResolver(phones PhoneDirectory, localBankCode string) *Resolver {
	return &Resolver{phones: phones, localBank: domain.NormalizeBankCode(localBankCode)}
}

// Resolve maps (kind, value) to an account number. Account numbers are validated and
// returned as given; phones are normalised and looked up in the phone link table.
func (r *Resolver) Resolve(ctx context.Context, kind, value string) (string, error) {
	switch kind {
	case IdentifierAccount:
		number := CanonicalAccountNumber(value)
		if err := ValidateAccountNumber(number); err != nil {
			return "", err
		}
		return number, nil
	case IdentifierPhone:
		phone, err := NormalizePhone(value)
		if err != nil {
			return "", err
		}
		account, err := r.phones.FindAccountByPhone(ctx, phone)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return "", fmt.Errorf("%w: no account linked to phone %s", ErrUnresolvedReceiver, phone)
			}
			return "", fmt.Errorf("phone lookup: %w", err)
		}
		return account.Number, nil
	default:
		return "", fmt.Errorf("%w: unknown identifier kind %q", ErrMalformedIdentifier, kind)
	}
}

// ResolveParty resolves whichever identifier the party carries.
func (r *Resolver) ResolveParty(ctx context.Context, party domain.Party) (string, error) {
	if !party.HasSingleIdentifier() {
		return "", fmt.Errorf("%w: exactly one of account_number or phone_number is required", ErrMalformedIdentifier)
	}
	if strings.TrimSpace(party.AccountNumber) != "" {
		return r.Resolve(ctx, IdentifierAccount, party.AccountNumber)
	}
	return r.Resolve(ctx, IdentifierPhone, party.PhoneNumber)
}

// IsLocal reports whether bankCode names this node's bank.
func (r *Resolver) IsLocal(bankCode string) bool {
	code := domain.NormalizeBankCode(bankCode)
	return code != "" && code == r.localBank
}

// PartyBankCode is the bank a party belongs to: the bank embedded in its account number
// when present, else its declared bank code.
func PartyBankCode(party domain.Party) string {
	if number := CanonicalAccountNumber(party.AccountNumber); number != "" && ValidateAccountNumber(number) == nil {
		return ExtractBankCode(number)
	}
	return strings.TrimSpace(party.BankCode)
}

// ExtractBankCode returns the 4-digit bank code embedded in an account number.
func ExtractBankCode(accountNumber string) string {
	if len(accountNumber) < bankCodeOffset+bankCodeLength {
		return ""
	}
	return accountNumber[bankCodeOffset : bankCodeOffset+bankCodeLength]
}

// CanonicalAccountNumber removes grouping spaces and upper-cases the country prefix.
func CanonicalAccountNumber(value string) string {
	return strings.ToUpper(strings.Join(strings.Fields(value), ""))
}

// ValidateAccountNumber checks the CR + 22 digit structure.
func ValidateAccountNumber(number string) error {
	if len(number) != accountNumberLength || !strings.HasPrefix(number, "CR") {
		return fmt.Errorf("%w: account number must be CR followed by 22 digits", ErrMalformedIdentifier)
	}
	if !isDigits(number[2:]) {
		return fmt.Errorf("%w: account number must be CR followed by 22 digits", ErrMalformedIdentifier)
	}
	return nil
}

// NormalizePhone strips everything but digits and checks the national numbering plan.
func NormalizePhone(raw string) (string, error) {
	phone := domain.PhoneDigits(raw)
	if len(phone) != phoneDigits {
		return "", fmt.Errorf("%w: phone number must have %d digits", ErrMalformedIdentifier, phoneDigits)
	}
	switch phone[0] {
	case '2', '4', '5', '6', '7', '8':
		return phone, nil
	default:
		return "", fmt.Errorf("%w: phone number has an invalid prefix", ErrMalformedIdentifier)
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
