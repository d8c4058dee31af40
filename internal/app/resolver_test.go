package app

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

type stubPhoneDirectory struct {
	accounts map[string]string
	err      error
}

func (s stubPhoneDirectory) FindAccountByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	number, ok := s.accounts[phone]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &domain.Account{Number: number}, nil
}

func TestValidateAccountNumber(t *testing.T) {
	tests := []struct {
		name    string
		number  string
		wantErr bool
	}{
		{name: "valid", number: testAccountA},
		{name: "too short", number: "CR210152", wantErr: true},
		{name: "wrong country", number: "US2101520001000000000001", wantErr: true},
		{name: "letters in body", number: "CR21015200010000000000AB", wantErr: true},
		{name: "empty", number: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccountNumber(tt.number)
			if tt.wantErr && !errors.Is(err, ErrMalformedIdentifier) {
				t.Fatalf("expected ErrMalformedIdentifier, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "88887777", want: "88887777"},
		{raw: "8888-7777", want: "88887777"},
		{raw: " 2222 3333 ", want: "22223333"},
		{raw: "18887777", wantErr: true},
		{raw: "3888777", wantErr: true},
		{raw: "888877776", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedIdentifier) {
					t.Fatalf("expected ErrMalformedIdentifier, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %q, got %q (err %v)", tt.want, got, err)
			}
		})
	}
}

func TestExtractBankCodeAndPartyBankCode(t *testing.T) {
	if got := ExtractBankCode(testAccountA); got != "0152" {
		t.Fatalf("expected 0152, got %q", got)
	}
	if got := ExtractBankCode("CR21"); got != "" {
		t.Fatalf("expected empty code for short input, got %q", got)
	}
	if got := PartyBankCode(domain.Party{AccountNumber: testRemoteAccount, BankCode: "0152"}); got != "0200" {
		t.Fatalf("expected embedded bank code to win, got %q", got)
	}
	if got := PartyBankCode(domain.Party{PhoneNumber: testPhoneB, BankCode: "0300"}); got != "0300" {
		t.Fatalf("expected declared bank code for phone party, got %q", got)
	}
}

func TestResolver_Resolve(t *testing.T) {
	resolver := NewResolver(stubPhoneDirectory{accounts: map[string]string{testPhoneB: testAccountB}}, testLocalBank)

	tests := []struct {
		name    string
		kind    string
		value   string
		want    string
		wantErr error
	}{
		{name: "account", kind: IdentifierAccount, value: "cr21 0152 0001 0000 0000 0001", want: testAccountA},
		{name: "linked phone", kind: IdentifierPhone, value: "8888-7777", want: testAccountB},
		{name: "unlinked phone", kind: IdentifierPhone, value: "87776666", wantErr: ErrUnresolvedReceiver},
		{name: "malformed phone", kind: IdentifierPhone, value: "123", wantErr: ErrMalformedIdentifier},
		{name: "malformed account", kind: IdentifierAccount, value: "CR00", wantErr: ErrMalformedIdentifier},
		{name: "unknown kind", kind: "email", value: "a@b.c", wantErr: ErrMalformedIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(context.Background(), tt.kind, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %q, got %q (err %v)", tt.want, got, err)
			}
		})
	}
}

func TestResolver_PhoneLookupFailureIsNotUnresolved(t *testing.T) {
	resolver := NewResolver(stubPhoneDirectory{err: errors.New("connection reset")}, testLocalBank)
	_, err := resolver.Resolve(context.Background(), IdentifierPhone, testPhoneB)
	if err == nil || errors.Is(err, ErrUnresolvedReceiver) {
		t.Fatalf("expected a lookup error distinct from ErrUnresolvedReceiver, got %v", err)
	}
}

func TestResolver_IsLocal(t *testing.T) {
	resolver := NewResolver(nil, "0152")
	for code, want := range map[string]bool{"0152": true, "152": true, "0200": false, "": false} {
		if got := resolver.IsLocal(code); got != want {
			t.Fatalf("IsLocal(%q): expected %t, got %t", code, want, got)
		}
	}
}

func TestResolver_ResolvesPhoneLinkedWithSeparators(t *testing.T) {
	repo := store.NewMemoryRepository()
	phone := "8888-7777"
	if err := repo.AddAccount(domain.Account{Number: testAccountB, OwnerName: "Luis", Currency: "CRC", LinkedPhone: &phone}); err != nil {
		t.Fatalf("failed to add account: %v", err)
	}

	resolver := NewResolver(repo, testLocalBank)
	for _, value := range []string{"8888-7777", "88887777"} {
		got, err := resolver.Resolve(context.Background(), IdentifierPhone, value)
		if err != nil {
			t.Fatalf("expected %q to resolve, got %v", value, err)
		}
		if got != testAccountB {
			t.Fatalf("expected %s, got %s", testAccountB, got)
		}
	}
}
