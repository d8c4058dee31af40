package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSeedFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	return path
}

func TestSeedMemoryRepository_NormalisesPhoneLinks(t *testing.T) {
	path := writeSeedFile(t, `
accounts:
  - number: CR2101520001123456789012
    owner_name: Ana
    balance: "1000.00"
    phone: "8888-7777"
  - number: CR2101520001123456789014
    owner_name: Luis
    balance: "50"
    currency: usd
`)

	repo := NewMemoryRepository()
	count, err := SeedMemoryRepository(repo, path, "CRC")
	if err != nil {
		t.Fatalf("expected seed to load, got %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 accounts, got %d", count)
	}

	for _, lookup := range []string{"88887777", "8888-7777", " 8888 7777 "} {
		account, err := repo.FindAccountByPhone(context.Background(), lookup)
		if err != nil {
			t.Fatalf("expected phone %q to resolve, got %v", lookup, err)
		}
		if account.Number != "CR2101520001123456789012" {
			t.Fatalf("expected phone %q to resolve to account A, got %s", lookup, account.Number)
		}
		if account.LinkedPhone == nil || *account.LinkedPhone != "88887777" {
			t.Fatalf("expected stored phone link 88887777, got %v", account.LinkedPhone)
		}
	}

	other, err := repo.FindAccountByNumber(context.Background(), "CR2101520001123456789014")
	if err != nil {
		t.Fatalf("expected second account, got %v", err)
	}
	if other.Balance != 5000 || other.Currency != "USD" {
		t.Fatalf("expected 5000 USD, got %d %s", other.Balance, other.Currency)
	}
	if other.LinkedPhone != nil {
		t.Fatalf("expected no phone link, got %s", *other.LinkedPhone)
	}
}

func TestLoadSeedAccounts_RejectsBadBalances(t *testing.T) {
	tests := []struct {
		name    string
		balance string
	}{
		{name: "not a number", balance: "lots"},
		{name: "sub-cent", balance: "1.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSeedFile(t, "accounts:\n  - number: CR2101520001123456789012\n    balance: \""+tt.balance+"\"\n")
			if _, err := LoadSeedAccounts(path, "CRC"); err == nil {
				t.Fatalf("expected error for balance %q", tt.balance)
			}
		})
	}
}
