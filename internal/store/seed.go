package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/sinpe-service/internal/domain"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Number    string `yaml:"number"`
	OwnerName string `yaml:"owner_name"`
	Balance   string `yaml:"balance"`
	Currency  string `yaml:"currency"`
	Phone     string `yaml:"phone"`
}

// LoadSeedAccounts reads a YAML fixture of accounts (balances in major units, e.g. "1000.00").
func LoadSeedAccounts(path string, defaultCurrency string) ([]domain.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	accounts := make([]domain.Account, 0, len(file.Accounts))
	for _, item := range file.Accounts {
		balance, err := decimal.NewFromString(strings.TrimSpace(item.Balance))
		if err != nil {
			return nil, fmt.Errorf("seed account %s: invalid balance %q: %w", item.Number, item.Balance, err)
		}
		minor, err := domain.ToMinorUnits(balance)
		if err != nil {
			return nil, fmt.Errorf("seed account %s: %w", item.Number, err)
		}

		currency := strings.ToUpper(strings.TrimSpace(item.Currency))
		if currency == "" {
			currency = defaultCurrency
		}

		account := domain.Account{
			Number:    strings.TrimSpace(item.Number),
			OwnerName: strings.TrimSpace(item.OwnerName),
			Balance:   minor,
			Currency:  currency,
		}
		if phone := domain.PhoneDigits(item.Phone); phone != "" {
			account.LinkedPhone = &phone
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// SeedMemoryRepository loads the fixture at path into repo.
func SeedMemoryRepository(repo *MemoryRepository, path string, defaultCurrency string) (int, error) {
	accounts, err := LoadSeedAccounts(path, defaultCurrency)
	if err != nil {
		return 0, err
	}
	for _, account := range accounts {
		if err := repo.AddAccount(account); err != nil {
			return 0, err
		}
	}
	return len(accounts), nil
}
