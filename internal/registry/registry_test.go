package registry

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/transfa/sinpe-service/internal/domain"
)

func writeTestAnchor(t *testing.T, dir string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "bank-b.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		DNSNames:              []string{"bank-b.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	path := filepath.Join(dir, "bank-b.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("failed to write anchor: %v", err)
	}
	return path
}

func writeRegistry(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "banks.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write registry: %v", err)
	}
	return path
}

func TestLoad_ResolvesEntries(t *testing.T) {
	dir := t.TempDir()
	anchor := writeTestAnchor(t, dir)
	badAnchor := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(badAnchor, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("failed to write bad anchor: %v", err)
	}
	t.Setenv("BANK_0200_SECRET", "from-env")

	path := writeRegistry(t, dir, `
banks:
  - bank_code: "0152"
    name: Banco B
    host: 10.0.0.5
    port: 9443
    server_name: bank-b.test
    trust_anchor: `+anchor+`
    secret: shared-b
  - bank_code: "0200"
    name: Banco C
    host: bank-c.test
    port: 9443
    trust_anchor: `+badAnchor+`
    secret_env: BANK_0200_SECRET
phones:
  - phone: "8496-6164"
    bank_code: "0200"
    name: Test User External
`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("expected registry to load, got %v", err)
	}

	entry, err := reg.Lookup("152")
	if err != nil {
		t.Fatalf("expected lookup by unpadded code to succeed, got %v", err)
	}
	if entry.Name != "Banco B" || entry.Address() != "10.0.0.5:9443" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	endpoint, err := reg.Endpoint("0152")
	if err != nil {
		t.Fatalf("expected endpoint, got %v", err)
	}
	if endpoint.TLSConfig.ServerName != "bank-b.test" {
		t.Fatalf("expected server name bank-b.test, got %q", endpoint.TLSConfig.ServerName)
	}
	if endpoint.TLSConfig.RootCAs == nil {
		t.Fatal("expected root CAs from trust anchor")
	}

	if _, err := reg.Endpoint("0200"); !errors.Is(err, ErrInvalidTrustAnchor) {
		t.Fatalf("expected ErrInvalidTrustAnchor for unreadable anchor, got %v", err)
	}
	secret, err := reg.SecretFor("0200")
	if err != nil || secret != "from-env" {
		t.Fatalf("expected secret from env, got %q (%v)", secret, err)
	}

	if _, err := reg.Lookup("9999"); !errors.Is(err, ErrUnknownBank) {
		t.Fatalf("expected ErrUnknownBank, got %v", err)
	}
	if codes := reg.BankCodes(); len(codes) != 2 || codes[0] != "0152" || codes[1] != "0200" {
		t.Fatalf("unexpected bank codes %v", codes)
	}

	sub, ok := reg.PhoneBank("84966164")
	if !ok || sub.BankCode != "0200" || sub.Phone != "84966164" || sub.Name != "Test User External" {
		t.Fatalf("expected phone directory entry for 84966164, got %+v (found=%t)", sub, ok)
	}
	if _, ok := reg.PhoneBank("8496 6164"); !ok {
		t.Fatal("expected lookup to ignore phone formatting")
	}
	if _, ok := reg.PhoneBank("88887777"); ok {
		t.Fatal("did not expect an unlisted phone to be found")
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	reg, err := New([]Entry{{BankCode: "0152", Host: "bank-b.test", Port: 9443, Secret: "s"}})
	if err != nil {
		t.Fatalf("expected registry, got %v", err)
	}
	entry, _ := reg.Lookup("0152")
	entry.Host = "attacker.test"

	again, _ := reg.Lookup("0152")
	if again.Host != "bank-b.test" {
		t.Fatalf("expected registry to be unaffected by caller mutation, got %q", again.Host)
	}
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr error
	}{
		{name: "duplicate after normalisation", entries: []Entry{{BankCode: "0152", Host: "a", Port: 1}, {BankCode: "152", Host: "b", Port: 1}}, wantErr: ErrDuplicateBank},
		{name: "missing port", entries: []Entry{{BankCode: "0152", Host: "a"}}},
		{name: "missing code", entries: []Entry{{Host: "a", Port: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSecretFor_MissingSecret(t *testing.T) {
	reg, err := New([]Entry{{BankCode: "0300", Host: "bank-d.test", Port: 9443}})
	if err != nil {
		t.Fatalf("expected registry, got %v", err)
	}
	if _, err := reg.SecretFor("0300"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestNewWithPhones_RejectsInvalidPhones(t *testing.T) {
	banks := []Entry{{BankCode: "0200", Host: "bank-c.test", Port: 9443, Secret: "s"}}

	tests := []struct {
		name    string
		phones  []domain.PhoneSubscription
		wantErr error
	}{
		{name: "duplicate after normalisation", phones: []domain.PhoneSubscription{{Phone: "84966164", BankCode: "0200"}, {Phone: "8496-6164", BankCode: "0200"}}, wantErr: ErrDuplicatePhone},
		{name: "missing bank", phones: []domain.PhoneSubscription{{Phone: "84966164"}}},
		{name: "no digits", phones: []domain.PhoneSubscription{{Phone: "n/a", BankCode: "0200"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithPhones(banks, tt.phones)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
