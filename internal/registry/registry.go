/**
 * @description
 * The bank registry maps a bank code to the network endpoint, TLS trust anchor and
 * shared HMAC secret of a peer bank, and a SINPE Movil phone registered elsewhere to
 * the bank that holds it. It is loaded once from YAML at startup and is read-only
 * afterwards, so it can be shared freely between goroutines.
 *
 * @dependencies
 * - gopkg.in/yaml.v3: Parses the registry file.
 * - github.com/transfa/sinpe-service/pkg/peer: Endpoint type handed to the peer client.
 */
package registry

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/pkg/peer"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownBank        = errors.New("bank is not present in the registry")
	ErrInvalidTrustAnchor = errors.New("bank trust anchor is missing or invalid")
	ErrMissingSecret      = errors.New("bank has no shared secret configured")
	ErrDuplicateBank      = errors.New("bank code listed more than once")
	ErrDuplicatePhone     = errors.New("phone listed more than once")
)

// Entry describes one peer bank.
type Entry struct {
	BankCode    string `yaml:"bank_code"`
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServerName  string `yaml:"server_name"`
	TrustAnchor string `yaml:"trust_anchor"`
	Secret      string `yaml:"secret"`
	SecretEnv   string `yaml:"secret_env"`
}

// Address returns host:port for dialing.
func (e Entry) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type file struct {
	Banks  []Entry                    `yaml:"banks"`
	Phones []domain.PhoneSubscription `yaml:"phones"`
}

type loadedEntry struct {
	entry     Entry
	roots     *x509.CertPool
	anchorErr error
}

// Registry is an immutable set of peer banks keyed by normalised bank code.
type Registry struct {
	entries map[string]loadedEntry
	phones  map[string]domain.PhoneSubscription
}

// Load reads the registry file at path. Entries whose trust anchor cannot be read are
// kept, and any attempt to reach them fails with ErrInvalidTrustAnchor.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank registry %s: %w", path, err)
	}

	var parsed file
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse bank registry %s: %w", path, err)
	}

	reg, err := NewWithPhones(parsed.Banks, parsed.Phones)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=registry msg=\"bank registry loaded\" path=%s banks=%d phones=%d", path, len(reg.entries), len(reg.phones))
	return reg, nil
}

// New builds a registry from in-memory entries, resolving secrets and trust anchors.
func New(entries []Entry) (*Registry, error) {
	return NewWithPhones(entries, nil)
}

// NewWithPhones is New plus a directory of phones registered at other banks.
func NewWithPhones(entries []Entry, phones []domain.PhoneSubscription) (*Registry, error) {
	reg := &Registry{
		entries: make(map[string]loadedEntry, len(entries)),
		phones:  make(map[string]domain.PhoneSubscription, len(phones)),
	}
	for _, entry := range entries {
		entry.BankCode = strings.TrimSpace(entry.BankCode)
		code := domain.NormalizeBankCode(entry.BankCode)
		if code == "" {
			return nil, fmt.Errorf("bank registry entry %q has no bank_code", entry.Name)
		}
		if _, exists := reg.entries[code]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBank, entry.BankCode)
		}
		if strings.TrimSpace(entry.Host) == "" || entry.Port <= 0 || entry.Port > 65535 {
			return nil, fmt.Errorf("bank registry entry %s has an invalid host or port", entry.BankCode)
		}

		if entry.Secret == "" && entry.SecretEnv != "" {
			entry.Secret = os.Getenv(entry.SecretEnv)
		}
		if entry.Secret == "" {
			log.Printf("level=warn component=registry msg=\"bank has no shared secret\" bank_code=%s", entry.BankCode)
		}

		loaded := loadedEntry{entry: entry}
		loaded.roots, loaded.anchorErr = loadTrustAnchor(entry.TrustAnchor)
		if loaded.anchorErr != nil {
			log.Printf("level=warn component=registry msg=\"trust anchor unusable\" bank_code=%s path=%s err=%v", entry.BankCode, entry.TrustAnchor, loaded.anchorErr)
		}
		reg.entries[code] = loaded
	}

	for _, sub := range phones {
		phone := domain.PhoneDigits(sub.Phone)
		if phone == "" || strings.TrimSpace(sub.BankCode) == "" {
			return nil, fmt.Errorf("phone directory entry %q needs a phone and a bank_code", sub.Phone)
		}
		if _, exists := reg.phones[phone]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePhone, phone)
		}
		sub.Phone = phone
		sub.BankCode = strings.TrimSpace(sub.BankCode)
		if _, known := reg.entries[domain.NormalizeBankCode(sub.BankCode)]; !known {
			log.Printf("level=warn component=registry msg=\"phone registered at a bank with no registry entry\" phone=%s bank_code=%s", phone, sub.BankCode)
		}
		reg.phones[phone] = sub
	}
	return reg, nil
}

func loadTrustAnchor(path string) (*x509.CertPool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: no trust_anchor configured", ErrInvalidTrustAnchor)
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrustAnchor, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrInvalidTrustAnchor, path)
	}
	return pool, nil
}

// Lookup returns a copy of the entry for code.
func (r *Registry) Lookup(code string) (Entry, error) {
	loaded, ok := r.entries[domain.NormalizeBankCode(code)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownBank, code)
	}
	return loaded.entry, nil
}

// Endpoint returns the dialing address and a TLS configuration that verifies the peer
// against its own trust anchor.
func (r *Registry) Endpoint(code string) (peer.Endpoint, error) {
	loaded, ok := r.entries[domain.NormalizeBankCode(code)]
	if !ok {
		return peer.Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownBank, code)
	}
	if loaded.anchorErr != nil {
		return peer.Endpoint{}, loaded.anchorErr
	}

	serverName := loaded.entry.ServerName
	if serverName == "" {
		serverName = loaded.entry.Host
	}
	return peer.Endpoint{
		Address: loaded.entry.Address(),
		TLSConfig: &tls.Config{
			RootCAs:    loaded.roots.Clone(),
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

// SecretFor returns the shared HMAC secret for code.
func (r *Registry) SecretFor(code string) (string, error) {
	entry, err := r.Lookup(code)
	if err != nil {
		return "", err
	}
	if entry.Secret == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSecret, code)
	}
	return entry.Secret, nil
}

// BankCodes lists the registered bank codes in ascending order.
func (r *Registry) BankCodes() []string {
	codes := make([]string, 0, len(r.entries))
	for _, loaded := range r.entries {
		codes = append(codes, loaded.entry.BankCode)
	}
	sort.Strings(codes)
	return codes
}

// PhoneBank returns the directory entry of phone, in any formatting.
func (r *Registry) PhoneBank(phone string) (domain.PhoneSubscription, bool) {
	sub, ok := r.phones[domain.PhoneDigits(phone)]
	return sub, ok
}
