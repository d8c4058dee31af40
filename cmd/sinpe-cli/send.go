package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/transfa/sinpe-service/internal/app"
	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/registry"
	"github.com/transfa/sinpe-service/pkg/peer"
)

// messageInput collects the flags shared by send and sign.
type messageInput struct {
	TransactionID string
	Timestamp     string
	FromBank      string
	FromAccount   string
	FromName      string
	ToBank        string
	ToAccount     string
	ToPhone       string
	ToName        string
	Amount        string
	Currency      string
	Description   string
}

func bindMessageFlags(cmd *cobra.Command, in *messageInput) {
	cmd.Flags().StringVar(&in.TransactionID, "tx-id", "", "Transaction id (random UUID when empty)")
	cmd.Flags().StringVar(&in.Timestamp, "timestamp", "", "RFC3339 timestamp (now when empty)")
	cmd.Flags().StringVar(&in.FromBank, "from-bank", "", "Sending bank code")
	cmd.Flags().StringVar(&in.FromAccount, "from-account", "", "Sending IBAN")
	cmd.Flags().StringVar(&in.FromName, "from-name", "", "Sender name")
	cmd.Flags().StringVar(&in.ToBank, "to-bank", "", "Receiving bank code")
	cmd.Flags().StringVar(&in.ToAccount, "to-account", "", "Receiving IBAN")
	cmd.Flags().StringVar(&in.ToPhone, "to-phone", "", "Receiving phone number")
	cmd.Flags().StringVar(&in.ToName, "to-name", "", "Receiver name")
	cmd.Flags().StringVar(&in.Amount, "amount", "", "Amount in major units, e.g. 125.50")
	cmd.Flags().StringVar(&in.Currency, "currency", "CRC", "ISO currency code")
	cmd.Flags().StringVar(&in.Description, "description", "", "Free text description")
	_ = cmd.MarkFlagRequired("from-bank")
	_ = cmd.MarkFlagRequired("from-account")
	_ = cmd.MarkFlagRequired("to-bank")
	_ = cmd.MarkFlagRequired("amount")
}

// buildMessage assembles a signed wire message from in.
func buildMessage(in messageInput, secret string, now time.Time) (domain.TransferMessage, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil {
		return domain.TransferMessage{}, fmt.Errorf("invalid amount %q: %w", in.Amount, err)
	}
	if !amount.IsPositive() {
		return domain.TransferMessage{}, errors.New("amount must be positive")
	}
	if (strings.TrimSpace(in.ToAccount) == "") == (strings.TrimSpace(in.ToPhone) == "") {
		return domain.TransferMessage{}, errors.New("exactly one of --to-account and --to-phone is required")
	}
	if secret == "" {
		return domain.TransferMessage{}, errors.New("no shared secret available for signing")
	}

	txID := strings.TrimSpace(in.TransactionID)
	if txID == "" {
		txID = uuid.NewString()
	}
	timestamp := strings.TrimSpace(in.Timestamp)
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}

	sender := app.CanonicalAccountNumber(in.FromAccount)
	msg := domain.TransferMessage{
		Version:       domain.ProtocolVersion,
		Timestamp:     timestamp,
		TransactionID: txID,
		Sender: domain.Party{
			AccountNumber: sender,
			BankCode:      strings.TrimSpace(in.FromBank),
			Name:          in.FromName,
		},
		Receiver: domain.Party{
			AccountNumber: app.CanonicalAccountNumber(in.ToAccount),
			PhoneNumber:   strings.TrimSpace(in.ToPhone),
			BankCode:      strings.TrimSpace(in.ToBank),
			Name:          in.ToName,
		},
		Amount:      domain.Amount{Value: amount, Currency: strings.ToUpper(strings.TrimSpace(in.Currency))},
		Description: in.Description,
	}
	msg.HMACSignature = app.Sign(sender, msg.Timestamp, msg.TransactionID, msg.Amount.Value, secret)
	return msg, nil
}

// resolveSecret prefers an explicit secret and falls back to the registry entry of the
// receiving bank.
func resolveSecret(explicit string, reg *registry.Registry, bankCode string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if reg == nil {
		return "", errors.New("no --secret given and no registry loaded")
	}
	return reg.SecretFor(bankCode)
}

func sendCmd() *cobra.Command {
	var (
		in      messageInput
		secret  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign a transfer and deliver it to a peer bank",
		Long: `Builds a transfer message, signs it with the shared secret of the receiving
bank and sends it over TLS to the address listed in the bank registry. The peer's
reply line is printed as received.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registryPath, _ := cmd.Flags().GetString("registry")
			reg, err := registry.Load(registryPath)
			if err != nil {
				return err
			}

			key, err := resolveSecret(secret, reg, in.ToBank)
			if err != nil {
				return err
			}
			msg, err := buildMessage(in, key, time.Now())
			if err != nil {
				return err
			}
			endpoint, err := reg.Endpoint(in.ToBank)
			if err != nil {
				return err
			}

			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := peer.NewClient(timeout, timeout).Send(ctx, endpoint, payload)
			if err != nil {
				return fmt.Errorf("send %s to %s: %w", msg.TransactionID, endpoint.Address, err)
			}

			pterm.DefaultTable.WithData(pterm.TableData{
				{"Transaction", msg.TransactionID},
				{"Bank", in.ToBank},
				{"Amount", domain.FormatAmount(msg.Amount.Value) + " " + msg.Amount.Currency},
				{"Reply", reply},
			}).Render()
			if !domain.IsAck(reply) {
				pterm.Error.Printf("Transfer rejected: %s\n", domain.NackReason(reply))
				return fmt.Errorf("transfer rejected: %s", domain.NackReason(reply))
			}
			pterm.Success.Println("Transfer acknowledged")
			return nil
		},
	}

	bindMessageFlags(cmd, &in)
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret (defaults to the registry entry)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Dial and I/O timeout")

	return cmd
}
