package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/transfa/sinpe-service/internal/registry"
)

func signCmd() *cobra.Command {
	var (
		in     messageInput
		secret string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signature (or the full signed message) for a transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reg *registry.Registry
			if secret == "" {
				registryPath, _ := cmd.Flags().GetString("registry")
				loaded, err := registry.Load(registryPath)
				if err != nil {
					return err
				}
				reg = loaded
			}

			key, err := resolveSecret(secret, reg, in.ToBank)
			if err != nil {
				return err
			}
			msg, err := buildMessage(in, key, time.Now())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(msg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.HMACSignature)
			return nil
		},
	}

	bindMessageFlags(cmd, &in)
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret (defaults to the registry entry)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Print the whole signed message")

	return cmd
}

func banksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "banks",
		Short: "List the banks in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			registryPath, _ := cmd.Flags().GetString("registry")
			reg, err := registry.Load(registryPath)
			if err != nil {
				return err
			}

			data := pterm.TableData{{"Code", "Name", "Address", "Server name"}}
			for _, code := range reg.BankCodes() {
				entry, err := reg.Lookup(code)
				if err != nil {
					pterm.Warning.Println(err)
					continue
				}
				data = append(data, []string{entry.BankCode, entry.Name, entry.Address(), entry.ServerName})
			}
			pterm.DefaultSection.Println("Peer banks")
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}
