package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sinpe-cli",
		Short:   "Operator tool for the bank node peer protocol",
		Version: Version,
	}

	rootCmd.PersistentFlags().String("registry", "configs/banks.yaml", "Bank registry file")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(banksCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
