package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"titan/pkg/crypto"
)

func newCredentialCmd() *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credential",
		Short: "Operator credential helpers",
	}

	var cost int
	hashCmd := &cobra.Command{
		Use:   "hash",
		Short: "Read a password from stdin and print its bcrypt hash for OPERATOR_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")

			hash, err := crypto.HashPasswordWithCost(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	hashCmd.Flags().IntVar(&cost, "cost", crypto.DefaultCost, "bcrypt cost")

	credCmd.AddCommand(hashCmd)
	return credCmd
}
