package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"titan/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect risk policy documents",
	}

	hashCmd := &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the canonical SHA-256 hash of a policy (value for EXPECTED_POLICY_HASH)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.Hash())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Print the canonical JSON form of a policy, exactly the bytes that are hashed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(snap.Canonical()))
			fmt.Fprintf(out, "# version %s, hash %s\n", snap.Version(), snap.Hash())
			return nil
		},
	}

	policyCmd.AddCommand(hashCmd, showCmd)
	return policyCmd
}
