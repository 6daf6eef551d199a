package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd собирает дерево команд. Отдельная функция, чтобы тесты
// получали свежие флаги на каждый запуск.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guard",
		Short: "Titan risk gate between the orchestrator and execution",
		Long: `guard verifies signed trading commands, enforces the risk policy
and the circuit breaker, and forwards approved commands to execution.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newPolicyCmd(),
		newSignCmd(),
		newCredentialCmd(),
	)
	return root
}
