package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"titan/internal/config"
	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/protocol"
	"titan/pkg/utils"
)

// sign выпускает подписанный конверт для ручной отправки и отладки.
// Секрет берется из HMAC_PRIMARY_SECRET, хеш политики из файла политики.
func newSignCmd() *cobra.Command {
	var (
		payloadPath string
		producer    string
		policyPath  string
		correlation string
		announce    bool
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a command payload (or a policy announcement) with the primary HMAC secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			sec, err := config.LoadSecurity()
			if err != nil {
				return err
			}
			kr, err := sec.Keyring()
			if err != nil {
				return err
			}
			secret, _ := kr.Primary()

			snap, err := policy.LoadFile(policyPath)
			if err != nil {
				return err
			}

			signer, err := protocol.NewSigner(producer, secret, snap.Hash, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if announce {
				ann, err := signer.Announce()
				if err != nil {
					return err
				}
				return utils.JSON.NewEncoder(out).Encode(ann)
			}

			if payloadPath == "" {
				return fmt.Errorf("--payload is required")
			}
			data, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}

			var command models.Command
			if err := utils.JSON.Unmarshal(data, &command); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			if err := command.Validate(); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			_, raw, err := signer.Sign(command, correlation)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(raw))
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadPath, "payload", "", "command JSON file, - for stdin")
	cmd.Flags().StringVar(&producer, "producer", "orchestrator", "producer id written into the envelope")
	cmd.Flags().StringVar(&policyPath, "policy", envOr("POLICY_PATH", "policy.yaml"), "policy file whose hash the envelope asserts")
	cmd.Flags().StringVar(&correlation, "correlation", "", "correlation id")
	cmd.Flags().BoolVar(&announce, "announce", false, "emit a signed policy announcement instead of a command")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(stdin, 1<<20))
	}
	return os.ReadFile(path)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
