package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/relaygate/internal/adapter/outbound/secret"
	"github.com/Sentinel-Gate/relaygate/internal/config"
)

var generateKey bool

var sealSecretCmd = &cobra.Command{
	Use:   "seal-secret [value]",
	Short: "Seal a tenant secret with secrets.key",
	Long: `Seal a static key, OAuth client secret, or agent password with the
configured secrets.key (or RELAY_GATE_SECRETS_KEY).

Sealed values are what the sqlite store keeps at rest.

Examples:
  # Create a new key for secrets.key
  relay-gate seal-secret --generate-key

  # Seal a value
  RELAY_GATE_SECRETS_KEY=... relay-gate seal-secret "s3cret"`,
	Args: func(cmd *cobra.Command, args []string) error {
		if generateKey {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if generateKey {
			key, err := secret.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		}

		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		key := cfg.Secrets.Key
		if key == "" {
			return errors.New("secrets.key is not configured (set it in relay-gate.yaml or RELAY_GATE_SECRETS_KEY)")
		}
		box, err := secret.NewBoxFromBase64(key)
		if err != nil {
			return err
		}
		sealed, err := box.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	sealSecretCmd.Flags().BoolVar(&generateKey, "generate-key", false, "print a new random secrets.key and exit")
	rootCmd.AddCommand(sealSecretCmd)
}
