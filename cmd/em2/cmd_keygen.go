package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/em2/internal/config"
	"github.com/user/em2/internal/signing"
)

var keygenSave bool

func init() {
	keygenCmd.Flags().BoolVar(&keygenSave, "save", false, "store the key as signing.private_key in the config file")
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := signing.GenerateSeed()
		if err != nil {
			return err
		}
		signer, err := signing.NewSigner(seed)
		if err != nil {
			return err
		}

		if keygenSave {
			loadConfig()
			if err := config.SetValue(cfgPath, "signing.private_key", seed); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "Signing key saved to", cfgPath)
		} else {
			fmt.Fprintf(os.Stdout, "private key: %s\n", seed)
		}
		fmt.Fprintf(os.Stdout, "public key:  %s\n", signer.PublicKeyHex())
		return nil
	},
}
