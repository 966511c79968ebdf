package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vaultlend/crypto"
)

func keygenCommand() *cobra.Command {
	var (
		out     string
		passEnv string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key and store it in an encrypted keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("keystore %s already exists (use --force to overwrite)", out)
			}
			pass, err := newPassphraseSource(passEnv).Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := crypto.WriteKeyFile(out, key, pass); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Address().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "keystore output path")
	cmd.Flags().StringVar(&passEnv, "pass-env", envPass, "environment variable holding the keystore passphrase; prompts when unset")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	return cmd
}

func addressCommand() *cobra.Command {
	var passEnv string
	cmd := &cobra.Command{
		Use:   "address [keystore]",
		Short: "Print the account address held in a keystore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := newPassphraseSource(passEnv).Get()
			if err != nil {
				return err
			}
			key, err := crypto.ReadKeyFile(args[0], pass)
			if err != nil {
				return fmt.Errorf("read keystore: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Address().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&passEnv, "pass-env", envPass, "environment variable holding the keystore passphrase; prompts when unset")
	return cmd
}
