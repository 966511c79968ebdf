package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	envEndpoint = "LENDCTL_ENDPOINT"
	envToken    = "LENDCTL_TOKEN"
	envAccount  = "LENDCTL_ACCOUNT"
	envPass     = "LENDCTL_PASS"
	envSecret   = "LENDINGD_AUTH_HMAC_SECRET"

	defaultEndpoint = "http://127.0.0.1:8480"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	endpoint string
	token    string
	account  string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "lendctl",
		Short:         "Operator tooling for the lendingd lending engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.endpoint, "endpoint", envOr(envEndpoint, defaultEndpoint), "lendingd base URL")
	flags.StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token for authenticated routes")
	flags.StringVar(&opts.account, "account", os.Getenv(envAccount), "caller address sent in dev mode when no token is set")

	root.AddCommand(
		keygenCommand(),
		addressCommand(),
		tokenCommand(),
		marketsCommand(opts),
		marketCommand(opts),
		statsCommand(opts),
		positionCommand(opts),
		borrowersCommand(opts),
		eventsCommand(opts),
		depositCommand(opts),
		withdrawCommand(opts),
		borrowCommand(opts),
		repayCommand(opts),
		liquidateCommand(opts),
		supplyCommand(opts),
		redeemCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
