package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vaultlend/services/lendingd/server"
)

const requestTimeout = 15 * time.Second

type apiClient struct {
	base    string
	token   string
	account string
	http    *http.Client
}

func newClient(opts *globalOptions) *apiClient {
	return &apiClient{
		base:    strings.TrimRight(opts.endpoint, "/"),
		token:   opts.token,
		account: opts.account,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// do sends a request and pretty-prints the JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out io.Writer) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.account != "":
		req.Header.Set(server.DevAccountHeader, c.account)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func marketPath(id string, suffix string) (string, error) {
	if _, err := strconv.ParseUint(id, 10, 32); err != nil {
		return "", fmt.Errorf("invalid market id %q", id)
	}
	return "/v1/markets/" + id + suffix, nil
}

func getCommand(opts *globalOptions, use, short string, args int, path func(args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(args),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path(args)
			if err != nil {
				return err
			}
			return newClient(opts).do(cmd.Context(), http.MethodGet, p, nil, nil, cmd.OutOrStdout())
		},
	}
}

func marketsCommand(opts *globalOptions) *cobra.Command {
	return getCommand(opts, "markets", "List markets", 0, func([]string) (string, error) {
		return "/v1/markets", nil
	})
}

func marketCommand(opts *globalOptions) *cobra.Command {
	return getCommand(opts, "market [id]", "Show a market", 1, func(args []string) (string, error) {
		return marketPath(args[0], "")
	})
}

func statsCommand(opts *globalOptions) *cobra.Command {
	return getCommand(opts, "stats [id]", "Show market utilisation, rate and totals", 1, func(args []string) (string, error) {
		return marketPath(args[0], "/stats")
	})
}

func positionCommand(opts *globalOptions) *cobra.Command {
	return getCommand(opts, "position [id] [account]", "Show an account's position in a market", 2, func(args []string) (string, error) {
		return marketPath(args[0], "/accounts/"+url.PathEscape(args[1]))
	})
}

func borrowersCommand(opts *globalOptions) *cobra.Command {
	return getCommand(opts, "borrowers [id]", "List accounts with open debt", 1, func(args []string) (string, error) {
		return marketPath(args[0], "/borrowers")
	})
}

func eventsCommand(opts *globalOptions) *cobra.Command {
	var (
		eventType string
		market    string
		account   string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the archived event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if market != "" {
				q.Set("market", market)
			}
			if account != "" {
				q.Set("account", account)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return newClient(opts).do(cmd.Context(), http.MethodGet, "/v1/events", q, nil, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type, e.g. lending.borrowed")
	cmd.Flags().StringVar(&market, "market", "", "market id")
	cmd.Flags().StringVar(&account, "filter-account", "", "only events touching this account")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return")
	return cmd
}

type amountBody struct {
	Amount    string `json:"amount"`
	KeepAlive bool   `json:"keep_alive"`
}

func amountCommand(opts *globalOptions, use, short, suffix string) *cobra.Command {
	var keepAlive bool
	cmd := &cobra.Command{
		Use:   use + " [id] [amount]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := marketPath(args[0], suffix)
			if err != nil {
				return err
			}
			body := amountBody{Amount: args[1], KeepAlive: keepAlive}
			return newClient(opts).do(cmd.Context(), http.MethodPost, p, nil, body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "refuse transfers that would reap the source account")
	return cmd
}

func depositCommand(opts *globalOptions) *cobra.Command {
	return amountCommand(opts, "deposit", "Deposit collateral into a market", "/collateral")
}

func withdrawCommand(opts *globalOptions) *cobra.Command {
	return amountCommand(opts, "withdraw", "Withdraw collateral from a market", "/collateral/withdraw")
}

func borrowCommand(opts *globalOptions) *cobra.Command {
	return amountCommand(opts, "borrow", "Borrow against deposited collateral", "/borrow")
}

func repayCommand(opts *globalOptions) *cobra.Command {
	var (
		amount      string
		beneficiary string
		keepAlive   bool
	)
	cmd := &cobra.Command{
		Use:   "repay [id]",
		Short: "Repay debt; omitting --amount repays everything owed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := marketPath(args[0], "/repay")
			if err != nil {
				return err
			}
			body := map[string]interface{}{"keep_alive": keepAlive}
			if amount != "" {
				body["amount"] = amount
			}
			if beneficiary != "" {
				body["beneficiary"] = beneficiary
			}
			return newClient(opts).do(cmd.Context(), http.MethodPost, p, nil, body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in minor units")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "account whose debt is repaid (defaults to the caller)")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "refuse transfers that would reap the source account")
	return cmd
}

func liquidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "liquidate [id] [borrower...]",
		Short: "Liquidate under-collateralised borrowers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := marketPath(args[0], "/liquidate")
			if err != nil {
				return err
			}
			body := map[string][]string{"borrowers": args[1:]}
			return newClient(opts).do(cmd.Context(), http.MethodPost, p, nil, body, cmd.OutOrStdout())
		},
	}
}

func supplyCommand(opts *globalOptions) *cobra.Command {
	return amountCommand(opts, "supply", "Deposit borrow-asset liquidity into the market vault", "/supply")
}

func redeemCommand(opts *globalOptions) *cobra.Command {
	return amountCommand(opts, "redeem", "Burn vault shares and withdraw liquidity", "/supply/withdraw")
}
