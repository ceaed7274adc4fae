package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/BiniyamTT/mpesa-api/internal/app"
	"github.com/BiniyamTT/mpesa-api/internal/payments"
)

type appBuilder func(ctx context.Context) (*app.App, error)

func newRootCmd(build appBuilder) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mpesactl",
		Short:         "Operate the M-PESA STK push gateway from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(tokenCmd(build))
	rootCmd.AddCommand(submitCmd(build))
	rootCmd.AddCommand(statusCmd(build))
	rootCmd.AddCommand(reconcileCmd(build))
	return rootCmd
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, build appBuilder, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tokenCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch a gateway token and show its redacted form and expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				if _, err := a.Tokens.Token(ctx); err != nil {
					return err
				}
				st := a.Tokens.Status()
				fmt.Fprintf(cmd.OutOrStdout(), "Token:   %s\n", st.Token)
				fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s\n", st.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func submitCmd(build appBuilder) *cobra.Command {
	var amount, phone, ref, desc string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send an STK push to a customer's phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				ack, err := a.Payments.Submit(ctx, payments.SubmitRequest{
					Amount:           amt,
					PhoneNumber:      phone,
					AccountReference: ref,
					Description:      desc,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ack)
			})
		},
	}

	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount in whole units")
	cmd.Flags().StringVarP(&phone, "phone", "p", "", "Customer phone (07.., 09.., +251.. or 251..)")
	cmd.Flags().StringVarP(&ref, "ref", "r", "", "Account reference")
	cmd.Flags().StringVarP(&desc, "desc", "d", "Payment", "Transaction description")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("ref")

	return cmd
}

func statusCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "status [merchant-request-id]",
		Short: "Show the stored transaction for a MerchantRequestID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				tx, err := a.Payments.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tx)
			})
		},
	}
}

func reconcileCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [callback.json|-]",
		Short: "Apply a saved STK callback payload, e.g. one replayed from logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read callback: %w", err)
			}
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				res := a.Reconciler.Reconcile(ctx, raw)
				fmt.Fprintf(cmd.OutOrStdout(), "Outcome:     %s\n", res.Outcome)
				if res.CorrelationID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Merchant ID: %s\n", res.CorrelationID)
				}
				if res.Status != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Status:      %s\n", res.Status)
				}
				return res.Err
			})
		},
	}
}
