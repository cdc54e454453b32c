package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/app"
	"github.com/yagydev/animalmela/internal/auth"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/dto"
	"github.com/yagydev/animalmela/internal/payment"
	serviceorder "github.com/yagydev/animalmela/internal/service/order"
)

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and repair orders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print one order as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *serviceorder.Service
			opts := fx.Options(app.Core, fx.Populate(&svc))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				order, err := svc.Get(ctx, access.System, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, dto.FromOrder(order))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refund [id]",
		Short: "Settle a pending refund left behind by a cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *serviceorder.Service
			opts := fx.Options(app.Core, fx.Populate(&svc))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				order, err := svc.ProcessPendingRefund(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, dto.FromOrder(order))
			})
		},
	})

	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage development bearer tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a user and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			r, err := access.ParseRole(role)
			if err != nil {
				return err
			}
			var tokens *auth.Tokens
			opts := fx.Options(config.Module, auth.Module, fx.Populate(&tokens))
			return runWithApp(cmd.Context(), opts, func(context.Context) error {
				raw, err := tokens.Issue(sub, r)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				return nil
			})
		},
	}
	issue.Flags().String("sub", "", "Subject (user id)")
	issue.Flags().String("role", string(access.RoleBuyer), "Role: buyer, seller, transporter or admin")
	_ = issue.MarkFlagRequired("sub")

	cmd.AddCommand(issue)
	return cmd
}

func newPaymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment gateway helpers",
	}

	sign := &cobra.Command{
		Use:   "sign",
		Short: "Compute a sandbox callback or webhook signature",
		Long: "With --order and --payment prints the callback signature for the verify endpoint.\n" +
			"With --body prints the webhook signature for the file's contents (- reads stdin).",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			orderID, _ := cmd.Flags().GetString("order")
			paymentID, _ := cmd.Flags().GetString("payment")
			bodyPath, _ := cmd.Flags().GetString("body")
			if secret == "" {
				cfg, err := config.New()
				if err != nil {
					return err
				}
				secret = cfg.Payment.Sandbox.Secret
			}

			out := cmd.OutOrStdout()
			switch {
			case bodyPath != "":
				var body []byte
				var err error
				if bodyPath == "-" {
					body, err = io.ReadAll(cmd.InOrStdin())
				} else {
					body, err = os.ReadFile(bodyPath)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, payment.SignPayload(secret, body))
			case orderID != "" && paymentID != "":
				fmt.Fprintln(out, payment.Sign(secret, orderID, paymentID))
			default:
				return fmt.Errorf("either --body or both --order and --payment are required")
			}
			return nil
		},
	}
	sign.Flags().String("secret", "", "Signing secret (defaults to PAYMENT_SANDBOX_SECRET)")
	sign.Flags().String("order", "", "Gateway order id")
	sign.Flags().String("payment", "", "Gateway payment id")
	sign.Flags().String("body", "", "Webhook body file, or - for stdin")

	cmd.AddCommand(sign)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
