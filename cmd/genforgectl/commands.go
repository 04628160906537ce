package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	secret  string
	adminID string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "genforgectl",
		Short:         "Operate a genforge server through its admin API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("GENFORGE_URL", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&opts.secret, "admin-secret", os.Getenv("ADMIN_SECRET"), "admin secret (X-Admin-Secret)")
	root.PersistentFlags().StringVar(&opts.adminID, "admin-id", envOr("USER", "cli"), "admin identity recorded in the audit trail")

	client := func() *adminClient { return newAdminClient(opts.server, opts.secret, opts.adminID) }

	root.AddCommand(
		newCancelAllCmd(client),
		newGrantCmd(client, "grant", "Grant credits to a tenant"),
		newGrantCmd(client, "deduct", "Deduct credits from a tenant"),
		newAllotmentCmd(client),
		newVerifyCmd(client),
		newToggleCmd(client),
		newTenantCmd(client),
		newPoolCmd(client),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printJSON writes an indented response document.
func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(cmd.OutOrStdout())
	return err
}

func newCancelAllCmd(client func() *adminClient) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every queued and processing job (maintenance)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := client().do(cmd.Context(), http.MethodPost, "/maintenance/cancel-all", map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "maintenance", "reason recorded on each cancelled job")
	return cmd
}

func newGrantCmd(client func() *adminClient, op, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   op + " <tenant-id> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			raw, err := client().do(cmd.Context(), http.MethodPost,
				"/tenants/"+url.PathEscape(args[0])+"/credits/"+op,
				map[string]any{"amount": amount, "reason": reason})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transaction")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newAllotmentCmd(client func() *adminClient) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "allotment <tenant-id>",
		Short: "Grant a tenant's monthly plan credits for a period (once per period)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse("2006-01", period); err != nil {
				return fmt.Errorf("period must be YYYY-MM, got %q", period)
			}
			raw, err := client().do(cmd.Context(), http.MethodPost,
				"/tenants/"+url.PathEscape(args[0])+"/credits/allotment", map[string]string{"period": period})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&period, "period", time.Now().UTC().Format("2006-01"), "allotment period (YYYY-MM)")
	return cmd
}

func newVerifyCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <tenant-id>",
		Short: "Replay a tenant's transaction chain and check its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client().do(cmd.Context(), http.MethodGet,
				"/tenants/"+url.PathEscape(args[0])+"/credits/verify", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func newToggleCmd(client func() *adminClient) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "toggle <feature> <on|off>",
		Short:     "Enable or disable a feature for every tenant",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("state must be on or off, got %q", args[1])
			}
			raw, err := client().do(cmd.Context(), http.MethodPut,
				"/features/"+url.PathEscape(args[0]), map[string]any{"enabled": enabled, "reason": reason})
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the switch")
	return cmd
}

func newTenantCmd(client func() *adminClient) *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inspect and administer tenants",
	}
	tenantCmd.AddCommand(
		&cobra.Command{
			Use:   "get <tenant-id>",
			Short: "Show a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := client().do(cmd.Context(), http.MethodGet, "/tenants/"+url.PathEscape(args[0]), nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, raw)
			},
		},
		&cobra.Command{
			Use:       "status <tenant-id> <ACTIVE|SUSPENDED|LOCKED_PAYMENT_FAIL>",
			Short:     "Change a tenant's status",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"ACTIVE", "SUSPENDED", "LOCKED_PAYMENT_FAIL"},
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := client().do(cmd.Context(), http.MethodPut,
					"/tenants/"+url.PathEscape(args[0])+"/status", map[string]string{"status": args[1]})
				if err != nil {
					return err
				}
				return printJSON(cmd, raw)
			},
		},
	)
	return tenantCmd
}

func newPoolCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show job worker pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := client().do(cmd.Context(), http.MethodGet, "/jobs/pool", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}
