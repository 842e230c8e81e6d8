package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/otterflow/otterflow/internal/store"
)

type clientFunc func() *client

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func fmtOptFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func fmtOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func healthCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and registered provider count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := c().do(http.MethodGet, "/healthz", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func modelsCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"model"},
		Short:   "Manage the model catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List catalog models",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var out struct {
					Models []store.ModelRecord `json:"models"`
				}
				if err := c().do(http.MethodGet, "/admin/v1/models", nil, &out); err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER\tCOST\tPERF\tLATENCY\tIN $/M\tOUT $/M\tIO RATIO")
				for _, m := range out.Models {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
						m.Name, m.License, fmtOptFloat(m.Cost), fmtOptFloat(m.Performance),
						fmtOptFloat(m.Latency), m.InputCostRaw, m.OutputCostRaw, m.IORatio)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "add <json>",
			Short: "Create or replace a model from a JSON descriptor",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var body map[string]any
				if err := json.Unmarshal([]byte(args[0]), &body); err != nil {
					return fmt.Errorf("invalid model json: %w", err)
				}
				var out map[string]any
				if err := c().do(http.MethodPost, "/admin/v1/models", body, &out); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "model %v saved\n", out["name"])
				return err
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a model from the catalog",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c().do(http.MethodDelete, "/admin/v1/models/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "model %s deleted\n", args[0])
				return err
			},
		},
	)
	return cmd
}

type balance struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

func walletCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect and credit user wallets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <user>",
			Short: "Show a user's balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out balance
				if err := c().do(http.MethodGet, "/admin/v1/wallets/"+url.PathEscape(args[0]), nil, &out); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.6f\n", out.UserID, out.Balance)
				return err
			},
		},
		&cobra.Command{
			Use:   "credit <user> <amount>",
			Short: "Add funds to a user's wallet",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseFloat(args[1], 64)
				if err != nil || amount <= 0 {
					return fmt.Errorf("amount must be a positive number, got %q", args[1])
				}
				var out balance
				path := "/admin/v1/wallets/" + url.PathEscape(args[0]) + "/credit"
				if err := c().do(http.MethodPost, path, map[string]float64{"amount": amount}, &out); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.6f\n", out.UserID, out.Balance)
				return err
			},
		},
	)
	return cmd
}

func apikeyCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apikey",
		Aliases: []string{"apikeys"},
		Short:   "Manage user API keys",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/v1/apikeys"
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				path += "?user_id=" + url.QueryEscape(user)
			}
			var out struct {
				Keys []store.APIKeyRecord `json:"keys"`
			}
			if err := c().do(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(tw, "ID\tUSER\tNAME\tPREFIX\tENABLED\tLAST USED\tEXPIRES")
			for _, k := range out.Keys {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					k.ID, k.UserID, k.Name, k.KeyPrefix, k.Enabled,
					fmtOptTime(k.LastUsedAt), fmtOptTime(k.ExpiresAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().String("user", "", "only keys belonging to this user")

	issue := &cobra.Command{
		Use:   "issue <user>",
		Short: "Issue a new API key; the plaintext is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			days, _ := cmd.Flags().GetInt("expires-in-days")
			body := map[string]any{"user_id": args[0], "name": name, "expires_in_days": days}
			var out struct {
				Key    string             `json:"key"`
				Record store.APIKeyRecord `json:"record"`
			}
			if err := c().do(http.MethodPost, "/admin/v1/apikeys", body, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "id:  %s\n", out.Record.ID)
			_, err := fmt.Fprintf(w, "key: %s\n", out.Key)
			return err
		},
	}
	issue.Flags().String("name", "", "label for the key")
	issue.Flags().Int("expires-in-days", 0, "expiry in days; 0 never expires")

	cmd.AddCommand(list, issue,
		&cobra.Command{
			Use:   "rotate <id>",
			Short: "Replace a key's secret; the old secret stops working",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out struct {
					Key string `json:"key"`
				}
				path := "/admin/v1/apikeys/" + url.PathEscape(args[0]) + "/rotate"
				if err := c().do(http.MethodPost, path, nil, &out); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "key: %s\n", out.Key)
				return err
			},
		},
		&cobra.Command{
			Use:   "revoke <id>",
			Short: "Disable a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c().do(http.MethodDelete, "/admin/v1/apikeys/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "key %s revoked\n", args[0])
				return err
			},
		},
	)
	return cmd
}

type banditRow struct {
	store.BanditStat
	AverageReward float64  `json:"average_reward"`
	StdError      *float64 `json:"std_error"`
}

func banditCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "bandit <user>",
		Short: "Show a user's bandit reward statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Stats []banditRow `json:"stats"`
			}
			if err := c().do(http.MethodGet, "/admin/v1/bandit/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(tw, "MODEL\tDOMAIN\tCOUNT\tAVG REWARD\tSTD ERR")
			for _, s := range out.Stats {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%s\n",
					s.ModelName, s.DomainLabel, s.Count, s.AverageReward, fmtOptFloat(s.StdError))
			}
			return tw.Flush()
		},
	}
}

func usageCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List recent routed requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				q.Set("user_id", user)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", strconv.Itoa(limit))
			var out struct {
				Usage []store.UsageLog `json:"usage"`
			}
			if err := c().do(http.MethodGet, "/admin/v1/usage?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(tw, "TIME\tUSER\tMODE\tMODEL\tDOMAIN\tTOKENS\tLATENCY\tCOST")
			for _, u := range out.Usage {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.0fms\t$%.6f\n",
					u.Timestamp.Format(time.RFC3339), u.UserID, u.Mode, u.ModelName,
					u.Domain, u.TotalTokens, u.LatencyMs, u.Cost)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("user", "", "only this user's requests")
	cmd.Flags().Int("limit", 50, "maximum rows")
	return cmd
}

func feedbackCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback",
		Short: "Recompute derived catalog fields from usage now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ModelsUpdated int `json:"models_updated"`
			}
			if err := c().do(http.MethodPost, "/admin/v1/feedback", nil, &out); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "models updated: %d\n", out.ModelsUpdated)
			return err
		},
	}
}

func routingCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Show or change runtime routing knobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show routing config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]any
				if err := c().do(http.MethodGet, "/admin/v1/routing-config", nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "set <json>",
			Short: `Update routing config, e.g. '{"epsilon":0.05}'`,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var body map[string]any
				if err := json.Unmarshal([]byte(args[0]), &body); err != nil {
					return fmt.Errorf("invalid routing json: %w", err)
				}
				var out map[string]any
				if err := c().do(http.MethodPut, "/admin/v1/routing-config", body, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}

func adminTokenCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Manage the admin token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the admin token; the current one stops working",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Token string `json:"token"`
			}
			if err := c().do(http.MethodPost, "/admin/v1/admin-token/rotate", nil, &out); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), out.Token)
			return err
		},
	})
	return cmd
}

func eventsCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream routing events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c().stream(cmd.Context(), "/admin/v1/events", cmd.OutOrStdout())
		},
	}
}
