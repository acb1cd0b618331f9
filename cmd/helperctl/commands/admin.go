package commands

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func adminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Registry and pause administration (requires the admin scope)",
	}
	cmd.AddCommand(
		listMarketCmd(g),
		unlistMarketCmd(g),
		marketPausesCmd(g),
		collateralFactorCmd(g),
		marketValueCmd(g, "price", "Set the 1e18-scaled price the registry values a market at"),
		marketValueCmd(g, "exchange-rate", "Set a market's 1e18-scaled exchange rate (market admin only)"),
		modulePauseCmd(g, "pause"),
		modulePauseCmd(g, "resume"),
	)
	return cmd
}

func listMarketCmd(g *globals) *cobra.Command {
	var flags callFlags
	var factor uint64
	cmd := &cobra.Command{
		Use:   "list <market>",
		Short: "List a market with a collateral factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/admin/markets/"+url.PathEscape(args[0])+"/list",
				map[string]uint64{"collateralFactorBps": factor}, &flags)
		},
	}
	cmd.Flags().Uint64Var(&factor, "collateral-factor-bps", 0, "collateral factor in basis points")
	_ = cmd.MarkFlagRequired("collateral-factor-bps")
	return cmd
}

func collateralFactorCmd(g *globals) *cobra.Command {
	var flags callFlags
	return &cobra.Command{
		Use:   "collateral-factor <market> <bps>",
		Short: "Change a market's collateral factor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bps, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid collateral factor %q: %w", args[1], err)
			}
			return g.post(cmd, "/v1/admin/markets/"+url.PathEscape(args[0])+"/collateral-factor",
				map[string]uint64{"collateralFactorBps": bps}, &flags)
		},
	}
}

// marketValueCmd posts a single mantissa to /v1/admin/markets/<market>/<action>.
func marketValueCmd(g *globals, action, short string) *cobra.Command {
	var flags callFlags
	field := "price"
	if action == "exchange-rate" {
		field = "rate"
	}
	return &cobra.Command{
		Use:   action + " <market> <mantissa>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/admin/markets/"+url.PathEscape(args[0])+"/"+action,
				map[string]string{field: args[1]}, &flags)
		},
	}
}

func unlistMarketCmd(g *globals) *cobra.Command {
	var flags callFlags
	return &cobra.Command{
		Use:   "unlist <market>",
		Short: "Unlist a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/admin/markets/"+url.PathEscape(args[0])+"/unlist", nil, &flags)
		},
	}
}

func marketPausesCmd(g *globals) *cobra.Command {
	var flags callFlags
	var supply, borrow, repay, redeem bool
	cmd := &cobra.Command{
		Use:   "pauses <market>",
		Short: "Replace a market's action pauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/admin/markets/"+url.PathEscape(args[0])+"/pauses", map[string]bool{
				"supply": supply,
				"borrow": borrow,
				"repay":  repay,
				"redeem": redeem,
			}, &flags)
		},
	}
	cmd.Flags().BoolVar(&supply, "supply", false, "pause supply")
	cmd.Flags().BoolVar(&borrow, "borrow", false, "pause borrows")
	cmd.Flags().BoolVar(&repay, "repay", false, "pause repayments")
	cmd.Flags().BoolVar(&redeem, "redeem", false, "pause redemptions")
	return cmd
}

func modulePauseCmd(g *globals, action string) *cobra.Command {
	var flags callFlags
	return &cobra.Command{
		Use:       action + " <helper|market|token>",
		Short:     action + " a module",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"helper", "market", "token"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/admin/modules/"+url.PathEscape(args[0])+"/"+action, nil, &flags)
		},
	}
}
