package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type balancesView struct {
	Account string `json:"account"`
	Assets  []struct {
		Asset           string `json:"asset"`
		Symbol          string `json:"symbol"`
		Balance         string `json:"balance"`
		HelperAllowance string `json:"helperAllowance"`
	} `json:"assets"`
	Markets []struct {
		Market string `json:"market"`
		Symbol string `json:"symbol"`
		Shares string `json:"shares"`
		Borrow string `json:"borrow"`
	} `json:"markets"`
	Liquidity struct {
		Collateral string `json:"collateral"`
		Debt       string `json:"debt"`
		Excess     string `json:"excess"`
		Shortfall  string `json:"shortfall"`
	} `json:"liquidity"`
}

func (g *globals) get(cmd *cobra.Command, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return g.client().do(ctx, http.MethodGet, path, query, nil, out)
}

func balancesCmd(g *globals) *cobra.Command {
	var asset string
	var decimals int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "balances <account>",
		Short: "Show asset balances, market positions and liquidity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if asset != "" {
				query.Set("asset", asset)
			}
			var view balancesView
			if err := g.get(cmd, "/v1/accounts/"+url.PathEscape(args[0])+"/balances", query, &view); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), view)
			}
			units := func(v string) string { return formatUnits(v, decimals) }
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ASSET\tBALANCE\tHELPER ALLOWANCE\n")
			for _, a := range view.Assets {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Symbol, units(a.Balance), units(a.HelperAllowance))
			}
			fmt.Fprintf(tw, "\nMARKET\tSHARES\tBORROW\n")
			for _, m := range view.Markets {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Symbol, units(m.Shares), units(m.Borrow))
			}
			fmt.Fprintf(tw, "\nCOLLATERAL\tDEBT\tEXCESS\tSHORTFALL\n")
			l := view.Liquidity
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", units(l.Collateral), units(l.Debt), units(l.Excess), units(l.Shortfall))
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "only show this asset or market")
	cmd.Flags().IntVar(&decimals, "decimals", 0, "render amounts with this many fractional digits")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func marketsCmd(g *globals) *cobra.Command {
	var listed bool
	cmd := &cobra.Command{
		Use:   "markets [market]",
		Short: "List markets, or show one market",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if len(args) == 1 {
				if err := g.get(cmd, "/v1/markets/"+url.PathEscape(args[0]), nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			query := url.Values{}
			if listed {
				query.Set("listed", "true")
			}
			if err := g.get(cmd, "/v1/markets", query, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&listed, "listed", false, "only listed markets")
	return cmd
}

func receiptCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <id>",
		Short: "Show one call receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := g.get(cmd, "/v1/receipts/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func receiptsCmd(g *globals) *cobra.Command {
	var caller, operation, status, before string
	var limit int
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List call receipts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for key, value := range map[string]string{
				"caller":    caller,
				"operation": operation,
				"status":    status,
				"before":    before,
			} {
				if value != "" {
					query.Set(key, value)
				}
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var out any
			if err := g.get(cmd, "/v1/receipts", query, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "receipts of this caller (admin only unless it is you)")
	cmd.Flags().StringVar(&operation, "operation", "", "mint, mintBorrow, repay or repayRedeem")
	cmd.Flags().StringVar(&status, "status", "", "settled or reverted")
	cmd.Flags().StringVar(&before, "before", "", "only receipts created before this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}
