package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/market-sync/internal/mirror"
	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/position"
	"github.com/atmx/market-sync/internal/venue"
)

func newPositionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "positions <tokenA:tokenB>",
		Short: "Reconstruct a player's positions from venue history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			player, err := model.ParsePlayerID(args[0])
			if err != nil {
				return err
			}
			cfg, err := setup(os.Stderr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
			defer cancel()

			v := venue.New(cfg.VenueBaseURL, cfg.HTTPTimeout)
			markets, err := v.ListMarkets(ctx)
			if err != nil {
				return err
			}
			p, err := mirror.BuildPortfolio(ctx, v, markets, player)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			printPortfolio(out, p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the portfolio as JSON")
	return cmd
}

func printPortfolio(w io.Writer, p position.Portfolio) {
	fmt.Fprintf(w, "Player: %s\n", p.Player)
	fmt.Fprintf(w, "Positions: %d\n\n", len(p.Ledgers))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKET\tDIR\tNET\tAVG\tMARK\tVALUE\tUNREALIZED\tREALIZED")
	for _, l := range p.Ledgers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.MarketID, l.Direction, l.NetShares, l.AvgPrice.StringFixed(4), l.MarkPrice.StringFixed(4),
			l.CurrentValue.StringFixed(4), l.UnrealizedPnL.StringFixed(4), l.RealizedPnL.StringFixed(4))
	}
	tw.Flush()

	fmt.Fprintf(w, "\ncost %s  value %s  unrealized %s  realized %s  claimable %s\n",
		p.TotalCost.StringFixed(4), p.TotalValue.StringFixed(4), p.UnrealizedPnL.StringFixed(4),
		p.RealizedPnL.StringFixed(4), p.Claimable.StringFixed(4))
	for _, c := range p.Claims {
		fmt.Fprintf(w, "claim market %d: %s\n", c.MarketID, c.Amount)
	}
	for _, is := range p.Issues {
		fmt.Fprintf(w, "skipped trade %s: %s\n", is.TradeID, is.Reason)
	}
}
