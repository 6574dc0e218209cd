package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/market-sync/internal/model"
	"github.com/atmx/market-sync/internal/orderbook"
	"github.com/atmx/market-sync/internal/venue"
)

func newBookCmd() *cobra.Command {
	var (
		direction string
		depth     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "book <marketId>",
		Short: "Print the aggregated order book of a market from a REST snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid market id %q", args[0])
			}
			dir := model.Direction(direction)
			if !dir.Valid() {
				return fmt.Errorf("--direction must be Up or Down, got %q", direction)
			}
			cfg, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			if depth <= 0 {
				depth = cfg.BookDepth
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
			defer cancel()

			v := venue.New(cfg.VenueBaseURL, cfg.HTTPTimeout)
			orders, err := v.ListOrders(ctx, venue.OrderFilter{MarketID: &id, Status: model.OrderActive})
			if err != nil {
				return err
			}
			ladder := orderbook.Aggregate(orderbook.ForDirection(orders, dir), depth)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ladder)
			}
			printLadder(out, id, dir, ladder)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(model.Up), "side of the market: Up|Down")
	cmd.Flags().IntVar(&depth, "depth", 0, "levels per side (default BOOK_DEPTH)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the ladder as JSON")
	return cmd
}

func printLadder(w io.Writer, marketID int64, dir model.Direction, l orderbook.Ladder) {
	fmt.Fprintf(w, "Market %d %s\n\n", marketID, dir)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SIDE\tPRICE\tAMOUNT\tTOTAL\tORDERS\t")
	for i := len(l.Asks) - 1; i >= 0; i-- {
		a := l.Asks[i]
		fmt.Fprintf(tw, "ask\t%s\t%s\t%s\t%d\t\n", a.Price.Probability().StringFixed(4), a.Amount, a.Total, a.Orders)
	}
	for _, b := range l.Bids {
		fmt.Fprintf(tw, "bid\t%s\t%s\t%s\t%d\t\n", b.Price.Probability().StringFixed(4), b.Amount, b.Total, b.Orders)
	}
	tw.Flush()

	if l.Spread.Valid {
		fmt.Fprintf(w, "\nspread %s  mid %s\n", l.Spread.Decimal, l.MidPrice.Decimal)
	} else {
		fmt.Fprintln(w, "\nspread n/a  mid n/a")
	}
	for _, is := range l.Issues {
		fmt.Fprintf(w, "skipped %s: %s\n", is.OrderID, is.Reason)
	}
}
