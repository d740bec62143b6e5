package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crank_go/internal/catalog"
	"crank_go/internal/domain"
	"crank_go/internal/infra"
	"crank_go/internal/infra/rpc"
	"crank_go/internal/infra/storage"
)

// NewMarketsCommand creates the markets command, which manages the
// operator-owned market list in storage. Running cranks pick up changes on
// their next catalog refresh.
func NewMarketsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "Manage stored markets",
	}
	cmd.AddCommand(
		newMarketsListCommand(rootOpts),
		newMarketsAddCommand(rootOpts),
		newMarketsToggleCommand(rootOpts, "enable", true),
		newMarketsToggleCommand(rootOpts, "disable", false),
		newMarketsRemoveCommand(rootOpts),
		newMarketsHistoryCommand(rootOpts),
	)
	return cmd
}

func openStore(opts *RootOptions) (*infra.Config, *storage.Storage, error) {
	cfg, err := infra.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func newMarketsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored markets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListMarkets(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tEVENT QUEUE\tTICK\tMIN SIZE\tENABLED")
			for _, r := range recs {
				m, err := r.Market()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
					m.Label(), r.Address, r.EventQueue, m.TickSize().String(), m.MinSize().String(), r.Enabled)
			}
			return w.Flush()
		},
	}
}

func newMarketsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		mc      infra.MarketConfig
		resolve bool
	)
	cmd := &cobra.Command{
		Use:   "add <market-address>",
		Short: "Add or update a market and enable it",
		Long: `Add a market to storage. With --resolve the event queue, mints, lot sizes and
decimals are read from the chain; otherwise they come from flags.

Example:
  crank markets add 9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT --resolve --name SOL/USDC`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			mc.Address = args[0]
			m, err := mc.ToMarket()
			if err != nil {
				return err
			}
			if resolve {
				m, err = resolveMarket(cmd.Context(), cfg, m)
				if err != nil {
					return err
				}
			}
			if err := m.Validate(); err != nil {
				return err
			}
			if err := store.UpsertMarket(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "market %s (%s) enabled\n", m.Label(), m.Address)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&mc.Name, "name", "", "display name")
	f.BoolVar(&resolve, "resolve", false, "read market parameters from the chain")
	f.StringVar(&mc.EventQueue, "event-queue", "", "event queue address")
	f.StringVar(&mc.RequestQueue, "request-queue", "", "request queue address")
	f.StringVar(&mc.BaseMint, "base-mint", "", "base mint address")
	f.StringVar(&mc.QuoteMint, "quote-mint", "", "quote mint address")
	f.Uint64Var(&mc.BaseLotSize, "base-lot-size", 0, "base lot size in native units")
	f.Uint64Var(&mc.QuoteLotSize, "quote-lot-size", 0, "quote lot size in native units")
	f.Uint8Var(&mc.BaseDecimals, "base-decimals", 0, "base mint decimals")
	f.Uint8Var(&mc.QuoteDecimals, "quote-decimals", 0, "quote mint decimals")
	f.StringVar(&mc.BaseFeeReceivable, "base-fee-receivable", "", "base fee receivable account (defaults to the payer)")
	f.StringVar(&mc.QuoteFeeReceivable, "quote-fee-receivable", "", "quote fee receivable account (defaults to the payer)")
	return cmd
}

// resolveMarket fills m from the chain, keeping the name and fee accounts
// given on the command line.
func resolveMarket(ctx context.Context, cfg *infra.Config, m domain.Market) (domain.Market, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resolved, err := catalog.NewChainResolver(rpc.NewClient(cfg), nil).Resolve(ctx, m.Address)
	if err != nil {
		return domain.Market{}, err
	}
	if m.Name != "" {
		resolved.Name = m.Name
	}
	if !m.BaseFeeReceivable.IsZero() {
		resolved.BaseFeeReceivable = m.BaseFeeReceivable
	}
	if !m.QuoteFeeReceivable.IsZero() {
		resolved.QuoteFeeReceivable = m.QuoteFeeReceivable
	}
	return resolved, nil
}

func newMarketsToggleCommand(rootOpts *RootOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <market-address>",
		Short: verb + " cranking of a stored market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			_, store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetEnabled(addr, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "market %s %sd\n", addr, verb)
			return nil
		},
	}
}

func newMarketsRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <market-address>",
		Short: "Delete a stored market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			_, store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteMarket(addr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "market %s removed\n", addr)
			return nil
		},
	}
}

func newMarketsHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <market-address>",
		Short: "Show recent crank cycles for a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			_, store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.RecentCycles(addr, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tKIND\tEVENTS\tSEQ\tRETRIES\tLATENCY MS\tSIGNATURE\tERROR")
			for _, r := range recs {
				seq := "-"
				if r.Events > 0 {
					seq = fmt.Sprintf("%d..%d", r.FirstSeq, r.LastSeq)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
					r.At.Format("2006-01-02 15:04:05"), r.Kind, r.Events, seq, r.Retries, r.LatencyMS, r.Signature, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of cycles to show")
	return cmd
}
