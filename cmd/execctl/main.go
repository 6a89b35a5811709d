// execctl is the ops CLI: database checks, catalog maintenance, and a paper
// smoke flow that exercises the whole pipeline without touching a venue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/marketdata"
	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	root := &cobra.Command{
		Use:           "execctl",
		Short:         "ExecDesk operations CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(dbCmd(), catalogCmd(), smokeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openDB() (*config.Config, *database.Database, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that every required table exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			ok, missing := db.ValidateSchema()
			if !ok {
				return fmt.Errorf("schema invalid; missing tables: %v", missing)
			}
			fmt.Println("schema ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			if err := db.Migrate(); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	})

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Product catalog maintenance"}

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh the product catalog from the public listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			if err := db.Migrate(); err != nil {
				return err
			}
			cat := catalog.New(db, cfg.CoinbaseExchangeBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := cat.Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("stored %d products\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "product <product_id>",
		Short: "Show one catalog product with safe defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			cat := catalog.New(db, cfg.CoinbaseExchangeBase)
			p, err := cat.GetProduct(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("product %s not in catalog", args[0])
			}
			out, _ := json.MarshalIndent(p, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	})

	return cmd
}

func smokeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "smoke", Short: "End-to-end smoke flows"}

	var amount float64
	var asset string
	paper := &cobra.Command{
		Use:   "paper-flow",
		Short: "Run a small paper BUY through the full DAG",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB()
			if err != nil {
				return err
			}
			if err := db.Migrate(); err != nil {
				return err
			}

			cat := catalog.New(db, cfg.CoinbaseExchangeBase)
			feed := marketdata.NewFeed(cfg.CoinbaseExchangeBase, []string{asset + "-USD"})
			meta := metadata.New(db, cat, cfg.CoinbaseAPIBase, nil)
			fetcher := executable.NewFetcher(db, nil, false)

			providers := func(mode, sourceRunID string) (broker.Provider, error) {
				return broker.NewPaper(db, feed.GetPrice), nil
			}
			runner := orchestrator.NewRunner(db, cfg, providers, fetcher, meta, feed.GetPrice, nil)

			proposal := orchestrator.Proposal{Orders: []orchestrator.ProposalOrder{{
				Symbol:      asset + "-USD",
				Side:        "BUY",
				NotionalUSD: decimal.NewFromFloat(amount),
			}}}
			runID, err := runner.CreateRun("smoke", "PAPER", "CRYPTO", asset+"-USD", proposal, `{"confirmed":true}`)
			if err != nil {
				return err
			}
			runner.Execute(cmd.Context(), runID, "smoke")

			run, err := db.GetRun(runID, "smoke")
			if err != nil || run == nil {
				return fmt.Errorf("run %s not found after execution", runID)
			}
			orders, _ := db.ListOrdersByRun(runID)
			fmt.Printf("run %s finished %s with %d order(s)\n", runID, run.Status, len(orders))
			for _, o := range orders {
				fmt.Printf("  %s %s %s $%s → %s\n", o.Side, o.Symbol, o.OrderID, o.NotionalUSD.StringFixed(2), o.Status)
			}
			return nil
		},
	}
	paper.Flags().Float64Var(&amount, "amount", 3.0, "notional USD")
	paper.Flags().StringVar(&asset, "asset", "BTC", "asset symbol")
	cmd.AddCommand(paper)

	return cmd
}
