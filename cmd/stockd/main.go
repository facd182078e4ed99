package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"stockd/internal/api"
	"stockd/internal/config"
	"stockd/internal/economy"
	"stockd/internal/engine"
	"stockd/internal/market"
	"stockd/internal/store"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "stockd",
		Short:        "In-game stock market engine",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTickCmd(),
		newCheckConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the market engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			cfg, err := config.LoadServiceFromEnv()
			if err != nil {
				return err
			}
			marketCfg, err := config.LoadMarket(cfg.MarketConfigPath)
			if err != nil {
				return err
			}

			st, err := store.Open(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return err
			}

			eng := engine.New(engine.Options{
				Market:       marketCfg,
				Store:        st,
				Wallet:       economy.NewClient(cfg.WalletBaseURL, cfg.WalletToken),
				Logger:       logger,
				SaveInterval: cfg.SaveInterval,
				StoreTimeout: cfg.StoreTimeout,
				Workers:      cfg.Workers,
			})

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				eng.Run(ctx)
			}()

			server := api.New(cfg, logger, eng)
			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("stockd listening", "addr", cfg.Addr, "instruments", len(marketCfg.Stocks))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				stop()
				wg.Wait()
				return err
			}
			wg.Wait()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.LoadServiceFromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := store.Open(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema ready")
			return nil
		},
	}
}

func newTickCmd() *cobra.Command {
	var (
		path  string
		ticks int
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run price ticks against a transient market and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = os.Getenv("STOCKD_MARKET_CONFIG")
			}
			if path == "" {
				path = "market.yml"
			}
			marketCfg, err := config.LoadMarket(path)
			if err != nil {
				return err
			}

			reg := market.NewRegistry(marketCfg)
			clock := market.NewClock(reg, rand.New(rand.NewSource(seed)),
				marketCfg.PriceFloor, marketCfg.NotificationThresholdPercent)
			for i := 0; i < ticks; i++ {
				for _, alert := range clock.Tick() {
					fmt.Printf("tick %d: %s %0.2f -> %0.2f (%+.2f%%)\n",
						i+1, alert.InstrumentID, alert.OldPrice, alert.NewPrice, alert.PercentChange)
				}
			}
			for _, inst := range reg.List() {
				trend, _ := reg.Trend(inst.ID)
				fmt.Printf("%-12s %-24s %10.2f  trend=%s\n", inst.ID, inst.DisplayName, inst.Price, trend.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "market config path (defaults to STOCKD_MARKET_CONFIG)")
	cmd.Flags().IntVar(&ticks, "n", 1, "number of ticks to run")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate a market config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.LoadServiceFromEnv()
				if err == nil {
					path = cfg.MarketConfigPath
				} else {
					path = "market.yml"
				}
			}
			marketCfg, err := config.LoadMarket(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d instruments, fee %.2f%%, tick %ds)\n",
				path, len(marketCfg.Stocks), marketCfg.TransactionFeePercent, marketCfg.UpdateIntervalSeconds)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "market config path (defaults to STOCKD_MARKET_CONFIG)")
	return cmd
}
