// Package cli wires the cobra command tree for tochka-server: a
// single `serve` subcommand whose flags override the Viper-loaded
// internal/config, following the pack's precedent
// (VictorVVedtion-perp-dex) of pairing cobra with viper rather than
// bare `flag`.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"

	"tochka/internal/api"
	"tochka/internal/config"
	"tochka/internal/coordinator"
	"tochka/internal/domain"
	"tochka/internal/ledger"
	"tochka/internal/store"
	"tochka/internal/store/bbolt"
	"tochka/internal/store/postgres"
)

var (
	flagListen string
	flagStore  string
	flagDSN    string
	flagLogLvl string
)

// Execute runs the root command. Its error, if any, becomes the
// process's nonzero exit code, including a failure to open the store
// at startup. The store is opened once; a failed open is not retried.
func Execute() error {
	root := &cobra.Command{
		Use:   "tochka-server",
		Short: "Runs the tochka spot exchange matching core",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and matching core",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagListen, "listen", "", "override listen address (e.g. 0.0.0.0:9001)")
	serve.Flags().StringVar(&flagStore, "store", "", "override bbolt store file path")
	serve.Flags().StringVar(&flagDSN, "store-dsn", "", "postgres DSN; set to use the postgres backend instead of bbolt")
	serve.Flags().StringVar(&flagLogLvl, "log-level", "", "override log level (debug|info|warn|error)")
	root.AddCommand(serve)

	return root.Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagStore != "" {
		cfg.StorePath = flagStore
	}
	if flagDSN != "" {
		cfg.StoreDSN = flagDSN
	}
	if flagLogLvl != "" {
		cfg.LogLevel = flagLogLvl
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer db.Close()

	if err := bootstrap(context.Background(), db, cfg); err != nil {
		return fmt.Errorf("cli: bootstrap: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, tctx := tomb.WithContext(ctx)
	lg := ledger.New()
	coord := coordinator.New(t, tctx, db, lg)
	if err := primeLedger(context.Background(), db, lg); err != nil {
		return fmt.Errorf("cli: prime ledger: %w", err)
	}
	if err := coord.Recover(context.Background()); err != nil {
		return fmt.Errorf("cli: recover order books: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(coord, db).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	t.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("tochka-server: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	log.Info().Msg("tochka-server: shutting down")
	t.Kill(nil)
	return t.Wait()
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDSN != "" {
		return postgres.Open(cfg.StoreDSN)
	}
	return bbolt.Open(cfg.StorePath)
}

// bootstrap seeds the distinguished RUB instrument and an admin user
// (from TOCHKA_ADMIN_API_KEY) on each start where they are missing from
// the store, mirroring original_source's seed migration for the base
// currency.
func bootstrap(ctx context.Context, db store.Store, cfg config.Config) error {
	if _, err := db.GetInstrument(ctx, domain.RUBTicker); err != nil {
		if err := db.CreateInstrument(ctx, domain.Instrument{Ticker: domain.RUBTicker, Name: "Russian Ruble", IsActive: true}); err != nil {
			return fmt.Errorf("seed RUB instrument: %w", err)
		}
	}
	if cfg.AdminAPIKey == "" {
		return nil
	}
	if _, err := db.GetUserByAPIKey(ctx, cfg.AdminAPIKey); err == nil {
		return nil
	}
	admin := domain.User{ID: "admin", Name: "admin", APIKey: cfg.AdminAPIKey, Role: domain.RoleAdmin, IsActive: true}
	if err := db.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

// primeLedger loads every persisted balance row into the in-memory
// ledger so the coordinator's working copy matches the store exactly
// on restart.
func primeLedger(ctx context.Context, db store.Store, lg *ledger.Ledger) error {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		bals, err := db.ListBalances(ctx, u.ID)
		if err != nil {
			return err
		}
		for _, b := range bals {
			lg.Snapshot(b.UserID, b.Instrument, b.Available, b.Frozen)
		}
	}
	return nil
}
