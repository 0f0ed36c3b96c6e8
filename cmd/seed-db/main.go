package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/product"
	"github.com/clec/bundle-reseller/internal/repository"
)

type bundleJSON struct {
	ID          string                     `json:"id"`
	ProductType string                     `json:"productType"`
	Network     string                     `json:"network"`
	Variant     string                     `json:"variant"`
	Price       decimal.Decimal            `json:"price"`
	Inactive    bool                       `json:"inactive"`
	RolePrices  map[string]decimal.Decimal `json:"rolePrices"`
}

type options struct {
	databaseURL string
	catalogFile string
	agentID     string
	topUp       string
	jwtSecret   string
	tokenTTL    time.Duration
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.catalogFile, "catalog-file", "db/seed/catalog.json", "path to bundle catalog JSON file")
	flag.StringVar(&opts.agentID, "agent", "agent-demo", "agent whose wallet is topped up")
	flag.StringVar(&opts.topUp, "top-up", "500", "wallet top-up for the agent, 0 to skip")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", "", "print agent and admin tokens signed with this secret (or RESELLER_AUTH_JWTSECRET env)")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of printed tokens")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.jwtSecret == "" {
		opts.jwtSecret = os.Getenv("RESELLER_AUTH_JWTSECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("running migrations")

	if err := repository.Migrate(opts.databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := seedCatalog(ctx, repository.NewPriceRepository(pool), opts.catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	amount, err := decimal.NewFromString(opts.topUp)
	if err != nil {
		return errors.Wrap(err, "parse top-up")
	}
	if amount.IsPositive() {
		if err := seedWallet(ctx, repository.NewWalletRepository(pool), opts.agentID, amount); err != nil {
			return errors.Wrap(err, "seed wallet")
		}
	}

	if opts.jwtSecret != "" {
		return printTokens(opts)
	}
	return nil
}

func seedCatalog(ctx context.Context, prices *repository.PriceRepository, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var bundles []bundleJSON
	if err := json.Unmarshal(data, &bundles); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("upserting bundles", slog.Int("count", len(bundles)))

	ids := make([]string, 0, len(bundles))
	for _, b := range bundles {
		if err := prices.UpsertBundle(ctx, product.Bundle{
			ID:          b.ID,
			ProductType: b.ProductType,
			Network:     b.Network,
			Variant:     b.Variant,
			BasePrice:   b.Price,
			Active:      !b.Inactive,
		}); err != nil {
			return err
		}
		for role, price := range b.RolePrices {
			if err := prices.SetRolePrice(ctx, b.ID, role, price); err != nil {
				return err
			}
		}
		ids = append(ids, b.ID)
	}

	stored, err := prices.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, b := range stored {
		slog.Info("bundle",
			slog.String("id", b.ID),
			slog.String("network", b.Network),
			slog.String("variant", b.Variant),
			slog.String("price", b.BasePrice.StringFixed(2)),
			slog.Bool("active", b.Active),
		)
	}
	return nil
}

func seedWallet(ctx context.Context, wallets *repository.WalletRepository, agentID string, amount decimal.Decimal) error {
	// Keyed by day so that re-running the seed does not stack top-ups.
	key := fmt.Sprintf("seed-%s-%s", agentID, time.Now().UTC().Format(time.DateOnly))
	entry, err := wallets.Credit(ctx, agentID, amount, key, "seed")
	if err != nil {
		return err
	}

	slog.Info("wallet topped up",
		slog.String("agent", agentID),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("balance", entry.BalanceAfter.StringFixed(2)),
	)
	return nil
}

func printTokens(opts options) error {
	tokens := auth.NewTokens(opts.jwtSecret)
	for _, a := range []auth.Actor{
		{ID: opts.agentID, Role: auth.RoleAgent},
		{ID: "admin", Role: auth.RoleAdmin},
	} {
		tok, err := tokens.Issue(a, opts.tokenTTL)
		if err != nil {
			return errors.Wrapf(err, "issue %s token", a.Role)
		}
		fmt.Printf("%s\t%s\n", a.Role, tok)
	}
	return nil
}
