package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/product"
)

const (
	// Agent price first, then role price, then base price.
	resolvePriceSQL = `SELECT b.id, b.variant,
			COALESCE(ap.price, rp.price, b.base_price)
		FROM bundles b
		LEFT JOIN agent_prices ap ON ap.bundle_id = b.id AND ap.agent_id = $5
		LEFT JOIN role_prices rp ON rp.bundle_id = b.id AND rp.role = $6
		WHERE b.active AND b.product_type = $1 AND b.network = $2
			AND (($3 <> '' AND b.id = $3) OR ($3 = '' AND upper(b.variant) = upper($4)))
		LIMIT 1`

	getBundlesByIDsSQL = `SELECT id, product_type, network, variant, base_price, active
		FROM bundles WHERE id = ANY($1)`

	upsertBundleSQL = `INSERT INTO bundles (id, product_type, network, variant, base_price, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET product_type = EXCLUDED.product_type,
			network = EXCLUDED.network, variant = EXCLUDED.variant,
			base_price = EXCLUDED.base_price, active = EXCLUDED.active`

	upsertRolePriceSQL = `INSERT INTO role_prices (bundle_id, role, price) VALUES ($1, $2, $3)
		ON CONFLICT (bundle_id, role) DO UPDATE SET price = EXCLUDED.price`

	upsertAgentPriceSQL = `INSERT INTO agent_prices (bundle_id, agent_id, price) VALUES ($1, $2, $3)
		ON CONFLICT (bundle_id, agent_id) DO UPDATE SET price = EXCLUDED.price`
)

var _ product.Repository = (*PriceRepository)(nil)

// PriceRepository resolves bundle prices from the catalog tables.
type PriceRepository struct {
	pool *pgxpool.Pool
}

// NewPriceRepository returns a PriceRepository that uses the given pool.
func NewPriceRepository(pool *pgxpool.Pool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

// Resolve returns product.ErrBundleNotFound when no active bundle matches.
func (r *PriceRepository) Resolve(ctx context.Context, q product.PriceQuery) (product.Price, error) {
	var p product.Price
	err := r.pool.QueryRow(ctx, resolvePriceSQL,
		q.ProductType, q.Network, q.ProductID, q.Variant, q.ActorID, q.Role,
	).Scan(&p.ProductID, &p.Variant, &p.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Price{}, product.ErrBundleNotFound
		}
		return product.Price{}, errors.Wrap(err, "resolve price")
	}
	return p, nil
}

// GetByIDs returns bundles matching any of the given IDs.
func (r *PriceRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Bundle, error) {
	rows, err := r.pool.Query(ctx, getBundlesByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get bundles by ids")
	}
	return pgx.CollectRows(rows, scanBundle)
}

func scanBundle(row pgx.CollectableRow) (product.Bundle, error) {
	var (
		b     product.Bundle
		price decimal.Decimal
	)
	err := row.Scan(&b.ID, &b.ProductType, &b.Network, &b.Variant, &price, &b.Active)
	b.BasePrice = price
	return b, err
}

// UpsertBundle creates or replaces a catalog entry.
func (r *PriceRepository) UpsertBundle(ctx context.Context, b product.Bundle) error {
	if b.ProductType == "" {
		b.ProductType = "data_bundle"
	}
	_, err := r.pool.Exec(ctx, upsertBundleSQL, b.ID, b.ProductType, b.Network, b.Variant, b.BasePrice, b.Active)
	return errors.Wrapf(err, "upsert bundle %s", b.ID)
}

// SetRolePrice overrides the base price of a bundle for every actor of role.
func (r *PriceRepository) SetRolePrice(ctx context.Context, bundleID, role string, price decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, upsertRolePriceSQL, bundleID, role, price)
	return errors.Wrapf(err, "set %s price of %s", role, bundleID)
}

// SetAgentPrice sets an agent's custom price, which wins over role prices.
func (r *PriceRepository) SetAgentPrice(ctx context.Context, bundleID, agentID string, price decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, upsertAgentPriceSQL, bundleID, agentID, price)
	return errors.Wrapf(err, "set agent %s price of %s", agentID, bundleID)
}
