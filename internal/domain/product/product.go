package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrBundleNotFound is returned when no active bundle matches the requested
// volume or product ID on the network.
var ErrBundleNotFound = errors.New("no bundle for volume and network")

// Bundle is a sellable data bundle in the catalog.
type Bundle struct {
	ID          string
	ProductType string
	Network     string
	// Variant is the data volume, e.g. "1GB".
	Variant   string
	BasePrice decimal.Decimal
	Active    bool
}

// PriceQuery identifies the bundle and the actor buying it. Either Variant or
// ProductID must be set.
type PriceQuery struct {
	ProductType string
	Network     string
	Variant     string
	ProductID   string
	ActorID     string
	Role        string
	AgentSlug   string
}

// Price is the unit price charged for one recipient.
type Price struct {
	ProductID string
	Variant   string
	Amount    decimal.Decimal
}

// Resolver returns the unit price for a bundle: an agent's custom price
// first, then the role price, then the bundle's base price.
type Resolver interface {
	Resolve(ctx context.Context, q PriceQuery) (Price, error)
}

// Repository reads the bundle catalog.
type Repository interface {
	Resolver
	GetByIDs(ctx context.Context, ids []string) ([]Bundle, error)
}
