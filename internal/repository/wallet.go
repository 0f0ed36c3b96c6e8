package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

const (
	entryColumns = `id, actor_id, kind, amount, balance_before, balance_after, idempotency_key, reference, created_at`

	entryByKeySQL = `SELECT ` + entryColumns + ` FROM wallet_entries WHERE idempotency_key = $1`

	lockWalletSQL = `SELECT balance FROM wallets WHERE actor_id = $1 FOR UPDATE`

	ensureWalletSQL = `INSERT INTO wallets (actor_id) VALUES ($1) ON CONFLICT (actor_id) DO NOTHING`

	setBalanceSQL = `UPDATE wallets SET balance = $2, updated_at = $3 WHERE actor_id = $1`

	insertEntrySQL = `INSERT INTO wallet_entries (` + entryColumns + `, memo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	balanceSQL = `SELECT balance FROM wallets WHERE actor_id = $1`
)

// ErrKeyReused is returned when an idempotency key is replayed with a
// different actor, direction or amount than the entry it recorded.
var ErrKeyReused = errors.New("idempotency key reused for a different movement")

var _ order.Wallet = (*WalletRepository)(nil)

// WalletRepository is the wallet ledger. Each movement locks the wallet row,
// writes one entry and the new balance in a single transaction.
type WalletRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool, now: time.Now}
}

// Balance returns zero for an actor without a wallet.
func (r *WalletRepository) Balance(ctx context.Context, actorID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, balanceSQL, actorID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "balance of %q", actorID)
	}
	return balance, nil
}

// Debit fails with *order.InsufficientFundsError and moves nothing when the
// balance is below amount.
func (r *WalletRepository) Debit(ctx context.Context, actorID string, amount decimal.Decimal, key, reference string) (order.WalletEntry, error) {
	if !amount.IsPositive() {
		return order.WalletEntry{}, &order.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return r.move(ctx, actorID, amount.Neg(), key, reference, "order payment")
}

func (r *WalletRepository) Credit(ctx context.Context, actorID string, amount decimal.Decimal, key, reference string) (order.WalletEntry, error) {
	if !amount.IsPositive() {
		return order.WalletEntry{}, &order.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return r.move(ctx, actorID, amount, key, reference, "refund")
}

func (r *WalletRepository) move(ctx context.Context, actorID string, delta decimal.Decimal, key, reference, memo string) (entry order.WalletEntry, err error) {

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, ensureWalletSQL, actorID); err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "ensure wallet")
	}

	var balance decimal.Decimal
	if err := tx.QueryRow(ctx, lockWalletSQL, actorID).Scan(&balance); err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "lock wallet")
	}

	// Checked under the row lock so concurrent replays of one key serialize.
	if prev, found, err := entryByKey(ctx, tx, key); err != nil {
		return order.WalletEntry{}, err
	} else if found {
		if prev.ActorID != actorID || prev.Credit != delta.IsPositive() || !prev.Amount.Equal(delta.Abs()) {
			return order.WalletEntry{}, errors.Wrapf(ErrKeyReused,
				"key %q belongs to a %s of %s for %q", key, entryKind(prev.Credit), prev.Amount.StringFixed(2), prev.ActorID)
		}
		return prev, tx.Commit(ctx)
	}

	after := balance.Add(delta)
	if after.IsNegative() {
		return order.WalletEntry{}, &order.InsufficientFundsError{Required: delta.Neg(), Available: balance}
	}

	now := r.now()
	entry = order.WalletEntry{
		ID:             uuid.NewString(),
		ActorID:        actorID,
		Credit:         delta.IsPositive(),
		Amount:         delta.Abs(),
		BalanceBefore:  balance,
		BalanceAfter:   after,
		IdempotencyKey: key,
		Reference:      reference,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(ctx, insertEntrySQL,
		entry.ID, actorID, entryKind(entry.Credit), entry.Amount, balance, after, key, reference, now, memo,
	); err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "insert entry")
	}
	if _, err := tx.Exec(ctx, setBalanceSQL, actorID, after, now); err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "set balance")
	}
	if err := tx.Commit(ctx); err != nil {
		return order.WalletEntry{}, errors.Wrap(err, "commit")
	}
	return entry, nil
}

// Entry looks up the movement recorded under key.
func (r *WalletRepository) Entry(ctx context.Context, key string) (order.WalletEntry, bool, error) {
	rows, err := r.pool.Query(ctx, entryByKeySQL, key)
	if err != nil {
		return order.WalletEntry{}, false, errors.Wrap(err, "lookup entry")
	}
	return collectEntry(rows)
}

func entryKind(credit bool) string {
	if credit {
		return "credit"
	}
	return "debit"
}

func entryByKey(ctx context.Context, tx pgx.Tx, key string) (order.WalletEntry, bool, error) {
	rows, err := tx.Query(ctx, entryByKeySQL, key)
	if err != nil {
		return order.WalletEntry{}, false, errors.Wrap(err, "lookup entry")
	}
	return collectEntry(rows)
}

func collectEntry(rows pgx.Rows) (order.WalletEntry, bool, error) {
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.WalletEntry{}, false, nil
	}
	if err != nil {
		return order.WalletEntry{}, false, errors.Wrap(err, "lookup entry")
	}
	return e, true, nil
}

func scanEntry(row pgx.CollectableRow) (order.WalletEntry, error) {
	var (
		e    order.WalletEntry
		kind string
	)
	err := row.Scan(&e.ID, &e.ActorID, &kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.IdempotencyKey, &e.Reference, &e.CreatedAt)
	e.Credit = kind == "credit"
	return e, err
}
