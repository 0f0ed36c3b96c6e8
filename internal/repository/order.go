package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

const orderColumns = `id, reference, kind, product_type, network, unit_price, total_amount,
	customer_phone, customer_email, actor_id, agent_slug, webhook_url, recipients,
	payment_method, payment_status, delivery_status, state, refunded_amount,
	refund_required, failure_reason, version, created_at, updated_at, completed_at`

const (
	createOrderSQL = `INSERT INTO orders (` + orderColumns + `, phones)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE reference = $1`

	updateOrderSQL = `UPDATE orders SET
			recipients = $3, payment_status = $4, delivery_status = $5, state = $6,
			refunded_amount = $7, refund_required = $8, failure_reason = $9,
			updated_at = $10, completed_at = $11, version = version + 1
		WHERE reference = $1 AND version = $2`

	listByStateSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE state = ANY($1)
			AND ($2 = '' OR payment_method = $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
			AND (NOT $4 OR EXISTS (
				SELECT 1 FROM jsonb_array_elements(recipients) r
				WHERE r->>'status' = 'failed' AND NOT COALESCE((r->>'refunded')::boolean, false)))
			AND ($6::timestamptz IS NULL OR (created_at, reference) > ($6, $7))
		ORDER BY created_at, reference
		LIMIT $5`

	listByPhoneSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE phones @> ARRAY[$1]::text[]
		ORDER BY created_at DESC
		LIMIT $2`

	latestPaidSQL = `SELECT max(created_at) FROM orders
		WHERE phones @> ARRAY[$1]::text[] AND product_type = $2 AND payment_status = 'paid'`

	appendAttemptSQL = `INSERT INTO dispatch_attempts
		(id, order_id, reference, phone, attempt, status, provider_ref, error, retryable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	attemptColumns = `id, order_id, reference, phone, attempt, status, provider_ref, error, retryable, created_at`

	listAttemptsSQL = `SELECT ` + attemptColumns + ` FROM dispatch_attempts
		WHERE reference = $1 ORDER BY created_at, attempt`

	attemptsBetweenSQL = `SELECT ` + attemptColumns + ` FROM dispatch_attempts
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`
)

const defaultListLimit = 100

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Recipients
// are stored as a JSONB document next to a phones array that serves the
// cooldown and search lookups.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

type recipientRow struct {
	Phone         string          `json:"phone"`
	Variant       string          `json:"variant"`
	ProductID     string          `json:"productId,omitempty"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	DispatchRef   string          `json:"dispatchRef,omitempty"`
	AcceptedAt    *time.Time      `json:"acceptedAt,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Refunded      bool            `json:"refunded"`
}

func marshalRecipients(rs []order.Recipient) ([]byte, []string, error) {
	rows := make([]recipientRow, len(rs))
	phones := make([]string, len(rs))
	for i, r := range rs {
		rows[i] = recipientRow{
			Phone:       r.Phone,
			Variant:     r.Variant,
			ProductID:   r.ProductID,
			UnitPrice:   r.UnitPrice,
			DispatchRef: r.DispatchRef,
			Status:      string(r.Status),
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			Refunded:    r.Refunded,
		}
		if !r.NextAttemptAt.IsZero() {
			t := r.NextAttemptAt.UTC()
			rows[i].NextAttemptAt = &t
		}
		if !r.AcceptedAt.IsZero() {
			t := r.AcceptedAt.UTC()
			rows[i].AcceptedAt = &t
		}
		phones[i] = r.Phone
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal recipients")
	}
	return b, phones, nil
}

func unmarshalRecipients(b []byte) ([]order.Recipient, error) {
	var rows []recipientRow
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, errors.Wrap(err, "unmarshal recipients")
	}
	out := make([]order.Recipient, len(rows))
	for i, r := range rows {
		out[i] = order.Recipient{
			Phone:       r.Phone,
			Variant:     r.Variant,
			ProductID:   r.ProductID,
			UnitPrice:   r.UnitPrice,
			DispatchRef: r.DispatchRef,
			Status:      order.RecipientStatus(r.Status),
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			Refunded:    r.Refunded,
		}
		if r.NextAttemptAt != nil {
			out[i].NextAttemptAt = *r.NextAttemptAt
		}
		if r.AcceptedAt != nil {
			out[i].AcceptedAt = *r.AcceptedAt
		}
	}
	return out, nil
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	recipients, phones, err := marshalRecipients(o.Recipients)
	if err != nil {
		return err
	}
	// The contact phone counts for cooldown as well.
	if !o.HasPhone(o.CustomerPhone) && o.CustomerPhone != "" {
		phones = append(phones, o.CustomerPhone)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Reference, o.Kind, o.ProductType, o.Network, o.UnitPrice, o.TotalAmount,
		o.CustomerPhone, o.CustomerEmail, o.ActorID, o.AgentSlug, o.WebhookURL, recipients,
		o.PaymentMethod, o.PaymentStatus, o.DeliveryStatus, o.State, o.RefundedAmount,
		o.RefundRequired, o.FailureReason, o.Version, o.CreatedAt, o.UpdatedAt, o.CompletedAt,
		phones,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(order.ErrConflict, "reference %q already exists", o.Reference)
		}
		return errors.Wrapf(err, "create order %q", o.Reference)
	}
	return nil
}

// GetByReference returns order.ErrOrderNotFound when no order matches.
func (r *OrderRepository) GetByReference(ctx context.Context, reference string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, reference)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", reference)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", reference)
	}
	return &o, nil
}

// UpdateIfVersion writes the mutable columns. Identity, pricing and contact
// columns are never rewritten.
func (r *OrderRepository) UpdateIfVersion(ctx context.Context, o *order.Order, expected int64) error {
	recipients, _, err := marshalRecipients(o.Recipients)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, updateOrderSQL,
		o.Reference, expected, recipients, o.PaymentStatus, o.DeliveryStatus, o.State,
		o.RefundedAmount, o.RefundRequired, o.FailureReason, o.UpdatedAt, o.CompletedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update order %q", o.Reference)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrConflict
	}
	o.Version = expected + 1
	return nil
}

func (r *OrderRepository) ListByState(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}
	var before *time.Time
	if !f.CreatedBefore.IsZero() {
		before = &f.CreatedBefore
	}
	var after *time.Time
	if !f.AfterCreatedAt.IsZero() {
		after = &f.AfterCreatedAt
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := r.pool.Query(ctx, listByStateSQL, states, string(f.Method), before, f.OwesRefund, limit,
		after, f.AfterReference)
	if err != nil {
		return nil, errors.Wrap(err, "list orders by state")
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) ListByPhone(ctx context.Context, phone string, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, listByPhoneSQL, phone, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders by phone")
	}
	return pgx.CollectRows(rows, scanOrder)
}

// LatestPaidOrderTime implements cooldown.Repository.
func (r *OrderRepository) LatestPaidOrderTime(ctx context.Context, phone, productType string) (time.Time, bool, error) {
	var latest *time.Time
	if err := r.pool.QueryRow(ctx, latestPaidSQL, phone, productType).Scan(&latest); err != nil {
		return time.Time{}, false, errors.Wrap(err, "latest paid order")
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

func (r *OrderRepository) AppendAttempt(ctx context.Context, a *order.DispatchAttempt) error {
	_, err := r.pool.Exec(ctx, appendAttemptSQL,
		a.ID, a.OrderID, a.Reference, a.Phone, a.Attempt, a.Status, a.ProviderRef, a.Error,
		a.Retryable, a.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "append attempt for %q", a.Reference)
	}
	return nil
}

func (r *OrderRepository) ListAttempts(ctx context.Context, reference string) ([]order.DispatchAttempt, error) {
	rows, err := r.pool.Query(ctx, listAttemptsSQL, reference)
	if err != nil {
		return nil, errors.Wrapf(err, "list attempts for %q", reference)
	}
	return pgx.CollectRows(rows, scanAttempt)
}

// EachAttempt streams the attempts created in [from, to) to fn in creation
// order. It stops at the first error fn returns.
func (r *OrderRepository) EachAttempt(ctx context.Context, from, to time.Time, fn func(order.DispatchAttempt) error) error {
	rows, err := r.pool.Query(ctx, attemptsBetweenSQL, from, to)
	if err != nil {
		return errors.Wrap(err, "query attempts")
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return errors.Wrap(err, "scan attempt")
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o          order.Order
		recipients []byte
	)
	err := row.Scan(
		&o.ID, &o.Reference, &o.Kind, &o.ProductType, &o.Network, &o.UnitPrice, &o.TotalAmount,
		&o.CustomerPhone, &o.CustomerEmail, &o.ActorID, &o.AgentSlug, &o.WebhookURL, &recipients,
		&o.PaymentMethod, &o.PaymentStatus, &o.DeliveryStatus, &o.State, &o.RefundedAmount,
		&o.RefundRequired, &o.FailureReason, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if err != nil {
		return o, err
	}
	o.Recipients, err = unmarshalRecipients(recipients)
	return o, err
}

func scanAttempt(row pgx.CollectableRow) (order.DispatchAttempt, error) {
	var a order.DispatchAttempt
	err := row.Scan(&a.ID, &a.OrderID, &a.Reference, &a.Phone, &a.Attempt, &a.Status,
		&a.ProviderRef, &a.Error, &a.Retryable, &a.CreatedAt)
	return a, err
}
