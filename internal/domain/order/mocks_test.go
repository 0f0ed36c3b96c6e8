package order

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clec/bundle-reseller/internal/domain/cooldown"
	"github.com/clec/bundle-reseller/internal/domain/product"
)

// --- Mock implementations ---

type memRepo struct {
	mu       sync.Mutex
	orders   map[string]*Order
	attempts []DispatchAttempt
	// conflicts makes the next N updates fail with ErrConflict.
	conflicts int
	updates   int
	lists     int
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]*Order)}
}

func (m *memRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.Reference]; ok {
		return fmt.Errorf("duplicate reference %s", o.Reference)
	}
	o.Version = 1
	m.orders[o.Reference] = o.Clone()
	return nil
}

func (m *memRepo) GetByReference(_ context.Context, reference string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[reference]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *memRepo) UpdateIfVersion(_ context.Context, o *Order, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return ErrConflict
	}
	cur, ok := m.orders[o.Reference]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != expected {
		return ErrConflict
	}
	o.Version = expected + 1
	m.orders[o.Reference] = o.Clone()
	m.updates++
	return nil
}

func (m *memRepo) ListByState(_ context.Context, f ListFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if !slices.Contains(f.States, o.State) {
			continue
		}
		if f.Method != "" && o.PaymentMethod != f.Method {
			continue
		}
		if !f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if f.OwesRefund && o.OwedRefund().IsZero() {
			continue
		}
		if !f.AfterCreatedAt.IsZero() && !afterCursor(o, f.AfterCreatedAt, f.AfterReference) {
			continue
		}
		out = append(out, *o.Clone())
	}
	slices.SortFunc(out, func(a, b Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Reference, b.Reference)
	})
	m.lists++
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func afterCursor(o *Order, createdAt time.Time, reference string) bool {
	if c := o.CreatedAt.Compare(createdAt); c != 0 {
		return c > 0
	}
	return o.Reference > reference
}

func (m *memRepo) ListByPhone(_ context.Context, phone string, _ int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.HasPhone(phone) {
			out = append(out, *o.Clone())
		}
	}
	return out, nil
}

func (m *memRepo) AppendAttempt(_ context.Context, a *DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *memRepo) ListAttempts(_ context.Context, reference string) ([]DispatchAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DispatchAttempt
	for _, a := range m.attempts {
		if a.Reference == reference {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memWallet struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  map[string]WalletEntry
	credits  []WalletEntry
	debitErr error
	// commitThenErr applies the debit and then reports debitErr, like a
	// commit whose acknowledgement was lost.
	commitThenErr bool
}

func newMemWallet(actorID, balance string) *memWallet {
	return &memWallet{
		balances: map[string]decimal.Decimal{actorID: decimal.RequireFromString(balance)},
		entries:  make(map[string]WalletEntry),
	}
}

func (w *memWallet) Debit(_ context.Context, actorID string, amount decimal.Decimal, key, reference string) (WalletEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debitErr != nil && !w.commitThenErr {
		return WalletEntry{}, w.debitErr
	}
	if e, ok := w.entries[key]; ok {
		return e, nil
	}
	bal := w.balances[actorID]
	if bal.LessThan(amount) {
		return WalletEntry{}, &InsufficientFundsError{Required: amount, Available: bal}
	}
	e := WalletEntry{ActorID: actorID, Amount: amount, BalanceBefore: bal, BalanceAfter: bal.Sub(amount), IdempotencyKey: key, Reference: reference}
	w.balances[actorID] = e.BalanceAfter
	w.entries[key] = e
	if w.debitErr != nil {
		return WalletEntry{}, w.debitErr
	}
	return e, nil
}

func (w *memWallet) Entry(_ context.Context, key string) (WalletEntry, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	return e, ok, nil
}

func (w *memWallet) Credit(_ context.Context, actorID string, amount decimal.Decimal, key, reference string) (WalletEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[key]; ok {
		return e, nil
	}
	bal := w.balances[actorID]
	e := WalletEntry{ActorID: actorID, Credit: true, Amount: amount, BalanceBefore: bal, BalanceAfter: bal.Add(amount), IdempotencyKey: key, Reference: reference}
	w.balances[actorID] = e.BalanceAfter
	w.entries[key] = e
	w.credits = append(w.credits, e)
	return e, nil
}

func (w *memWallet) balance(actorID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[actorID]
}

type mockPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (m *mockPrices) Resolve(_ context.Context, q product.PriceQuery) (product.Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	amount, ok := m.prices[q.Variant]
	if !ok {
		return product.Price{}, product.ErrBundleNotFound
	}
	return product.Price{ProductID: q.Network + "-" + q.Variant, Variant: q.Variant, Amount: amount}, nil
}

type mockGateway struct {
	mu          sync.Mutex
	verify      Verification
	verifyErr   error
	initErr     error
	verifyCalls int
	initCalls   int
	requests    []PaymentRequest
}

func (g *mockGateway) Initialize(_ context.Context, req PaymentRequest) (PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	if g.initErr != nil {
		return PaymentSession{}, g.initErr
	}
	g.requests = append(g.requests, req)
	return PaymentSession{AuthorizationURL: "https://pay.example.com/" + req.Reference}, nil
}

func (g *mockGateway) Verify(_ context.Context, reference string) (Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return Verification{}, g.verifyErr
	}
	v := g.verify
	v.Reference = reference
	return v, nil
}

type dispatchReply struct {
	out DispatchOutcome
	err error
}

type mockDispatcher struct {
	mu      sync.Mutex
	replies map[string][]dispatchReply
	calls   []DispatchRequest
	status  map[string]RecipientStatus
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{replies: make(map[string][]dispatchReply), status: make(map[string]RecipientStatus)}
}

// on queues replies for a phone; once drained, calls succeed.
func (d *mockDispatcher) on(phone string, replies ...dispatchReply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[phone] = append(d.replies[phone], replies...)
}

func (d *mockDispatcher) DispatchOne(_ context.Context, req DispatchRequest) (DispatchOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	phone := req.Recipient.Phone
	if q := d.replies[phone]; len(q) > 0 {
		d.replies[phone] = q[1:]
		return q[0].out, q[0].err
	}
	return DispatchOutcome{ProviderRef: "PRV-" + phone, Status: RecipientProcessing}, nil
}

func (d *mockDispatcher) Status(_ context.Context, providerRef string) (RecipientStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.status[providerRef]; ok {
		return s, nil
	}
	return RecipientProcessing, nil
}

func (d *mockDispatcher) callsFor(phone string) []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DispatchRequest
	for _, c := range d.calls {
		if c.Recipient.Phone == phone {
			out = append(out, c)
		}
	}
	return out
}

func (d *mockDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type mockCooldown struct {
	blocked map[string]cooldown.Decision
	calls   int
}

func (m *mockCooldown) Check(_ context.Context, phone, _ string) (cooldown.Decision, error) {
	m.calls++
	if d, ok := m.blocked[phone]; ok {
		return d, nil
	}
	return cooldown.Decision{Allowed: true}, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []Order
}

func (n *mockNotifier) OrderUpdated(_ context.Context, o *Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, *o)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
