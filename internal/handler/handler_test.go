package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/domain/product"
	"github.com/clec/bundle-reseller/internal/gateway"
	"github.com/clec/bundle-reseller/internal/provider"
	"github.com/clec/bundle-reseller/internal/queue"
)

const (
	gatewaySecret  = "sk_test"
	providerSecret = "provider-secret"
	tokenSecret    = "jwt-secret"
)

// --- Mock implementations ---

type mockOrders struct {
	mu        sync.Mutex
	lastReq   order.CreateOrderRequest
	result    *order.CreateOrderResult
	order     *order.Order
	attempts  []order.DispatchAttempt
	refunded  decimal.Decimal
	err       error
	createErr error
}

func (m *mockOrders) CreateOrder(_ context.Context, req order.CreateOrderRequest) (*order.CreateOrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	return m.result, m.createErr
}

func (m *mockOrders) VerifyOrder(_ context.Context, _ string) (*order.Order, error) {
	return m.order, m.err
}

func (m *mockOrders) RetryDispatch(_ context.Context, _ string) (*order.Order, error) {
	return m.order, m.err
}

func (m *mockOrders) MarkManualRefund(_ context.Context, _ string, amount decimal.Decimal) (*order.Order, error) {
	m.refunded = amount
	return m.order, m.err
}

func (m *mockOrders) ListAttempts(_ context.Context, _ string) ([]order.DispatchAttempt, error) {
	return m.attempts, m.err
}

type mockPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, ev queue.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

// --- Helpers ---

type testEnv struct {
	srv    *httptest.Server
	orders *mockOrders
	events *mockPublisher
	tokens *auth.Tokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		orders: &mockOrders{},
		events: &mockPublisher{},
		tokens: auth.NewTokens(tokenSecret),
	}
	h := NewHandler(Config{DedupCapacity: 16},
		env.orders,
		gateway.NewClient(gateway.Config{SecretKey: gatewaySecret}, nil),
		provider.NewClient(provider.Config{Secret: providerSecret}, nil),
		env.tokens,
		env.events,
	)
	env.srv = httptest.NewServer(h.Routes())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) token(t *testing.T, a auth.Actor) string {
	t.Helper()
	tok, err := env.tokens.Issue(a, time.Hour)
	require.NoError(t, err)
	return tok
}

func (env *testEnv) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, env.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func testOrder() *order.Order {
	created := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return &order.Order{
		Reference:      "CLEC-ABC123",
		Kind:           order.KindSingle,
		Network:        "mtn",
		TotalAmount:    decimal.RequireFromString("12.5"),
		PaymentMethod:  order.PaymentGateway,
		PaymentStatus:  order.PaymentPending,
		DeliveryStatus: order.DeliveryPending,
		State:          order.StateCreated,
		CreatedAt:      created,
		Recipients: []order.Recipient{{
			Phone:     "0241234567",
			Variant:   "2GB",
			ProductID: "mtn-2gb",
			UnitPrice: decimal.RequireFromString("12.5"),
			Status:    order.RecipientPending,
		}},
	}
}

// --- Tests ---

func TestCreateOrder_Gateway(t *testing.T) {
	env := newTestEnv(t)
	env.orders.result = &order.CreateOrderResult{Order: testOrder(), PaymentURL: "https://pay.example/abc"}

	resp, body := env.do(t, http.MethodPost, "/checkout/initialize",
		`{"network":"mtn","customerPhone":"024 123 4567","volume":2,"paymentMethod":"gateway","webhookUrl":"https://hooks.example/x"}`, nil)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, `"paymentUrl":"https://pay.example/abc"`)
	assert.Contains(t, body, `"reference":"CLEC-ABC123"`)
	assert.Contains(t, body, `"amount":"12.50"`)

	req := env.orders.lastReq
	assert.Equal(t, defaultProductType, req.ProductType)
	assert.Equal(t, "2GB", req.Variant)
	assert.Equal(t, order.KindSingle, req.Recipients.Kind())
	assert.Equal(t, []string{"024 123 4567"}, req.Recipients.Phones())
	assert.Equal(t, "https://hooks.example/x", req.WebhookURL)
	assert.Nil(t, req.Actor)
}

func TestCreateOrder_WalletBulkWithActor(t *testing.T) {
	env := newTestEnv(t)
	o := testOrder()
	o.Kind = order.KindBulk
	o.PaymentMethod = order.PaymentWallet
	env.orders.result = &order.CreateOrderResult{Order: o, Wallet: &order.WalletSummary{
		PreviousBalance: decimal.NewFromInt(100),
		AmountDeducted:  decimal.RequireFromString("12.5"),
		NewBalance:      decimal.RequireFromString("87.5"),
	}}
	header := http.Header{"Authorization": {"Bearer " + env.token(t, auth.Actor{ID: "agent-7", Role: auth.RoleAgent})}}

	resp, body := env.do(t, http.MethodPost, "/checkout/initialize",
		`{"productType":"data_bundle","network":"mtn","customerPhones":["0241234567","0201234567"],"productId":"mtn-2gb","paymentMethod":"wallet"}`, header)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, `"wallet":{"previousBalance":"100.00","amountDeducted":"12.50","newBalance":"87.50"}`)

	req := env.orders.lastReq
	require.NotNil(t, req.Actor)
	if diff := cmp.Diff(auth.Actor{ID: "agent-7", Role: auth.RoleAgent}, *req.Actor); diff != "" {
		t.Errorf("actor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, order.KindBulk, req.Recipients.Kind())
	assert.Len(t, req.Recipients.Phones(), 2)
}

func TestCreateOrder_BadToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/checkout/initialize", `{}`, http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, resp *http.Response, body string)
	}{
		{name: "validation", err: &order.ValidationError{Field: "network", Reason: "required"}, status: http.StatusBadRequest},
		{
			name:   "insufficient funds",
			err:    &order.InsufficientFundsError{Required: decimal.NewFromInt(20), Available: decimal.NewFromInt(5)},
			status: http.StatusBadRequest,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, `"required":"20.00"`)
				assert.Contains(t, body, `"available":"5.00"`)
			},
		},
		{name: "unknown bundle", err: errors.Wrap(product.ErrBundleNotFound, "resolve"), status: http.StatusNotFound},
		{
			name:   "cooldown",
			err:    &order.CooldownError{Phone: "0241234567", Minutes: 7, RetryAfter: 7 * time.Minute},
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, resp *http.Response, body string) {
				assert.Equal(t, "420", resp.Header.Get("Retry-After"))
				assert.Contains(t, body, `"cooldownMinutes":7`)
				assert.Contains(t, body, `"phone":"0241234567"`)
			},
		},
		{name: "gateway", err: &order.GatewayError{Op: "initialize", Err: errors.New("boom")}, status: http.StatusBadGateway},
		{name: "internal", err: errors.New("db down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.orders.createErr = tt.err

			resp, body := env.do(t, http.MethodPost, "/checkout/initialize", `{"network":"mtn","customerPhone":"0241234567","volume":"2GB","paymentMethod":"gateway"}`, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, body, `"status":false`)
			if tt.check != nil {
				tt.check(t, resp, body)
			}
		})
	}
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/checkout/initialize", `{"network":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyOrder(t *testing.T) {
	env := newTestEnv(t)
	o := testOrder()
	o.State = order.StateDelivered
	o.Recipients[0].Status = order.RecipientDelivered
	env.orders.order = o

	resp, body := env.do(t, http.MethodGet, "/transactions/verify/CLEC-ABC123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"delivered"`)
	assert.Contains(t, body, `"products":[{"phone":"0241234567","volume":"2GB","productId":"mtn-2gb","price":"12.50","status":"delivered"}]`)
}

func TestVerifyOrder_GatewayUnavailableReturnsStoredOrder(t *testing.T) {
	env := newTestEnv(t)
	env.orders.order = testOrder()
	env.orders.err = &order.GatewayError{Op: "verify", Retryable: true, Err: order.ErrOutcomeUnknown}

	resp, body := env.do(t, http.MethodGet, "/transactions/verify/CLEC-ABC123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"created"`)
}

func TestVerifyOrder_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.orders.err = order.ErrOrderNotFound

	resp, _ := env.do(t, http.MethodGet, "/transactions/verify/CLEC-NOPE", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGatewayWebhook(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"charge.success","data":{"reference":"CLEC-ABC123","status":"success"}}`
	header := http.Header{gateway.SignatureHeader: {gateway.Sign(gatewaySecret, []byte(body))}}

	resp, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Redelivery is acknowledged without a second event.
	resp, _ = env.do(t, http.MethodPost, "/webhooks/gateway", body, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	want := []queue.Event{{Kind: queue.KindPaymentConfirmed, Reference: "CLEC-ABC123"}}
	if diff := cmp.Diff(want, env.events.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestGatewayWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"charge.success","data":{"reference":"CLEC-ABC123"}}`

	resp, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, http.Header{gateway.SignatureHeader: {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.events.events)
}

func TestGatewayWebhook_IgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"transfer.success","data":{"reference":"TRF-1"}}`

	resp, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, http.Header{gateway.SignatureHeader: {gateway.Sign(gatewaySecret, []byte(body))}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.events.events)
}

func TestGatewayWebhook_PublishFailureIsRetriable(t *testing.T) {
	env := newTestEnv(t)
	env.events.err = queue.ErrClosed
	body := `{"event":"charge.success","data":{"reference":"CLEC-ABC123"}}`
	header := http.Header{gateway.SignatureHeader: {gateway.Sign(gatewaySecret, []byte(body))}}

	resp, _ := env.do(t, http.MethodPost, "/webhooks/gateway", body, header)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Not remembered, so the redelivery goes through.
	env.events.err = nil
	resp, _ = env.do(t, http.MethodPost, "/webhooks/gateway", body, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, env.events.events, 1)
}

func TestProviderWebhook(t *testing.T) {
	env := newTestEnv(t)
	body := `{"id":"PRV-1","reference":"CLEC-ABC123","phone":"0241234567","status":"delivered"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	header := http.Header{
		"X-Timestamp": {ts},
		"X-Signature": {provider.Sign(providerSecret, ts, http.MethodPost, "/webhooks/provider", []byte(body))},
	}

	resp, _ := env.do(t, http.MethodPost, "/webhooks/provider", body, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	want := []queue.Event{{
		Kind:        queue.KindDeliveryUpdated,
		Reference:   "CLEC-ABC123",
		Phone:       "0241234567",
		Status:      string(order.RecipientDelivered),
		ProviderRef: "PRV-1",
	}}
	if diff := cmp.Diff(want, env.events.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestProviderWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := `{"reference":"CLEC-ABC123","phone":"0241234567","status":"delivered"}`

	resp, _ := env.do(t, http.MethodPost, "/webhooks/provider", body, http.Header{"X-Timestamp": {"1"}, "X-Signature": {"00"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.events.events)
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	env := newTestEnv(t)
	env.orders.order = testOrder()

	resp, _ := env.do(t, http.MethodPost, "/admin/orders/CLEC-ABC123/retry", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	agent := http.Header{"Authorization": {"Bearer " + env.token(t, auth.Actor{ID: "agent-1", Role: auth.RoleAgent})}}
	resp, _ = env.do(t, http.MethodPost, "/admin/orders/CLEC-ABC123/retry", "", agent)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_Retry(t *testing.T) {
	env := newTestEnv(t)
	o := testOrder()
	o.State = order.StateDispatching
	env.orders.order = o
	admin := http.Header{"Authorization": {"Bearer " + env.token(t, auth.Actor{ID: "ops", Role: auth.RoleAdmin})}}

	resp, body := env.do(t, http.MethodPost, "/admin/orders/CLEC-ABC123/retry", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"dispatching"`)
}

func TestAdmin_Refund(t *testing.T) {
	env := newTestEnv(t)
	env.orders.order = testOrder()
	admin := http.Header{"Authorization": {"Bearer " + env.token(t, auth.Actor{ID: "ops", Role: auth.RoleAdmin})}}

	resp, _ := env.do(t, http.MethodPost, "/admin/orders/CLEC-ABC123/refund", `{"amount":"6.25"}`, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decimal.RequireFromString("6.25").Equal(env.orders.refunded))

	resp, _ = env.do(t, http.MethodPost, "/admin/orders/CLEC-ABC123/refund", `{"amount":-1}`, admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_Attempts(t *testing.T) {
	env := newTestEnv(t)
	env.orders.attempts = []order.DispatchAttempt{{
		Phone:     "0241234567",
		Attempt:   1,
		Status:    order.AttemptFailed,
		Error:     "502 Bad Gateway",
		Retryable: true,
		CreatedAt: time.Date(2026, 1, 2, 10, 5, 0, 0, time.UTC),
	}}
	admin := http.Header{"Authorization": {"Bearer " + env.token(t, auth.Actor{ID: "ops", Role: auth.RoleAdmin})}}

	resp, body := env.do(t, http.MethodGet, "/admin/orders/CLEC-ABC123/attempts", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t,
		`{"attempts":[{"phone":"0241234567","attempt":1,"status":"failed","error":"502 Bad Gateway","retryable":true,"createdAt":"2026-01-02T10:05:00Z"}]}`,
		body)
}

func TestDedup_Rotates(t *testing.T) {
	d := newDedup(2, 0.001)
	d.Add("a")
	d.Add("b")
	d.Add("c") // rotates: {a,b} becomes the previous generation
	assert.True(t, d.Seen("a"))
	assert.True(t, d.Seen("c"))

	d.Add("d")
	d.Add("e") // {a,b} dropped
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("e"))
}

func TestIsWebhook(t *testing.T) {
	assert.True(t, IsWebhook(httptest.NewRequest(http.MethodPost, "/webhooks/gateway", nil)))
	assert.False(t, IsWebhook(httptest.NewRequest(http.MethodPost, "/checkout/initialize", nil)))
}
