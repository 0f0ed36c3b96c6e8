package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_PartialBulkFailureRefundsFailedShare(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{})
	env.dispatcher.on("0551112222", terminal("number not on network"))

	res, err := env.svc.CreateOrder(context.Background(),
		walletRequest("2GB", "0241234567", "0551112222", "0201234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	// Two recipients are still processing, so nothing is settled yet.
	o := res.Order
	assert.Equal(t, DeliveryProcessing, o.DeliveryStatus)
	assert.Equal(t, RecipientFailed, o.Recipient("0551112222").Status)
	assert.Empty(t, env.wallet.credits)
	assert.True(t, decimal.RequireFromString("70.60").Equal(env.wallet.balance(agentID)))

	for _, p := range []string{"0241234567", "0201234567"} {
		o, err = env.svc.ReconcileDeliveryUpdate(context.Background(), DeliveryUpdate{
			Reference: ref, Phone: p, Status: RecipientDelivered,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, DeliveryFailed, o.DeliveryStatus)
	assert.Equal(t, StatePartiallyFailed, o.State)
	assert.NotNil(t, o.CompletedAt)
	require.Len(t, env.wallet.credits, 1)
	assert.True(t, decimal.RequireFromString("9.80").Equal(env.wallet.credits[0].Amount))
	assert.Equal(t, ref+"-0551112222-refund", env.wallet.credits[0].IdempotencyKey)
	assert.True(t, decimal.RequireFromString("80.40").Equal(env.wallet.balance(agentID)))
	assert.True(t, decimal.RequireFromString("9.80").Equal(o.RefundedAmount))
	assert.True(t, o.Recipient("0551112222").Refunded)
	assert.Equal(t, PaymentPaid, o.PaymentStatus)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("29.40")))
}

func TestDispatch_AllDelivered(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{})
	env.dispatcher.on("0241234567", dispatchReply{out: DispatchOutcome{ProviderRef: "SYNC-1", Status: RecipientDelivered}})

	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)

	assert.Equal(t, StateDelivered, res.Order.State)
	assert.Equal(t, DeliveryDelivered, res.Order.DeliveryStatus)
	assert.NotNil(t, res.Order.CompletedAt)
	assert.Empty(t, env.wallet.credits)
}

func TestDispatch_TimeoutStaysProcessingAndReusesKey(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{RetryBackoff: time.Minute})
	env.dispatcher.on("0241234567", dispatchReply{err: ErrOutcomeUnknown})

	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	r := res.Order.Recipient("0241234567")
	assert.Equal(t, RecipientProcessing, r.Status)
	assert.Empty(t, r.DispatchRef)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, DeliveryProcessing, res.Order.DeliveryStatus)
	assert.Equal(t, StateDispatching, res.Order.State)

	attempts, err := env.svc.ListAttempts(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptUnknown, attempts[0].Status)
	assert.True(t, attempts[0].Retryable)

	// Not due yet.
	_, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, env.dispatcher.callCount())

	env.clock.Advance(2 * time.Minute)
	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)

	calls := env.dispatcher.callsFor("0241234567")
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey(), calls[1].IdempotencyKey())

	o, err := env.svc.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "PRV-0241234567", o.Recipient("0241234567").DispatchRef)
	assert.Equal(t, 2, o.Recipient("0241234567").Attempts)
}

func TestDispatch_RetryCapFailsAndRefunds(t *testing.T) {
	env := newTestEnv(t, "20.00", Config{MaxDispatchAttempts: 2, RetryBackoff: time.Minute})
	env.dispatcher.on("0241234567", retryable("provider 503"), retryable("provider 503"))

	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	r := res.Order.Recipient("0241234567")
	assert.Equal(t, RecipientPending, r.Status)
	assert.Equal(t, env.clock.Now().Add(time.Minute), r.NextAttemptAt)
	assert.True(t, decimal.RequireFromString("15.10").Equal(env.wallet.balance(agentID)))

	env.clock.Advance(time.Minute)
	_, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)

	o, err := env.svc.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	r = o.Recipient("0241234567")
	assert.Equal(t, RecipientFailed, r.Status)
	assert.Contains(t, r.LastError, "max dispatch attempts exceeded")
	assert.Equal(t, StateRefunded, o.State)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)
	assert.True(t, o.TotalAmount.Equal(o.RefundedAmount))
	assert.True(t, decimal.RequireFromString("20.00").Equal(env.wallet.balance(agentID)))
	assert.Len(t, env.dispatcher.callsFor("0241234567"), 2)

	// Another pass changes nothing.
	_, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, env.wallet.credits, 1)
}

func TestDispatch_RequiresPayment(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)

	_, err = env.svc.Dispatch(context.Background(), res.Order.Reference)
	require.ErrorIs(t, err, ErrNotPaid)
	assert.Zero(t, env.dispatcher.callCount())
}

func TestReconcileDeliveryUpdate_TerminalRecipientUnchanged(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{})
	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	o, err := env.svc.ReconcileDeliveryUpdate(context.Background(), DeliveryUpdate{
		Reference: ref, Phone: "233241234567", Status: RecipientDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, o.State)

	o, err = env.svc.ReconcileDeliveryUpdate(context.Background(), DeliveryUpdate{
		Reference: ref, Phone: "0241234567", Status: RecipientFailed, Reason: "late failure",
	})
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, o.State)
	assert.Equal(t, RecipientDelivered, o.Recipient("0241234567").Status)
	assert.Empty(t, env.wallet.credits)
}

func TestReconcileDeliveryUpdate_UnknownRecipient(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{})
	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)

	_, err = env.svc.ReconcileDeliveryUpdate(context.Background(), DeliveryUpdate{
		Reference: res.Order.Reference, Phone: "0559998888", Status: RecipientDelivered,
	})
	require.ErrorIs(t, err, ErrRecipientNotFound)
}

func TestReconcileOnce_PollsProviderStatus(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{})
	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567", "0551112222"))
	require.NoError(t, err)

	env.dispatcher.status["PRV-0241234567"] = RecipientDelivered
	env.dispatcher.status["PRV-0551112222"] = RecipientFailed

	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Polled)

	o, err := env.svc.GetOrder(context.Background(), res.Order.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, o.State)
	require.Len(t, env.wallet.credits, 1)
	assert.True(t, decimal.RequireFromString("4.90").Equal(env.wallet.credits[0].Amount))
}

func TestReconcileOnce_VerifiesAndExpiresPendingPayments(t *testing.T) {
	env := newTestEnv(t, "0", Config{PendingPaymentTTL: time.Hour})
	env.gateway.verify = Verification{Status: GatewayPending}

	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	// Too young to verify.
	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Verified)

	env.clock.Advance(5 * time.Minute)
	stats, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Verified)
	assert.Zero(t, stats.Expired)

	env.clock.Advance(time.Hour)
	stats, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	o, err := env.svc.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, o.State)
	assert.Equal(t, "payment window expired", o.FailureReason)
}

func TestReconcileOnce_ConfirmsMissedWebhook(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	_, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)

	o, err := env.svc.GetOrder(context.Background(), res.Order.Reference)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, o.PaymentStatus)
	assert.Equal(t, 1, env.dispatcher.callCount())
}

func TestGatewayFailureFlagsManualRefund(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	env.dispatcher.on("0241234567", terminal("invalid msisdn"))

	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("2GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	o, err := env.svc.ConfirmPayment(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, o.State)
	assert.True(t, o.RefundRequired)
	assert.Empty(t, env.wallet.credits)

	o, err = env.svc.MarkManualRefund(context.Background(), ref, decimal.RequireFromString("9.80"))
	require.NoError(t, err)
	assert.False(t, o.RefundRequired)
	assert.Equal(t, StateRefunded, o.State)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)

	again, err := env.svc.MarkManualRefund(context.Background(), ref, decimal.RequireFromString("9.80"))
	require.NoError(t, err)
	assert.Equal(t, o.Version, again.Version)
}

func TestMarkManualRefund_RejectsExcessAmount(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	env.dispatcher.on("0241234567", terminal("invalid msisdn"))
	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)
	_, err = env.svc.ConfirmPayment(context.Background(), res.Order.Reference)
	require.NoError(t, err)

	_, err = env.svc.MarkManualRefund(context.Background(), res.Order.Reference, decimal.RequireFromString("100"))

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)
}

func TestRetryDispatch_RedrivesUnrefundedFailure(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	env.dispatcher.on("0241234567", terminal("provider maintenance"))

	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567", "0551112222"))
	require.NoError(t, err)
	ref := res.Order.Reference
	_, err = env.svc.ConfirmPayment(context.Background(), ref)
	require.NoError(t, err)
	_, err = env.svc.ReconcileDeliveryUpdate(context.Background(), DeliveryUpdate{
		Reference: ref, Phone: "0551112222", Status: RecipientDelivered,
	})
	require.NoError(t, err)

	o, err := env.svc.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, o.RefundRequired)

	o, err = env.svc.RetryDispatch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateDispatching, o.State)
	assert.Nil(t, o.CompletedAt)
	assert.False(t, o.RefundRequired)
	assert.Len(t, env.dispatcher.callsFor("0241234567"), 2)
	assert.Equal(t, RecipientProcessing, o.Recipient("0241234567").Status)
	assert.Equal(t, 1, o.Recipient("0241234567").Attempts)
}

func TestRetryDispatch_DueImmediately(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{RetryBackoff: time.Hour})
	env.dispatcher.on("0241234567", retryable("provider 502"))

	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)

	o, err := env.svc.RetryDispatch(context.Background(), res.Order.Reference)
	require.NoError(t, err)
	assert.Len(t, env.dispatcher.callsFor("0241234567"), 2)
	assert.Equal(t, RecipientProcessing, o.Recipient("0241234567").Status)
}

func TestConfirmPayment_ChargeAfterExpiryFlagsRefund(t *testing.T) {
	env := newTestEnv(t, "0", Config{PendingPaymentTTL: time.Hour})
	env.gateway.verify = Verification{Status: GatewayPending}

	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference

	env.clock.Advance(2 * time.Hour)
	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Expired)

	// The customer finished paying just as the window closed.
	env.gateway.verify = Verification{Status: GatewaySuccess, Amount: decimal.RequireFromString("4.90")}
	o, err := env.svc.ConfirmPayment(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, o.State)
	assert.True(t, o.RefundRequired)
	assert.Equal(t, "payment received after the order was cancelled", o.FailureReason)
	assert.Zero(t, env.dispatcher.callCount())

	o, err = env.svc.MarkManualRefund(context.Background(), ref, decimal.RequireFromString("4.90"))
	require.NoError(t, err)
	assert.False(t, o.RefundRequired)
	assert.True(t, decimal.RequireFromString("4.90").Equal(o.RefundedAmount))

	// Once refunded the order is settled and the gateway is not asked again.
	calls := env.gateway.verifyCalls
	o, err = env.svc.ConfirmPayment(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, o.RefundRequired)
	assert.Equal(t, calls, env.gateway.verifyCalls)
}

func TestConfirmPayment_CancelledWithoutChargeStaysCancelled(t *testing.T) {
	env := newTestEnv(t, "0", Config{})
	env.gateway.verify = Verification{Status: GatewayAbandoned}

	res, err := env.svc.CreateOrder(context.Background(), gatewayRequest("1GB", "0241234567"))
	require.NoError(t, err)
	o, err := env.svc.ConfirmPayment(context.Background(), res.Order.Reference)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, o.State)

	o, err = env.svc.ConfirmPayment(context.Background(), res.Order.Reference)
	require.NoError(t, err)
	assert.False(t, o.RefundRequired)
	assert.Equal(t, "payment abandoned", o.FailureReason)
}

func TestCreateOrder_WalletDebitOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name      string
		committed bool
		state     State
		balance   string
	}{
		{name: "debit committed", committed: true, state: StateDispatching, balance: "95.10"},
		{name: "debit rolled back", state: StateCancelled, balance: "100.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "100.00", Config{})
			env.wallet.debitErr = errors.New("commit: connection reset")
			env.wallet.commitThenErr = tt.committed

			_, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
			require.Error(t, err)

			orders, err := env.repo.ListByPhone(context.Background(), "0241234567", 10)
			require.NoError(t, err)
			require.Len(t, orders, 1)
			ref := orders[0].Reference
			assert.Equal(t, StateCreated, orders[0].State)
			assert.Equal(t, PaymentPending, orders[0].PaymentStatus)

			env.clock.Advance(2 * time.Minute)
			stats, err := env.svc.ReconcileOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Resolved)

			o, err := env.svc.GetOrder(context.Background(), ref)
			require.NoError(t, err)
			assert.Equal(t, tt.state, o.State)
			assert.True(t, decimal.RequireFromString(tt.balance).Equal(env.wallet.balance(agentID)))
		})
	}
}

func TestReconcileOnce_PagesPastStuckOrders(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{BatchSize: 2})

	var refs []string
	for _, p := range []string{"0241234567", "0241234568", "0241234569"} {
		res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", p))
		require.NoError(t, err)
		refs = append(refs, res.Order.Reference)
		env.clock.Advance(time.Second)
	}
	// The two oldest orders never finish; only the newest one is reported.
	env.dispatcher.status["PRV-0241234569"] = RecipientDelivered

	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Polled)
	assert.GreaterOrEqual(t, env.repo.lists, 2)

	o, err := env.svc.GetOrder(context.Background(), refs[2])
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, o.State)
}

func TestReconcileOnce_DeliveryDeadlineFailsStuckRecipient(t *testing.T) {
	env := newTestEnv(t, "100.00", Config{DeliveryDeadline: time.Hour})
	res, err := env.svc.CreateOrder(context.Background(), walletRequest("1GB", "0241234567"))
	require.NoError(t, err)
	ref := res.Order.Reference
	require.True(t, env.clock.Now().Equal(res.Order.Recipients[0].AcceptedAt))

	env.clock.Advance(30 * time.Minute)
	stats, err := env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TimedOut)

	env.clock.Advance(time.Hour)
	stats, err = env.svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOut)

	o, err := env.svc.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, o.State)
	assert.Equal(t, RecipientFailed, o.Recipients[0].Status)
	assert.Contains(t, o.Recipients[0].LastError, "no delivery report within 1h0m0s")
	require.Len(t, env.wallet.credits, 1)
	assert.True(t, decimal.RequireFromString("4.90").Equal(env.wallet.credits[0].Amount))
}
