package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StatePaid, true},
		{StateCreated, StateCancelled, true},
		{StateCreated, StateDispatching, false},
		{StatePaid, StateDispatching, true},
		{StatePaid, StateCancelled, false},
		{StateDispatching, StateDelivered, true},
		{StateDispatching, StatePartiallyFailed, true},
		{StateDispatching, StateFailed, true},
		{StateFailed, StateRefunded, true},
		{StatePartiallyFailed, StateRefunded, false},
		{StateDelivered, StateDispatching, false},
		{StateCancelled, StatePaid, false},
		{StateRefunded, StateDispatching, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	assert.True(t, StateDelivered.Final())
	assert.False(t, StateDispatching.Final())
}

func TestTransition_Rejected(t *testing.T) {
	o := &Order{Reference: "CLEC-1", State: StateCancelled}

	err := o.transition(StatePaid)

	var tErr *TransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, StateCancelled, tErr.From)
	assert.Equal(t, StateCancelled, o.State)
}

func recipients(statuses ...RecipientStatus) []Recipient {
	out := make([]Recipient, len(statuses))
	for i, s := range statuses {
		out[i] = Recipient{Phone: string(rune('a' + i)), Status: s}
		if s != RecipientPending {
			out[i].Attempts = 1
		}
	}
	return out
}

func TestRecompute(t *testing.T) {
	tests := []struct {
		name         string
		recipients   []Recipient
		wantDelivery DeliveryStatus
		wantState    State
	}{
		{"not started", recipients(RecipientPending, RecipientPending), DeliveryPending, StateDispatching},
		{"in flight", recipients(RecipientProcessing, RecipientPending), DeliveryProcessing, StateDispatching},
		{"all delivered", recipients(RecipientDelivered, RecipientDelivered), DeliveryDelivered, StateDelivered},
		{"failure with one still processing", recipients(RecipientDelivered, RecipientFailed, RecipientProcessing), DeliveryProcessing, StateDispatching},
		{"partial failure", recipients(RecipientDelivered, RecipientFailed, RecipientDelivered), DeliveryFailed, StatePartiallyFailed},
		{"all failed", recipients(RecipientFailed, RecipientFailed), DeliveryFailed, StateFailed},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{State: StateDispatching, Recipients: tt.recipients}
			o.Recompute(now)

			assert.Equal(t, tt.wantDelivery, o.DeliveryStatus)
			assert.Equal(t, tt.wantState, o.State)
			if o.DeliveryStatus.Terminal() {
				require.NotNil(t, o.CompletedAt)
				assert.Equal(t, now, *o.CompletedAt)
			} else {
				assert.Nil(t, o.CompletedAt)
			}
		})
	}
}

func TestRecompute_OnlyMovesDispatchingOrders(t *testing.T) {
	o := &Order{State: StateRefunded, Recipients: recipients(RecipientFailed)}
	o.Recompute(time.Now())

	assert.Equal(t, DeliveryFailed, o.DeliveryStatus)
	assert.Equal(t, StateRefunded, o.State)
}

func TestRecipientNeedsDispatch(t *testing.T) {
	assert.True(t, (&Recipient{Status: RecipientPending}).NeedsDispatch())
	assert.True(t, (&Recipient{Status: RecipientProcessing}).NeedsDispatch())
	assert.False(t, (&Recipient{Status: RecipientProcessing, DispatchRef: "P1"}).NeedsDispatch())
	assert.False(t, (&Recipient{Status: RecipientFailed}).NeedsDispatch())
}

func TestNewReference(t *testing.T) {
	ref := NewReference("CLEC")
	assert.Regexp(t, `^CLEC-[0-9A-F]{12}$`, ref)
	assert.NotEqual(t, ref, NewReference("CLEC"))
}
