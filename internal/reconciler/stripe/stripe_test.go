package stripe

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter("whsec_adapter_test")
	require.NoError(t, err)
	return adapter
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewAdapter("  ")
	assert.Error(t, err)
}

func TestVerifyRoundTrip(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{"id":"evt_1","type":"customer.created"}`)
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	headers := http.Header{}
	headers.Set("Stripe-Signature", adapter.Sign(payload, at))
	assert.NoError(t, adapter.Verify(payload, headers))

	// A different payload must not verify under the same header.
	assert.ErrorIs(t, adapter.Verify([]byte(`{"id":"evt_2"}`), headers), ErrInvalidSignature)
}

func TestVerifyRejectsBadHeaders(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{}`)

	cases := map[string]string{
		"missing":      "",
		"malformed":    "not-a-signature",
		"no signature": "t=1710493200",
		"wrong secret": "t=1710493200,v1=deadbeef",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			headers := http.Header{}
			if header != "" {
				headers.Set("Stripe-Signature", header)
			}
			assert.ErrorIs(t, adapter.Verify(payload, headers), ErrInvalidSignature)
		})
	}
}

func TestVerifyAcceptsAnyListedSignature(t *testing.T) {
	adapter := newTestAdapter(t)
	payload := []byte(`{"id":"evt_multi"}`)
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	valid := adapter.Sign(payload, at)
	headers := http.Header{}
	headers.Set("Stripe-Signature", valid+",v1=0000")
	assert.NoError(t, adapter.Verify(payload, headers))
}

func TestParseClassifiesKnownTypes(t *testing.T) {
	adapter := newTestAdapter(t)

	event, err := adapter.Parse([]byte(`{
		"id": "evt_sub",
		"type": "customer.subscription.updated",
		"created": 1710493200,
		"data": {"object": {"id": "sub_1"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, ObjectSubscription, event.ObjectType)
	assert.Equal(t, ActionSubscriptionUpdated, event.Action)
	assert.Equal(t, time.Unix(1710493200, 0).UTC(), event.OccurredAt)
}

func TestParseUnrecognizedTypeIsUnhandled(t *testing.T) {
	adapter := newTestAdapter(t)

	event, err := adapter.Parse([]byte(`{"id": "evt_x", "type": "charge.refunded", "data": {"object": {}}}`))
	require.NoError(t, err)
	assert.Equal(t, ObjectUnhandled, event.ObjectType)
	assert.Equal(t, ActionUnhandled, event.Action)
}

func TestParseRejectsBadEnvelopes(t *testing.T) {
	adapter := newTestAdapter(t)

	_, err := adapter.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = adapter.Parse([]byte(`{"type": "customer.created"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestSubscriptionHelpers(t *testing.T) {
	var sub Subscription
	assert.Empty(t, sub.PlanID())
	assert.False(t, sub.Metered())

	event, err := newTestAdapter(t).Parse([]byte(`{
		"id": "evt_sub2",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_2",
			"items": {"data": [{"price": {"id": "metered-v1", "recurring": {"usage_type": "metered"}}}]}
		}}
	}`))
	require.NoError(t, err)
	require.NoError(t, DecodeObject(event, &sub))
	assert.Equal(t, "metered-v1", sub.PlanID())
	assert.True(t, sub.Metered())
}

func TestPaymentIntentPurchaseDetection(t *testing.T) {
	purchase := PaymentIntent{ID: "pi_1", Amount: 1500}
	assert.True(t, purchase.OneTimePurchase())

	subscriptionPayment := PaymentIntent{ID: "pi_2", Description: "Subscription renewal", Invoice: "in_1"}
	assert.False(t, subscriptionPayment.OneTimePurchase())

	invoiceBacked := PaymentIntent{ID: "pi_3", Invoice: "in_2"}
	assert.False(t, invoiceBacked.OneTimePurchase())
}
