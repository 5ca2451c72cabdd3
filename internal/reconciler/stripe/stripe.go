// Package stripe verifies and classifies payment-processor webhook events.
// Classification is a closed set: every recognized event type maps to an
// object plus action, and everything else is Unhandled, logged and dropped
// without failing the delivery.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidEvent     = errors.New("invalid webhook event")
)

// ObjectType is the event's subject; dispatch keys on this first.
type ObjectType string

const (
	ObjectCustomer      ObjectType = "customer"
	ObjectSubscription  ObjectType = "subscription"
	ObjectInvoice       ObjectType = "invoice"
	ObjectPaymentIntent ObjectType = "payment_intent"
	ObjectUnhandled     ObjectType = "unhandled"
)

// Action is the recognized sub-type within an object type.
type Action string

const (
	ActionCustomerCreated Action = "customer.created"
	ActionCustomerUpdated Action = "customer.updated"

	ActionSubscriptionCreated Action = "subscription.created"
	ActionSubscriptionUpdated Action = "subscription.updated"
	ActionSubscriptionDeleted Action = "subscription.deleted"

	ActionInvoiceCreated          Action = "invoice.created"
	ActionInvoicePaid             Action = "invoice.paid"
	ActionInvoicePaymentFailed    Action = "invoice.payment_failed"
	ActionInvoicePaymentSucceeded Action = "invoice.payment_succeeded"

	ActionPaymentIntentSucceeded Action = "payment_intent.succeeded"

	ActionUnhandled Action = "unhandled"
)

// eventTypes is the allow-list; the raw type strings are an external
// contract with the processor and treated as given inputs.
var eventTypes = map[string]struct {
	object ObjectType
	action Action
}{
	"customer.created": {ObjectCustomer, ActionCustomerCreated},
	"customer.updated": {ObjectCustomer, ActionCustomerUpdated},

	"customer.subscription.created": {ObjectSubscription, ActionSubscriptionCreated},
	"customer.subscription.updated": {ObjectSubscription, ActionSubscriptionUpdated},
	"customer.subscription.deleted": {ObjectSubscription, ActionSubscriptionDeleted},

	"invoice.created":           {ObjectInvoice, ActionInvoiceCreated},
	"invoice.paid":              {ObjectInvoice, ActionInvoicePaid},
	"invoice.payment_failed":    {ObjectInvoice, ActionInvoicePaymentFailed},
	"invoice.payment_succeeded": {ObjectInvoice, ActionInvoicePaymentSucceeded},

	"payment_intent.succeeded": {ObjectPaymentIntent, ActionPaymentIntentSucceeded},
}

// Event is a verified, classified webhook delivery. Object holds the raw
// data.object for the handler's typed decode.
type Event struct {
	ID         string
	Type       string
	ObjectType ObjectType
	Action     Action
	OccurredAt time.Time
	Object     json.RawMessage
	Raw        []byte
}

// Adapter verifies signatures and parses envelopes for one endpoint secret.
type Adapter struct {
	webhookSecret string
}

func NewAdapter(secret string) (*Adapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &Adapter{webhookSecret: secret}, nil
}

// Verify checks the Stripe-Signature header against the payload.
func (a *Adapter) Verify(payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign renders a valid Stripe-Signature header for payload; tests and the
// local replay tool use it.
func (a *Adapter) Sign(payload []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Parse decodes and classifies the envelope. A malformed envelope is an
// error; an unrecognized type string classifies as Unhandled.
func (a *Adapter) Parse(payload []byte) (*Event, error) {
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return nil, ErrInvalidEvent
	}

	event := &Event{
		ID:         envelope.ID,
		Type:       strings.TrimSpace(envelope.Type),
		ObjectType: ObjectUnhandled,
		Action:     ActionUnhandled,
		OccurredAt: timestamp(envelope.Created),
		Object:     envelope.Data.Object,
		Raw:        payload,
	}
	if classified, ok := eventTypes[event.Type]; ok {
		event.ObjectType = classified.object
		event.Action = classified.action
	}
	return event, nil
}

// Customer is the decoded customer object.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is the decoded subscription object; Items carries the plan.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					UsageType string `json:"usage_type"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PlanID returns the first item's price id; empty when the payload carries
// no items.
func (s Subscription) PlanID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// Metered reports whether the first item bills by recorded usage.
func (s Subscription) Metered() bool {
	if len(s.Items.Data) == 0 {
		return false
	}
	return s.Items.Data[0].Price.Recurring.UsageType == "metered"
}

// Invoice is the decoded invoice object.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Status       string `json:"status"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
}

// PaymentIntent is the decoded payment-intent object. A description
// mentioning a subscription together with an invoice reference marks a
// subscription payment; absence of both marks a one-time credit purchase.
type PaymentIntent struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	Description    string `json:"description"`
	Invoice        string `json:"invoice"`
}

// OneTimePurchase reports whether the intent is a direct credit purchase.
func (p PaymentIntent) OneTimePurchase() bool {
	subscriptionPayment := strings.Contains(strings.ToLower(p.Description), "subscription") && p.Invoice != ""
	return !subscriptionPayment && p.Invoice == ""
}

// DecodeObject unmarshals the event's data.object into out.
func DecodeObject(event *Event, out interface{}) error {
	if len(event.Object) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(event.Object, out); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
