package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/dkruthoff/membership-billing/internal/processor"
)

// Envelope is the outer shape of every processor notification. The inner
// object is decoded lazily by event type; unknown fields are tolerated.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`

	raw json.RawMessage
}

// ParseEnvelope decodes the raw webhook body. ID and Type are the only
// mandatory fields; everything else depends on the event type.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("webhook envelope missing id")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("webhook envelope missing type")
	}
	env.raw = append(json.RawMessage(nil), body...)
	return &env, nil
}

// Raw returns the body the envelope was parsed from, for ledger storage.
func (e *Envelope) Raw() json.RawMessage {
	return e.raw
}

func (e *Envelope) Account() (*processor.Account, error) {
	var out processor.Account
	if err := json.Unmarshal(e.Data.Object, &out); err != nil {
		return nil, fmt.Errorf("decode account object: %w", err)
	}
	return &out, nil
}

func (e *Envelope) CheckoutSession() (*processor.CheckoutSession, error) {
	var out processor.CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &out); err != nil {
		return nil, fmt.Errorf("decode checkout session object: %w", err)
	}
	return &out, nil
}

func (e *Envelope) Subscription() (*processor.Subscription, error) {
	var out processor.Subscription
	if err := json.Unmarshal(e.Data.Object, &out); err != nil {
		return nil, fmt.Errorf("decode subscription object: %w", err)
	}
	return &out, nil
}

func (e *Envelope) Invoice() (*processor.Invoice, error) {
	var out processor.Invoice
	if err := json.Unmarshal(e.Data.Object, &out); err != nil {
		return nil, fmt.Errorf("decode invoice object: %w", err)
	}
	return &out, nil
}

func (e *Envelope) PaymentIntent() (*processor.PaymentIntent, error) {
	var out processor.PaymentIntent
	if err := json.Unmarshal(e.Data.Object, &out); err != nil {
		return nil, fmt.Errorf("decode payment intent object: %w", err)
	}
	return &out, nil
}
