// Package payments places and releases card holds for accepted trips.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient wraps stripe-go for PaymentIntent hold/cancel flows.
// Each client carries its own key instead of the package-level stripe.Key.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds for
// tripID. It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, tripID string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("trip_id", tripID)
	params.SetIdempotencyKey("hold-" + tripID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
