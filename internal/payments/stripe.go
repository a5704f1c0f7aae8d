package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/rider-sync/internal/models"
)

const codeUnexpectedState = "payment_intent_unexpected_state"

// StripeClient releases card holds placed when a trip was booked. The hold
// itself is a manual-capture PaymentIntent created by the booking flow.
type StripeClient struct {
	intents paymentintent.Client
}

// NewStripeClient uses the default Stripe API backend.
func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey string, b stripe.Backend) *StripeClient {
	return &StripeClient{intents: paymentintent.Client{B: b, Key: apiKey}}
}

// ReleaseReservedAuthorization cancels the held PaymentIntent. The idempotency
// key is derived from the trip, or from the intent itself when the trip was
// cancelled before it got an id. An intent that is already cancelled counts
// as released.
func (s *StripeClient) ReleaseReservedAuthorization(ctx context.Context, ref string, party models.CancellingParty, tripID string) error {
	if ref == "" {
		return errors.New("missing payment intent reference")
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(cancellationReason(party)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(releaseKey(ref, tripID))

	_, err := s.intents.Cancel(ref, params)
	if err == nil {
		return nil
	}
	var serr *stripe.Error
	if errors.As(err, &serr) && string(serr.Code) == codeUnexpectedState {
		return nil
	}
	return fmt.Errorf("cancel payment intent %s: %w", ref, err)
}

func cancellationReason(party models.CancellingParty) string {
	if party == models.PartyPassenger {
		return "requested_by_customer"
	}
	return "abandoned"
}

func releaseKey(ref, tripID string) string {
	if tripID == "" {
		return "release-" + ref
	}
	return "release-" + tripID
}
