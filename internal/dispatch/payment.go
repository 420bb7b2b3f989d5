package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const paymentTimeout = 15 * time.Second

// holdPayment asks the payment collaborator to reserve the fare of an
// accepted trip. It runs off the request path and never fails the
// acceptance; a missing hold is logged for the payments team to reconcile.
func (c *Coordinator) holdPayment(t *models.Trip) {
	if c.Payments == nil || t.Price <= 0 {
		return
	}
	tripID, amount := t.ID, int64(math.Round(t.Price*100))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
		defer cancel()
		holdID, err := c.Payments.Hold(ctx, tripID, amount, c.Config.Currency)
		if err != nil {
			c.Logger.Error("payment hold failed", "trip_id", tripID, "amount", amount, "error", err)
			return
		}
		if err := c.Trips.AttachPaymentHold(ctx, tripID, holdID); err != nil {
			// trip was cancelled while the hold was being placed
			c.Logger.Warn("payment hold not attached, releasing", "trip_id", tripID, "hold_id", holdID, "error", err)
			if err := c.Payments.Cancel(ctx, holdID); err != nil {
				c.Logger.Error("payment release failed", "trip_id", tripID, "hold_id", holdID, "error", err)
			}
		}
	}()
}

// releasePayment cancels the hold of a trip that will not be driven.
func (c *Coordinator) releasePayment(t *models.Trip) {
	if c.Payments == nil || t.PaymentHoldID == "" {
		return
	}
	tripID, holdID := t.ID, t.PaymentHoldID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
		defer cancel()
		if err := c.Payments.Cancel(ctx, holdID); err != nil {
			c.Logger.Error("payment release failed", "trip_id", tripID, "hold_id", holdID, "error", err)
		}
	}()
}
