package escrow

import (
	"fmt"

	"gigline/internal/apperr"
	"gigline/internal/domain"
)

// Immutable reports whether a payment in status accepts no further writes.
func Immutable(status string) bool {
	switch status {
	case domain.PaymentCompleted, domain.PaymentRefunded, domain.PaymentRejected, domain.PaymentFailed:
		return true
	}
	return false
}

// EnsureTransition enforces forward-only payment status changes.
func EnsureTransition(from, to string) error {
	if Immutable(from) {
		return apperr.Conflict("payment_immutable", fmt.Sprintf("payment is %s and can no longer change", from))
	}
	switch from {
	case domain.PaymentPending:
		if to == domain.PaymentProcessing || to == domain.PaymentFailed || to == domain.PaymentRejected {
			return nil
		}
	case domain.PaymentProcessing:
		if to == domain.PaymentCompleted || to == domain.PaymentFailed || to == domain.PaymentRefunded {
			return nil
		}
	}
	return apperr.Conflict("invalid_payment_transition", fmt.Sprintf("invalid payment status transition %s -> %s", from, to))
}
