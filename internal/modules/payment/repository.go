package payment

import (
	"context"

	"github.com/google/uuid"
)

// Ledger is the persistent record of payments, their transactions and refunds.
// The orchestrator is its only writer.
type Ledger interface {
	// CreatePayment inserts a PENDING payment. A second live payment for the
	// same order fails with ErrOrderNotPayable.
	CreatePayment(ctx context.Context, p *Payment) error
	// GetPayment loads a payment with its transactions and refunds.
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, int, error)

	// SaveAttempt stores the processor outcome of a PENDING payment together
	// with its charge entry.
	SaveAttempt(ctx context.Context, p *Payment, charge *Transaction) error
	// UpdatePayment writes p only if the stored status is still from.
	UpdatePayment(ctx context.Context, p *Payment, from Status) error
	// UpdateTransactionStatus refuses to touch COMPLETED entries.
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TxStatus) error

	// CreateRefund inserts a PENDING refund if the payment is COMPLETED and the
	// refund fits its remaining balance.
	CreateRefund(ctx context.Context, r *Refund) error
	// SaveRefundOutcome stores a processed refund, an optional REFUND entry and
	// the payment (guarded by from) atomically.
	SaveRefundOutcome(ctx context.Context, p *Payment, from Status, r *Refund, entry *Transaction) error

	Statistics(ctx context.Context, payerID string) (*Statistics, error)
}
