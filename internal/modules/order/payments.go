package order

import (
	"context"
	"errors"
	"time"

	"github.com/georgemunganga/fixi-backend/internal/modules/payment"
	"github.com/google/uuid"
)

// paymentOrders lets the payment orchestrator read and settle orders.
type paymentOrders struct{ repo Repository }

// NewPaymentCollaborator adapts the order store to payment.Orders.
func NewPaymentCollaborator(repo Repository) payment.Orders {
	return &paymentOrders{repo: repo}
}

func (c *paymentOrders) GetOrder(ctx context.Context, id uuid.UUID) (*payment.Order, error) {
	o, err := c.repo.GetOrderByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, payment.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment.Order{
		ID:               o.ID,
		TotalAmount:      o.TotalAmount,
		TaxAmount:        o.TaxAmount,
		PlatformFee:      o.PlatformFee,
		TechnicianAmount: o.TechnicianAmount,
		AwaitingPayment:  o.Status == StatusPendingPayment,
	}, nil
}

func (c *paymentOrders) MarkOrderPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error {
	return c.repo.MarkPaid(ctx, id, paidAt)
}
