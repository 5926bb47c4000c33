package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines data access for orders.
type Repository interface {
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrderByID returns ErrNotFound for unknown ids.
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)

	// ListOrdersByCustomer returns all orders placed by a customer, newest first.
	ListOrdersByCustomer(ctx context.Context, customerID uuid.UUID) ([]*Order, error)

	// UpdateStatus moves an order from one status to another. It fails with
	// ErrInvalidTransition when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to OrderStatus) error

	// MarkPaid moves a PENDING_PAYMENT order to PAID. Any other stored status
	// yields ErrNotAwaitingPayment.
	MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error
}
