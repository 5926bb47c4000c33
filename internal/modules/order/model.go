package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of a service order.
type OrderStatus string

const (
	StatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	StatusPaid           OrderStatus = "PAID"
	StatusInProgress     OrderStatus = "IN_PROGRESS"
	StatusCompleted      OrderStatus = "COMPLETED"
	StatusCancelled      OrderStatus = "CANCELLED"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrNotAwaitingPayment = errors.New("order is not awaiting payment")
	ErrInvalidTransition  = errors.New("invalid order status transition")
)

// Order is a customer's request for a technician service.
type Order struct {
	ID               uuid.UUID       `json:"id"`
	CustomerID       uuid.UUID       `json:"customer_id"`
	TechnicianID     *uuid.UUID      `json:"technician_id,omitempty"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Status           OrderStatus     `json:"status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	TechnicianAmount decimal.Decimal `json:"technician_amount"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PlaceOrderRequest is the payload for creating a new order.
type PlaceOrderRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	TechnicianID string          `json:"technician_id,omitempty"`
	Price        decimal.Decimal `json:"price"` // service price before IVA
}

// UpdateStatusRequest is the payload for advancing an order's status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}
