package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service defines the order management business logic.
type Service interface {
	// PlaceOrder prices the service and persists the order awaiting payment.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest, customerID string) (*Order, error)

	GetOrder(ctx context.Context, id string) (*Order, error)

	ListCustomerOrders(ctx context.Context, customerID string) ([]*Order, error)

	// UpdateStatus advances an order to a new lifecycle status. PAID is only
	// reachable through a settled payment.
	UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest) (*Order, error)

	// CancelOrder cancels an order that has not been started yet.
	CancelOrder(ctx context.Context, id string) error
}

type service struct {
	repo Repository
}

// NewService creates a new order service.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

var (
	ivaRate         = decimal.RequireFromString("0.19") // Colombian standard VAT
	platformFeeRate = decimal.RequireFromString("0.10")
)

// validTransitions defines the allowed status state machine.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPendingPayment: {StatusCancelled},
	StatusPaid:           {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

func (s *service) PlaceOrder(ctx context.Context, req PlaceOrderRequest, customerID string) (*Order, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("price must be greater than 0")
	}
	cid, err := uuid.Parse(customerID)
	if err != nil {
		return nil, fmt.Errorf("invalid customer_id: %w", err)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.New(),
		CustomerID:  cid,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusPendingPayment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.TaxAmount, o.PlatformFee, o.TechnicianAmount, o.TotalAmount = price(req.Price)

	if req.TechnicianID != "" {
		tid, err := uuid.Parse(req.TechnicianID)
		if err != nil {
			return nil, fmt.Errorf("invalid technician_id: %w", err)
		}
		o.TechnicianID = &tid
	}

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	return o, nil
}

// price splits a service price into IVA, platform fee, the technician's share
// and the total the customer pays.
func price(base decimal.Decimal) (tax, fee, technician, total decimal.Decimal) {
	tax = base.Mul(ivaRate).Round(2)
	fee = base.Mul(platformFeeRate).Round(2)
	return tax, fee, base.Sub(fee), base.Add(tax)
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.GetOrderByID(ctx, uid)
}

func (s *service) ListCustomerOrders(ctx context.Context, customerID string) ([]*Order, error) {
	uid, err := uuid.Parse(customerID)
	if err != nil {
		return nil, fmt.Errorf("invalid customer_id: %w", err)
	}
	return s.repo.ListOrdersByCustomer(ctx, uid)
}

func (s *service) UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest) (*Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	newStatus := OrderStatus(strings.ToUpper(req.Status))
	if !canTransition(o.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, o.Status, newStatus)
	}
	if err := s.repo.UpdateStatus(ctx, o.ID, o.Status, newStatus); err != nil {
		return nil, err
	}
	o.Status = newStatus
	return o, nil
}

func (s *service) CancelOrder(ctx context.Context, id string) error {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(o.Status, StatusCancelled) {
		return fmt.Errorf("%w: only PENDING_PAYMENT or PAID orders can be cancelled (current: %s)",
			ErrInvalidTransition, o.Status)
	}
	return s.repo.UpdateStatus(ctx, o.ID, o.Status, StatusCancelled)
}

func canTransition(from, to OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
