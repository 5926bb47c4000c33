package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	cancellationReason = "cancelled by administrator"
	manualApprovalCode = "MANUAL_CONFIRM"
)

// Order is the part of an order the payment flow reads.
type Order struct {
	ID               uuid.UUID
	TotalAmount      decimal.Decimal
	TaxAmount        decimal.Decimal
	PlatformFee      decimal.Decimal
	TechnicianAmount decimal.Decimal
	AwaitingPayment  bool
}

// Orders is the order collaborator. GetOrder returns ErrOrderNotFound for
// unknown ids.
type Orders interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	MarkOrderPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error
}

// PSEDirectory is implemented by processors that can list PSE banks.
type PSEDirectory interface {
	ListPSEBanks(ctx context.Context) ([]PSEBank, error)
}

// Service defines payment business logic.
type Service interface {
	CreatePayment(ctx context.Context, req *CreatePaymentRequest, payerID string) (*Payment, error)
	// GetPayments lists payments. A non-empty scope restricts the listing to one payer.
	GetPayments(ctx context.Context, f PaymentFilter, scope string) (*PaymentPage, error)
	GetPaymentByID(ctx context.Context, id string) (*Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)
	RefundPayment(ctx context.Context, req RefundRequest, requesterID string) (*Refund, error)
	ConfirmManualRefund(ctx context.Context, paymentID, refundID, approverID string) (*Refund, error)
	CancelPayment(ctx context.Context, id string) (*Payment, error)
	ConfirmManualPayment(ctx context.Context, id string) (*Payment, error)
	VerifyPaymentStatus(ctx context.Context, externalID string) (*Payment, error)
	GetStatistics(ctx context.Context, payerID string) (*Statistics, error)
	ListPSEBanks(ctx context.Context) ([]PSEBank, error)
}

// Options holds payment policy parameters.
type Options struct {
	// RefundFeeRate is the share of each refund retained as a fee, e.g. 0.03.
	RefundFeeRate decimal.Decimal
	Currency      string
}

type service struct {
	ledger   Ledger
	selector *Selector
	orders   Orders
	locks    Locker
	events   Publisher
	opts     Options
	log      *zap.Logger
}

func NewService(ledger Ledger, selector *Selector, orders Orders, locks Locker, events Publisher, opts Options, log *zap.Logger) Service {
	if opts.Currency == "" {
		opts.Currency = "COP"
	}
	return &service{
		ledger:   ledger,
		selector: selector,
		orders:   orders,
		locks:    locks,
		events:   events,
		opts:     opts,
		log:      log.Named("payment"),
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

func (s *service) CreatePayment(ctx context.Context, req *CreatePaymentRequest, payerID string) (*Payment, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order_id must be a UUID", ErrInvalidRequest)
	}
	method, ok := ParseMethod(string(req.Method))
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, req.Method)
	}
	req.Method = method
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}

	unlock, err := s.locks.Lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.AwaitingPayment {
		return nil, ErrOrderNotPayable
	}
	if !req.Amount.Equal(order.TotalAmount) {
		return nil, fmt.Errorf("%w: order total is %s", ErrAmountMismatch, order.TotalAmount)
	}
	if err := validateDetails(req); err != nil {
		return nil, err
	}
	proc, err := s.selector.GetProcessor(method)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:          uuid.New(),
		OrderID:     orderID,
		PayerID:     payerID,
		Method:      method,
		Status:      StatusPending,
		Amount:      req.Amount,
		TaxAmount:   order.TaxAmount,
		PlatformFee: order.PlatformFee,
		NetAmount:   netAmount(order),
		Currency:    s.opts.Currency,
		Provider:    string(proc.Name()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applyDetails(p, req)
	if err := s.ledger.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	log := s.log.With(zap.String("payment_id", p.ID.String()), zap.String("order_id", orderID.String()),
		zap.String("method", string(method)), zap.String("provider", p.Provider))

	res, err := dispatch(ctx, proc, p, req)
	if err != nil {
		// Nothing reached a gateway; close the attempt so the order stays payable.
		log.Error("processor rejected method", zap.Error(err))
		s.applyResult(p, &ProcessResult{Status: StatusFailed, Message: err.Error()}, time.Now().UTC())
		if serr := s.ledger.SaveAttempt(ctx, p, chargeEntryFor(p)); serr != nil {
			log.Error("save rejected attempt", zap.Error(serr))
		}
		return nil, err
	}

	s.applyResult(p, res, time.Now().UTC())
	charge := chargeEntryFor(p)
	if err := s.ledger.SaveAttempt(ctx, p, charge); err != nil {
		log.Error("save payment attempt", zap.Error(err), zap.String("external_id", p.ExternalTransactionID))
		return nil, fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	p.Transactions = append(p.Transactions, charge)

	log.Info("payment processed", zap.String("status", string(p.Status)),
		zap.String("external_id", p.ExternalTransactionID))

	switch p.Status {
	case StatusCompleted:
		s.publish(ctx, newEvent(EventPaymentCompleted, p))
		s.settleOrder(ctx, p)
	case StatusFailed:
		s.publish(ctx, newEvent(EventPaymentFailed, p))
		if p.RequiresReview {
			// A timed out charge may still have been captured by the gateway.
			s.flagged(ctx, p, "charge outcome unknown: "+p.FailureReason)
		}
	}
	return p, nil
}

// netAmount is what the technician is owed for the order.
func netAmount(o *Order) decimal.Decimal {
	if !o.TechnicianAmount.IsZero() {
		return o.TechnicianAmount
	}
	return o.TotalAmount.Sub(o.PlatformFee)
}

// applyResult copies a processor outcome onto a PENDING payment.
func (s *service) applyResult(p *Payment, res *ProcessResult, now time.Time) {
	switch res.Status {
	case StatusPending, StatusCompleted, StatusFailed:
		p.Status = res.Status
	default:
		p.Status = StatusFailed
	}
	p.ExternalTransactionID = res.ExternalTransactionID
	p.ApprovalCode = res.ApprovalCode
	p.ResponseMessage = res.Message
	p.RedirectURL = res.RedirectURL
	p.ProcessorResponse = res.RawResponse
	switch p.Status {
	case StatusCompleted:
		p.ApprovedAt = &now
	case StatusFailed:
		p.FailedAt = &now
		p.FailureReason = res.Message
		p.RequiresReview = res.Retryable
	}
}

func chargeEntryFor(p *Payment) *Transaction {
	return &Transaction{
		ID:                uuid.New(),
		PaymentID:         p.ID,
		Type:              TxCharge,
		Status:            txStatusFor(p.Status),
		Amount:            p.Amount,
		Fee:               decimal.Zero,
		Provider:          p.Provider,
		ExternalReference: p.ExternalTransactionID,
		CreatedAt:         p.UpdatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

// settleOrder tells the order collaborator a COMPLETED payment has cleared.
// The payment stays COMPLETED when that fails; it is flagged for review instead.
func (s *service) settleOrder(ctx context.Context, p *Payment) {
	paidAt := time.Now().UTC()
	if p.ApprovedAt != nil {
		paidAt = *p.ApprovedAt
	}
	err := s.orders.MarkOrderPaid(ctx, p.OrderID, paidAt)
	if err == nil {
		return
	}
	s.log.Error("mark order paid", zap.String("payment_id", p.ID.String()),
		zap.String("order_id", p.OrderID.String()), zap.Error(err))
	s.flagged(ctx, p, "order not marked paid: "+err.Error())
}

// flagged sets requiresReview once and announces it.
func (s *service) flagged(ctx context.Context, p *Payment, reason string) {
	if !p.RequiresReview {
		p.RequiresReview = true
		if err := s.ledger.UpdatePayment(ctx, p, p.Status); err != nil {
			s.log.Error("flag payment for review", zap.String("payment_id", p.ID.String()), zap.Error(err))
		}
	}
	e := newEvent(EventPaymentReviewRequired, p)
	e.Reason = reason
	s.publish(ctx, e)
}

func (s *service) publish(ctx context.Context, e Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish event", zap.String("type", string(e.Type)),
			zap.String("payment_id", e.PaymentID), zap.Error(err))
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

func (s *service) GetPayments(ctx context.Context, f PaymentFilter, scope string) (*PaymentPage, error) {
	if scope != "" {
		f.PayerID = scope
	}
	f.normalise()
	items, total, err := s.ledger.ListPayments(ctx, f)
	if err != nil {
		return nil, err
	}
	return &PaymentPage{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

func (s *service) GetPaymentByID(ctx context.Context, id string) (*Payment, error) {
	pid, err := parsePaymentID(id)
	if err != nil {
		return nil, err
	}
	return s.ledger.GetPayment(ctx, pid)
}

func (s *service) GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external transaction id is required", ErrInvalidRequest)
	}
	return s.ledger.GetPaymentByExternalID(ctx, externalID)
}

func (s *service) GetStatistics(ctx context.Context, payerID string) (*Statistics, error) {
	return s.ledger.Statistics(ctx, payerID)
}

// ListPSEBanks asks the processor PSE is routed to for its bank directory.
func (s *service) ListPSEBanks(ctx context.Context) ([]PSEBank, error) {
	proc, err := s.selector.GetProcessor(MethodPSE)
	if err != nil {
		return nil, err
	}
	dir, ok := proc.(PSEDirectory)
	if !ok {
		return nil, unsupported(proc.Name(), "PSE bank directory")
	}
	return dir.ListPSEBanks(ctx)
}

func parsePaymentID(id string) (uuid.UUID, error) {
	pid, err := uuid.Parse(id)
	if err != nil {
		// Ids that cannot exist are reported like missing ones.
		return uuid.Nil, ErrPaymentNotFound
	}
	return pid, nil
}

// lockPayment loads a payment under its lock.
func (s *service) lockPayment(ctx context.Context, id uuid.UUID) (*Payment, func(), error) {
	unlock, err := s.locks.Lock(ctx, paymentKey(id))
	if err != nil {
		return nil, nil, fmt.Errorf("lock payment %s: %w", id, err)
	}
	p, err := s.ledger.GetPayment(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return p, unlock, nil
}

// ── Refunds ───────────────────────────────────────────────────────────────────

func (s *service) RefundPayment(ctx context.Context, req RefundRequest, requesterID string) (*Refund, error) {
	pid, err := parsePaymentID(req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be greater than 0", ErrInvalidRequest)
	}
	if req.Reason == "" {
		req.Reason = ReasonCustomerRequest
	}
	if !req.Reason.valid() {
		return nil, fmt.Errorf("%w: unknown refund reason %q", ErrInvalidRequest, req.Reason)
	}

	p, unlock, err := s.lockPayment(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status != StatusCompleted {
		return nil, ErrPaymentNotCompleted
	}
	if p.committedRefunds().Add(req.Amount).GreaterThan(p.Amount) {
		return nil, fmt.Errorf("%w: %s of %s already refunded or in flight",
			ErrRefundExceedsBalance, p.committedRefunds(), p.Amount)
	}
	proc, err := s.selector.ByName(p.Provider)
	if err != nil {
		return nil, err
	}

	fee := req.Amount.Mul(s.opts.RefundFeeRate).Round(2)
	r := &Refund{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		Status:      TxPending,
		Reason:      req.Reason,
		Amount:      req.Amount,
		Fee:         fee,
		NetAmount:   req.Amount.Sub(fee),
		Provider:    p.Provider,
		Description: req.Description,
		Notes:       req.Notes,
		RequestedBy: requesterID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.CreateRefund(ctx, r); err != nil {
		return nil, err
	}
	p.Refunds = append(p.Refunds, r)

	res, err := proc.ProcessRefund(ctx, p, r)
	if err != nil {
		s.log.Error("processor rejected refund", zap.String("payment_id", p.ID.String()), zap.Error(err))
		if _, serr := s.applyRefund(ctx, p, r, &RefundResult{Status: TxFailed, FailureReason: err.Error()}); serr != nil {
			s.log.Error("save rejected refund", zap.String("refund_id", r.ID.String()), zap.Error(serr))
		}
		return nil, err
	}
	return s.applyRefund(ctx, p, r, res)
}

// ConfirmManualRefund completes a refund that is waiting on out-of-band settlement.
func (s *service) ConfirmManualRefund(ctx context.Context, paymentID, refundID, approverID string) (*Refund, error) {
	pid, err := parsePaymentID(paymentID)
	if err != nil {
		return nil, err
	}
	rid, err := uuid.Parse(refundID)
	if err != nil {
		return nil, ErrRefundNotFound
	}

	p, unlock, err := s.lockPayment(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var r *Refund
	for _, candidate := range p.Refunds {
		if candidate.ID == rid {
			r = candidate
			break
		}
	}
	if r == nil {
		return nil, ErrRefundNotFound
	}
	if r.Status != TxPending && r.Status != TxProcessing {
		return nil, ErrRefundNotPending
	}
	if p.Status != StatusCompleted {
		return nil, ErrPaymentNotCompleted
	}
	r.ApprovedBy = approverID
	return s.applyRefund(ctx, p, r, &RefundResult{
		Status:            TxCompleted,
		ExternalRefundID:  r.ExternalRefundID,
		AuthorizationCode: manualApprovalCode,
	})
}

// applyRefund stores a refund outcome and moves the payment to REFUNDED once
// completed refunds cover its amount.
func (s *service) applyRefund(ctx context.Context, p *Payment, r *Refund, res *RefundResult) (*Refund, error) {
	now := time.Now().UTC()
	switch res.Status {
	case TxPending, TxProcessing, TxCompleted, TxFailed:
		r.Status = res.Status
	default:
		r.Status = TxFailed
	}
	if res.ExternalRefundID != "" {
		r.ExternalRefundID = res.ExternalRefundID
	}
	if res.AuthorizationCode != "" {
		r.AuthorizationCode = res.AuthorizationCode
	}
	r.FailureReason = res.FailureReason
	r.ProcessedAt = &now

	from := p.Status
	var entry *Transaction
	if r.Status == TxCompleted {
		r.CompletedAt = &now
		entry = &Transaction{
			ID:                uuid.New(),
			PaymentID:         p.ID,
			Type:              TxRefund,
			Status:            TxCompleted,
			Amount:            r.Amount,
			Fee:               r.Fee,
			Provider:          p.Provider,
			ExternalReference: r.ExternalRefundID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if p.RefundedTotal().GreaterThanOrEqual(p.Amount) && CanTransition(p.Status, StatusRefunded) {
			p.Status = StatusRefunded
			p.RefundedAt = &now
		}
	}
	if err := s.ledger.SaveRefundOutcome(ctx, p, from, r, entry); err != nil {
		return nil, fmt.Errorf("save refund %s: %w", r.ID, err)
	}
	if entry != nil {
		p.Transactions = append(p.Transactions, entry)
	}

	s.log.Info("refund processed", zap.String("payment_id", p.ID.String()),
		zap.String("refund_id", r.ID.String()), zap.String("status", string(r.Status)),
		zap.String("amount", r.Amount.String()))

	if r.Status == TxCompleted {
		e := newEvent(EventRefundCompleted, p)
		e.RefundID = r.ID.String()
		e.Amount = r.Amount
		s.publish(ctx, e)
		if p.Status == StatusRefunded && from != StatusRefunded {
			s.publish(ctx, newEvent(EventPaymentRefunded, p))
		}
	}
	return r, nil
}

// ── Administrative transitions ────────────────────────────────────────────────

func (s *service) CancelPayment(ctx context.Context, id string) (*Payment, error) {
	pid, err := parsePaymentID(id)
	if err != nil {
		return nil, err
	}
	p, unlock, err := s.lockPayment(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status != StatusPending {
		return nil, ErrPaymentNotPending
	}
	now := time.Now().UTC()
	p.Status = StatusFailed
	p.FailedAt = &now
	p.FailureReason = cancellationReason
	if err := s.ledger.UpdatePayment(ctx, p, StatusPending); err != nil {
		return nil, err
	}
	s.syncCharge(ctx, p, TxCancelled)

	s.log.Info("payment cancelled", zap.String("payment_id", p.ID.String()))
	s.publish(ctx, newEvent(EventPaymentFailed, p))
	return p, nil
}

// ConfirmManualPayment settles a payment whose money arrived out of band.
func (s *service) ConfirmManualPayment(ctx context.Context, id string) (*Payment, error) {
	pid, err := parsePaymentID(id)
	if err != nil {
		return nil, err
	}
	p, unlock, err := s.lockPayment(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status != StatusPending {
		return nil, ErrPaymentNotPending
	}
	now := time.Now().UTC()
	p.Status = StatusCompleted
	p.ApprovedAt = &now
	p.ApprovalCode = manualApprovalCode
	p.ResponseMessage = "confirmed manually"
	if err := s.ledger.UpdatePayment(ctx, p, StatusPending); err != nil {
		return nil, err
	}
	s.syncCharge(ctx, p, TxCompleted)

	s.log.Info("payment confirmed manually", zap.String("payment_id", p.ID.String()))
	s.publish(ctx, newEvent(EventPaymentCompleted, p))
	s.settleOrder(ctx, p)
	return p, nil
}

// syncCharge mirrors a status change onto the payment's charge entry.
func (s *service) syncCharge(ctx context.Context, p *Payment, status TxStatus) {
	charge := p.chargeEntry()
	if charge == nil || charge.Status == status {
		return
	}
	if err := s.ledger.UpdateTransactionStatus(ctx, charge.ID, status); err != nil {
		s.log.Error("update charge entry", zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", charge.ID.String()), zap.Error(err))
		return
	}
	charge.Status = status
}

// ── Reconciliation ────────────────────────────────────────────────────────────

// VerifyPaymentStatus pulls the gateway's view of a payment and applies it.
// Reapplying an unchanged status is a no-op.
func (s *service) VerifyPaymentStatus(ctx context.Context, externalID string) (*Payment, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external transaction id is required", ErrInvalidRequest)
	}
	found, err := s.ledger.GetPaymentByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	p, unlock, err := s.lockPayment(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	proc, err := s.selector.ByName(p.Provider)
	if err != nil {
		return nil, err
	}
	res, err := proc.CheckPaymentStatus(ctx, externalID)
	if err != nil {
		return nil, err
	}
	// An error response says nothing about the payment itself.
	if res.Fault || res.Retryable {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, res.Message)
	}
	return s.reconcile(ctx, p, res)
}

func (s *service) reconcile(ctx context.Context, p *Payment, res *StatusResult) (*Payment, error) {
	log := s.log.With(zap.String("payment_id", p.ID.String()),
		zap.String("stored", string(p.Status)), zap.String("reported", string(res.Status)))

	switch {
	case res.Status == p.Status:
		return p, nil
	case res.Status == StatusPending:
		// The gateway has not decided yet, or the rail settles manually.
		return p, nil
	case p.Status == StatusRefunded && res.Status == StatusFailed:
		// Gateways report fully refunded charges as reversed.
		return p, nil
	case p.Status == StatusPending && CanTransition(p.Status, res.Status):
		now := time.Now().UTC()
		p.Status = res.Status
		p.ResponseMessage = res.Message
		if len(res.RawResponse) > 0 {
			p.ProcessorResponse = res.RawResponse
		}
		if res.Status == StatusCompleted {
			p.ApprovedAt = &now
		} else {
			p.FailedAt = &now
			p.FailureReason = res.Message
		}
		if err := s.ledger.UpdatePayment(ctx, p, StatusPending); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				log.Warn("payment changed during reconciliation")
			}
			return nil, err
		}
		s.syncCharge(ctx, p, txStatusFor(p.Status))
		log.Info("payment reconciled")

		if p.Status == StatusCompleted {
			s.publish(ctx, newEvent(EventPaymentCompleted, p))
			s.settleOrder(ctx, p)
		} else {
			s.publish(ctx, newEvent(EventPaymentFailed, p))
		}
		return p, nil
	}

	// Any other disagreement needs a human; status is never moved backwards.
	if p.RequiresReview {
		return p, nil
	}
	log.Warn("gateway disagrees with ledger")
	s.flagged(ctx, p, fmt.Sprintf("gateway reports %s while ledger has %s", res.Status, p.Status))
	return p, nil
}
