package payment

import "errors"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderNotPayable      = errors.New("order is not awaiting payment")
	ErrAmountMismatch       = errors.New("payment amount does not match order total")
	ErrInvalidMethodDetail  = errors.New("invalid payment method details")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentNotCompleted  = errors.New("only completed payments can be refunded")
	ErrRefundExceedsBalance = errors.New("refund exceeds refundable balance")
	ErrPaymentNotPending    = errors.New("only pending payments can be changed")
	ErrRefundNotFound       = errors.New("refund not found")
	ErrRefundNotPending     = errors.New("only pending refunds can be confirmed")
	ErrUnsupportedMethod    = errors.New("payment method not supported by processor")
	ErrNoProcessorAvailable = errors.New("no processor available for payment method")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrInvalidRequest       = errors.New("invalid request")
	// ErrConcurrentUpdate is returned by the ledger when a conditional update lost a race.
	ErrConcurrentUpdate = errors.New("payment changed concurrently")
)
