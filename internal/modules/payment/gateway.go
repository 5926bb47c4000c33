package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProcessorID names a payment processor. It is stored as Payment.Provider.
type ProcessorID string

const (
	ProcessorWompi       ProcessorID = "wompi"
	ProcessorMercadoPago ProcessorID = "mercadopago"
	ProcessorDirect      ProcessorID = "direct"
)

// Processor is the provider-agnostic interface every payment adapter implements.
//
// Gateway faults are never returned as errors: they come back as FAILED results
// with the cause in Message. The only error an adapter returns is
// ErrUnsupportedMethod, for method and gateway combinations it cannot serve.
type Processor interface {
	Name() ProcessorID
	ProcessCardPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	ProcessPsePayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	ProcessDigitalWalletPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	ProcessCreditPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	ProcessCashPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	// ProcessTransferPayment covers bank transfers, ACH and cryptocurrency.
	ProcessTransferPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error)
	ProcessRefund(ctx context.Context, p *Payment, r *Refund) (*RefundResult, error)
	CheckPaymentStatus(ctx context.Context, externalID string) (*StatusResult, error)
}

// dispatch invokes the processor operation matching the payment's method.
func dispatch(ctx context.Context, proc Processor, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	switch p.Method {
	case MethodCreditCard, MethodDebitCard:
		return proc.ProcessCardPayment(ctx, p, req)
	case MethodPSE:
		return proc.ProcessPsePayment(ctx, p, req)
	case MethodNequi, MethodDaviplata, MethodDigitalWallet:
		return proc.ProcessDigitalWalletPayment(ctx, p, req)
	case MethodShortTermCredit, MethodInstalmentCredit:
		return proc.ProcessCreditPayment(ctx, p, req)
	case MethodCash, MethodBaloto, MethodEfecty:
		return proc.ProcessCashPayment(ctx, p, req)
	case MethodBankTransfer, MethodACHTransfer, MethodCryptocurrency:
		return proc.ProcessTransferPayment(ctx, p, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProcessorAvailable, p.Method)
}

// unsupported builds the error adapters return for combinations they cannot serve.
func unsupported(name ProcessorID, what string) error {
	return fmt.Errorf("%w: %s via %s", ErrUnsupportedMethod, what, name)
}

// ── Result helpers ────────────────────────────────────────────────────────────

func failedResult(name ProcessorID, err error) *ProcessResult {
	res := &ProcessResult{Status: StatusFailed, Provider: string(name), Message: err.Error()}
	var ce *callError
	if errors.As(err, &ce) {
		res.Message = ce.Message
		res.RawResponse = ce.Body
		res.Retryable = ce.Retryable
	}
	return res
}

func failedRefund(err error) *RefundResult {
	res := &RefundResult{Status: TxFailed, FailureReason: err.Error()}
	var ce *callError
	if errors.As(err, &ce) {
		res.FailureReason = ce.Message
		res.RawResponse = ce.Body
	}
	return res
}

func failedStatus(err error) *StatusResult {
	res := &StatusResult{Status: StatusFailed, Message: err.Error(), Fault: true}
	var ce *callError
	if errors.As(err, &ce) {
		res.Message = ce.Message
		res.RawResponse = ce.Body
		res.Retryable = ce.Retryable
	}
	return res
}

// marshalRaw is used for synthetic responses of offline paths.
func marshalRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// ── Status Normaliser ─────────────────────────────────────────────────────────
// Maps provider-specific status strings to the canonical Status. Anything
// outside the known vocabulary is FAILED; ok is false so callers can keep the
// raw value.

func NormaliseStatus(provider ProcessorID, native string) (Status, bool) {
	switch provider {
	case ProcessorWompi:
		switch strings.ToUpper(native) {
		case "APPROVED", "APPROVED_PARTIAL_SUMMARY":
			return StatusCompleted, true
		case "PENDING", "PENDING_VALIDATION", "PENDING_ANTIFRAUD":
			return StatusPending, true
		case "DECLINED", "ERROR", "VOIDED":
			return StatusFailed, true
		}
	case ProcessorMercadoPago:
		switch strings.ToLower(native) {
		case "approved":
			return StatusCompleted, true
		case "pending", "in_process", "in_mediation", "authorized":
			return StatusPending, true
		case "rejected", "cancelled", "refunded", "charged_back":
			return StatusFailed, true
		}
	}
	return StatusFailed, false
}

// statusMessage keeps an unknown native status visible in the result message.
func statusMessage(provider ProcessorID, native, detail string) (Status, string) {
	status, known := NormaliseStatus(provider, native)
	if !known {
		return status, fmt.Sprintf("unknown %s status %q", provider, native)
	}
	return status, detail
}

// ── Card helpers ──────────────────────────────────────────────────────────────

// DetectCardBrand classifies a PAN by its issuer prefix.
func DetectCardBrand(number string) string {
	n := digitsOnly(number)
	if len(n) < 4 {
		return "UNKNOWN"
	}
	two, four := n[:2], n[:4]
	switch {
	case n[0] == '4':
		return "VISA"
	case two >= "51" && two <= "55", four >= "2221" && four <= "2720":
		return "MASTERCARD"
	case two == "34" || two == "37":
		return "AMERICAN_EXPRESS"
	case four == "6011" || two == "64" || two == "65":
		return "DISCOVER"
	case two == "36" || two == "38" || two == "39" || (n[:3] >= "300" && n[:3] <= "305"):
		return "DINERS_CLUB"
	}
	return "UNKNOWN"
}

func lastFour(number string) string {
	n := digitsOnly(number)
	if len(n) < 4 {
		return n
	}
	return n[len(n)-4:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// amountInCents converts a COP amount to the integer minor units gateways expect.
func amountInCents(p *Payment) int64 {
	return p.Amount.Shift(2).Round(0).IntPart()
}
