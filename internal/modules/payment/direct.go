package payment

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// ── Direct / Manual Processor ─────────────────────────────────────────────────
// No gateway is involved. Every attempt stays PENDING under a generated
// reference until an operator confirms it (ConfirmManualPayment) or cancels it.

type directProcessor struct {
	node *snowflake.Node
	// pseBankURL is shown to customers paying PSE without a gateway.
	pseBankURL string
}

func NewDirectProcessor(node *snowflake.Node, pseBankURL string) Processor {
	return &directProcessor{node: node, pseBankURL: pseBankURL}
}

func (d *directProcessor) Name() ProcessorID { return ProcessorDirect }

func (d *directProcessor) pending(prefix, message, redirect string) *ProcessResult {
	ref := fmt.Sprintf("%s_DIRECT_%s", prefix, d.node.Generate().String())
	return &ProcessResult{
		Status:                StatusPending,
		ExternalTransactionID: ref,
		Provider:              string(ProcessorDirect),
		Message:               message,
		RedirectURL:           redirect,
		RawResponse:           marshalRaw(map[string]string{"reference": ref}),
	}
}

func (d *directProcessor) ProcessCardPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return d.pending("CARD", "card payment queued for manual processing", ""), nil
}

func (d *directProcessor) ProcessPsePayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return d.pending("PSE", "PSE payment queued for manual processing", d.pseBankURL), nil
}

func (d *directProcessor) ProcessDigitalWalletPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	switch {
	case req.Nequi != nil:
		return d.pending("NEQUI", "Nequi payment queued for manual processing", ""), nil
	case req.Daviplata != nil:
		return d.pending("DAVIPLATA", "Daviplata payment queued for manual processing", ""), nil
	}
	return nil, unsupported(ProcessorDirect, "digital wallet without wallet details")
}

func (d *directProcessor) ProcessCreditPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.Credit == nil {
		return nil, unsupported(ProcessorDirect, "credit without credit details")
	}
	return d.pending("CREDIT", fmt.Sprintf("credit with %s requested", req.Credit.Entity), ""), nil
}

func (d *directProcessor) ProcessCashPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	kind := cashType(p.Method, req)
	if kind == "" {
		return nil, unsupported(ProcessorDirect, "cash without cash network")
	}
	return d.pending(kind, "cash payment reference generated", ""), nil
}

func (d *directProcessor) ProcessTransferPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	prefix := "TRANSFER"
	if p.Method == MethodCryptocurrency {
		prefix = "CRYPTO"
	}
	return d.pending(prefix, "transfer awaiting manual reconciliation", ""), nil
}

func (d *directProcessor) ProcessRefund(ctx context.Context, p *Payment, r *Refund) (*RefundResult, error) {
	id := "REFUND_DIRECT_" + d.node.Generate().String()
	return &RefundResult{
		Status:           TxPending,
		ExternalRefundID: id,
		RawResponse:      marshalRaw(map[string]string{"reference": id}),
	}, nil
}

// CheckPaymentStatus reports PENDING: only an operator can settle direct payments.
func (d *directProcessor) CheckPaymentStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	return &StatusResult{Status: StatusPending, Message: "awaiting manual confirmation"}, nil
}
