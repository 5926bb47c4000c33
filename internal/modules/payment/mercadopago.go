package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ── Mercado Pago Adapter ──────────────────────────────────────────────────────
// Mercado Pago API docs: https://www.mercadopago.com.co/developers/es/reference

// MercadoPagoConfig configures the Mercado Pago adapter.
type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	// CallbackURL is where PSE returns the customer after bank approval.
	CallbackURL string
	Timeout     time.Duration
}

type mercadoPagoProcessor struct {
	cfg    MercadoPagoConfig
	client *gatewayClient
	log    *zap.Logger
}

func NewMercadoPagoProcessor(cfg MercadoPagoConfig, log *zap.Logger) Processor {
	return &mercadoPagoProcessor{
		cfg: cfg,
		client: newGatewayClient(ProcessorMercadoPago, cfg.BaseURL, cfg.Timeout, log, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
			if r.Header.Get("X-Idempotency-Key") == "" {
				r.Header.Set("X-Idempotency-Key", uuid.NewString())
			}
		}),
		log: log.With(zap.String("processor", string(ProcessorMercadoPago))),
	}
}

func (m *mercadoPagoProcessor) Name() ProcessorID { return ProcessorMercadoPago }

type mpPayment struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	StatusDetail       string      `json:"status_detail"`
	AuthorizationCode  string      `json:"authorization_code"`
	TransactionDetails struct {
		ExternalResourceURL string `json:"external_resource_url"`
	} `json:"transaction_details"`
	PointOfInteraction struct {
		TransactionData struct {
			TicketURL string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

func (m *mercadoPagoProcessor) ProcessCardPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.Card == nil {
		return nil, unsupported(ProcessorMercadoPago, "card payment without card details")
	}
	return m.chargeCard(ctx, p, req, req.Card, max(req.Card.Installments, 1)), nil
}

func (m *mercadoPagoProcessor) chargeCard(ctx context.Context, p *Payment, req *CreatePaymentRequest, card *CardDetails, installments int) *ProcessResult {
	token := card.Token
	if token == "" {
		var err error
		if token, err = m.createCardToken(ctx, card); err != nil {
			return failedResult(ProcessorMercadoPago, err)
		}
	}
	return m.createPayment(ctx, p, map[string]interface{}{
		"token":              token,
		"installments":       installments,
		"payment_method_id":  mpCardMethodID(DetectCardBrand(card.Number), p.Method == MethodDebitCard),
		"transaction_amount": p.Amount.InexactFloat64(),
		"description":        fmt.Sprintf("Fixi order %s", p.OrderID),
		"external_reference": p.ID.String(),
		"payer": map[string]interface{}{
			"email":          customerEmail(req),
			"identification": mpIdentification{Type: "CC", Number: card.DocumentID},
		},
	})
}

func (m *mercadoPagoProcessor) ProcessPsePayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.PSE == nil {
		return nil, unsupported(ProcessorMercadoPago, "PSE payment without PSE details")
	}
	entityType := "individual"
	if strings.EqualFold(req.PSE.PersonType, "juridica") {
		entityType = "association"
	}
	return m.createPayment(ctx, p, map[string]interface{}{
		"payment_method_id":  "pse",
		"transaction_amount": p.Amount.InexactFloat64(),
		"description":        fmt.Sprintf("Fixi order %s", p.OrderID),
		"external_reference": p.ID.String(),
		"callback_url":       m.cfg.CallbackURL,
		"payer": map[string]interface{}{
			"email":          req.PSE.Email,
			"entity_type":    entityType,
			"first_name":     req.PSE.FirstName,
			"last_name":      req.PSE.LastName,
			"identification": mpIdentification{Type: documentType(req.PSE.DocumentType), Number: req.PSE.DocumentNumber},
		},
		"transaction_details": map[string]string{"financial_institution": req.PSE.Bank},
		"additional_info":     map[string]string{"ip_address": req.IPAddress},
	}), nil
}

func (m *mercadoPagoProcessor) ProcessDigitalWalletPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.Nequi == nil {
		return nil, unsupported(ProcessorMercadoPago, "digital wallet other than Nequi")
	}
	return m.createPayment(ctx, p, map[string]interface{}{
		"payment_method_id":  "nequi",
		"transaction_amount": p.Amount.InexactFloat64(),
		"description":        fmt.Sprintf("Fixi order %s", p.OrderID),
		"external_reference": p.ID.String(),
		"payer": map[string]interface{}{
			"email": customerEmail(req),
			"phone": map[string]string{
				"area_code": "57",
				"number":    strings.TrimPrefix(digitsOnly(req.Nequi.PhoneNumber), "57"),
			},
		},
	}), nil
}

func (m *mercadoPagoProcessor) ProcessCreditPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	// Financing is card instalments.
	if req.Credit == nil || req.Credit.Card == nil {
		return nil, unsupported(ProcessorMercadoPago, "consumer credit without card")
	}
	return m.chargeCard(ctx, p, req, req.Credit.Card, req.Credit.Installments), nil
}

func (m *mercadoPagoProcessor) ProcessCashPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if cashType(p.Method, req) != "EFECTY" {
		return nil, unsupported(ProcessorMercadoPago, "cash network other than EFECTY")
	}
	payer := map[string]interface{}{"email": customerEmail(req)}
	if req.Cash != nil {
		payer["first_name"] = req.Cash.PayerName
		payer["identification"] = mpIdentification{Type: "CC", Number: req.Cash.DocumentID}
	}
	return m.createPayment(ctx, p, map[string]interface{}{
		"payment_method_id":  "efecty",
		"transaction_amount": p.Amount.InexactFloat64(),
		"description":        fmt.Sprintf("Fixi order %s", p.OrderID),
		"external_reference": p.ID.String(),
		"payer":              payer,
	}), nil
}

func (m *mercadoPagoProcessor) ProcessTransferPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return nil, unsupported(ProcessorMercadoPago, string(p.Method))
}

func (m *mercadoPagoProcessor) createPayment(ctx context.Context, p *Payment, body map[string]interface{}) *ProcessResult {
	m.log.Info("creating payment",
		zap.String("payment_id", p.ID.String()), zap.String("method", string(p.Method)))

	// Keyed by our payment id so a replayed attempt cannot charge twice.
	hdr := http.Header{"X-Idempotency-Key": []string{p.ID.String()}}
	var resp mpPayment
	raw, err := m.client.send(ctx, http.MethodPost, "/v1/payments", hdr, body, &resp)
	if err != nil {
		return failedResult(ProcessorMercadoPago, err)
	}
	status, msg := statusMessage(ProcessorMercadoPago, resp.Status, resp.StatusDetail)
	if msg == "" {
		msg = "transaction processed"
	}
	redirect := resp.TransactionDetails.ExternalResourceURL
	if redirect == "" {
		redirect = resp.PointOfInteraction.TransactionData.TicketURL
	}
	return &ProcessResult{
		Status:                status,
		ExternalTransactionID: resp.ID.String(),
		Provider:              string(ProcessorMercadoPago),
		ApprovalCode:          resp.AuthorizationCode,
		Message:               msg,
		RedirectURL:           redirect,
		RawResponse:           raw,
	}
}

func (m *mercadoPagoProcessor) ProcessRefund(ctx context.Context, p *Payment, r *Refund) (*RefundResult, error) {
	if p.ExternalTransactionID == "" {
		return &RefundResult{Status: TxFailed, FailureReason: "payment has no external transaction to refund"}, nil
	}
	hdr := http.Header{"X-Idempotency-Key": []string{r.ID.String()}}
	var resp struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	}
	raw, err := m.client.send(ctx, http.MethodPost, "/v1/payments/"+p.ExternalTransactionID+"/refunds", hdr,
		map[string]interface{}{"amount": r.Amount.InexactFloat64()}, &resp)
	if err != nil {
		return failedRefund(err), nil
	}
	res := &RefundResult{
		ExternalRefundID:  resp.ID.String(),
		AuthorizationCode: resp.ID.String(),
		RawResponse:       raw,
	}
	switch strings.ToLower(resp.Status) {
	case "approved", "":
		// The refunds endpoint answers 201 with the refund; older accounts omit status.
		res.Status = TxCompleted
	case "in_process", "pending":
		res.Status = TxProcessing
	default:
		res.Status = TxFailed
		res.FailureReason = "refund " + resp.Status
	}
	return res, nil
}

func (m *mercadoPagoProcessor) CheckPaymentStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	var resp mpPayment
	raw, err := m.client.do(ctx, http.MethodGet, "/v1/payments/"+externalID, nil, &resp)
	if err != nil {
		return failedStatus(err), nil
	}
	status, msg := statusMessage(ProcessorMercadoPago, resp.Status, resp.StatusDetail)
	return &StatusResult{Status: status, Message: msg, RawResponse: raw}, nil
}

// ListPSEBanks returns the PSE institutions published in the payment methods catalogue.
func (m *mercadoPagoProcessor) ListPSEBanks(ctx context.Context) ([]PSEBank, error) {
	var methods []struct {
		ID                    string `json:"id"`
		FinancialInstitutions []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
		} `json:"financial_institutions"`
	}
	if _, err := m.client.do(ctx, http.MethodGet, "/v1/payment_methods", nil, &methods); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	banks := []PSEBank{}
	for _, pm := range methods {
		if pm.ID != "pse" {
			continue
		}
		for _, fi := range pm.FinancialInstitutions {
			banks = append(banks, PSEBank{Code: fi.ID, Name: fi.Description})
		}
	}
	return banks, nil
}

func (m *mercadoPagoProcessor) createCardToken(ctx context.Context, card *CardDetails) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	_, err := m.client.do(ctx, http.MethodPost, "/v1/card_tokens", map[string]interface{}{
		"card_number":      digitsOnly(card.Number),
		"security_code":    card.CVV,
		"expiration_month": card.ExpiryMonth,
		"expiration_year":  card.ExpiryYear,
		"cardholder": map[string]interface{}{
			"name":           card.HolderName,
			"identification": mpIdentification{Type: "CC", Number: card.DocumentID},
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &callError{Message: "mercadopago returned an empty card token"}
	}
	return resp.ID, nil
}

// mpCardMethodID maps a detected brand to Mercado Pago's payment_method_id.
func mpCardMethodID(brand string, debit bool) string {
	switch brand {
	case "MASTERCARD":
		if debit {
			return "debmaster"
		}
		return "master"
	case "AMERICAN_EXPRESS":
		return "amex"
	case "DINERS_CLUB":
		return "diners"
	}
	if debit {
		return "debvisa"
	}
	return "visa"
}

// documentType passes through the Colombian identity document codes and defaults to CC.
func documentType(t string) string {
	switch t = strings.ToUpper(t); t {
	case "CC", "CE", "NIT", "TI", "PP", "IDC", "CEL", "RC", "DE":
		return t
	}
	return "CC"
}
