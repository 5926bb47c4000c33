package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ── Wompi Adapter ─────────────────────────────────────────────────────────────
// Wompi API docs: https://docs.wompi.co/

// WompiConfig configures the Wompi adapter.
type WompiConfig struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
	// RedirectURL is where PSE returns the customer after bank approval.
	RedirectURL string
	Currency    string
	Timeout     time.Duration
}

// acceptanceTTL bounds how long a presigned acceptance token is reused.
const acceptanceTTL = 10 * time.Minute

type wompiProcessor struct {
	cfg     WompiConfig
	private *gatewayClient
	public  *gatewayClient
	log     *zap.Logger

	tokens singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewWompiProcessor(cfg WompiConfig, log *zap.Logger) Processor {
	if cfg.Currency == "" {
		cfg.Currency = "COP"
	}
	return &wompiProcessor{
		cfg: cfg,
		private: newGatewayClient(ProcessorWompi, cfg.BaseURL, cfg.Timeout, log, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+cfg.PrivateKey)
		}),
		// Card tokenisation is authorised with the public key.
		public: newGatewayClient(ProcessorWompi, cfg.BaseURL, cfg.Timeout, log, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+cfg.PublicKey)
		}),
		log: log.With(zap.String("processor", string(ProcessorWompi))),
	}
}

func (w *wompiProcessor) Name() ProcessorID { return ProcessorWompi }

type wompiTransaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url"`
	PaymentMethod struct {
		Extra struct {
			AsyncPaymentURL string `json:"async_payment_url"`
		} `json:"extra"`
	} `json:"payment_method"`
}

type wompiEnvelope struct {
	Data wompiTransaction `json:"data"`
}

func (w *wompiProcessor) ProcessCardPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.Card == nil {
		return nil, unsupported(ProcessorWompi, "card payment without card details")
	}
	return w.chargeCard(ctx, p, req, req.Card, max(req.Card.Installments, 1)), nil
}

func (w *wompiProcessor) chargeCard(ctx context.Context, p *Payment, req *CreatePaymentRequest, card *CardDetails, installments int) *ProcessResult {
	token := card.Token
	if token == "" {
		var err error
		if token, err = w.tokenizeCard(ctx, card); err != nil {
			return failedResult(ProcessorWompi, err)
		}
	}
	return w.createTransaction(ctx, p, req, map[string]interface{}{
		"type":         "CARD",
		"token":        token,
		"installments": installments,
	}, "")
}

func (w *wompiProcessor) ProcessPsePayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.PSE == nil {
		return nil, unsupported(ProcessorWompi, "PSE payment without PSE details")
	}
	userType := 0
	if strings.EqualFold(req.PSE.PersonType, "juridica") {
		userType = 1
	}
	return w.createTransaction(ctx, p, req, map[string]interface{}{
		"type":                       "PSE",
		"user_type":                  userType,
		"user_legal_id_type":         req.PSE.DocumentType,
		"user_legal_id":              req.PSE.DocumentNumber,
		"financial_institution_code": req.PSE.Bank,
		"payment_description":        fmt.Sprintf("Fixi order %s", p.OrderID),
	}, w.cfg.RedirectURL), nil
}

func (w *wompiProcessor) ProcessDigitalWalletPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if req.Nequi == nil {
		return nil, unsupported(ProcessorWompi, "digital wallet other than Nequi")
	}
	return w.createTransaction(ctx, p, req, map[string]interface{}{
		"type":         "NEQUI",
		"phone_number": digitsOnly(req.Nequi.PhoneNumber),
	}, ""), nil
}

func (w *wompiProcessor) ProcessCreditPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	// Only card instalments are financed through Wompi.
	if req.Credit == nil || req.Credit.Entity != "wompi_credit" || req.Credit.Card == nil {
		return nil, unsupported(ProcessorWompi, "consumer credit")
	}
	return w.chargeCard(ctx, p, req, req.Credit.Card, req.Credit.Installments), nil
}

func (w *wompiProcessor) ProcessCashPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	if cashType(p.Method, req) != "BALOTO" {
		return nil, unsupported(ProcessorWompi, "cash network other than BALOTO")
	}
	ref := wompiReference(p)
	return &ProcessResult{
		Status:                StatusPending,
		ExternalTransactionID: ref,
		Provider:              string(ProcessorWompi),
		Message:               "cash payment reference generated",
		RawResponse:           marshalRaw(map[string]string{"reference": ref, "cash_type": "BALOTO"}),
	}, nil
}

const wompiReferencePrefix = "FIXI_"

// wompiReference is the merchant reference sent with transactions and handed
// out as the Baloto payment code. Wompi transaction ids never carry the prefix.
func wompiReference(p *Payment) string { return wompiReferencePrefix + p.ID.String() }

func (w *wompiProcessor) ProcessTransferPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return nil, unsupported(ProcessorWompi, string(p.Method))
}

func (w *wompiProcessor) createTransaction(ctx context.Context, p *Payment, req *CreatePaymentRequest, method map[string]interface{}, redirectURL string) *ProcessResult {
	acceptance, err := w.acceptanceToken(ctx)
	if err != nil {
		return failedResult(ProcessorWompi, err)
	}
	body := map[string]interface{}{
		"acceptance_token": acceptance,
		"amount_in_cents":  amountInCents(p),
		"currency":         w.cfg.Currency,
		"customer_email":   customerEmail(req),
		"reference":        wompiReference(p),
		"payment_method":   method,
	}
	if redirectURL != "" {
		body["redirect_url"] = redirectURL
	}

	w.log.Info("creating transaction",
		zap.String("payment_id", p.ID.String()), zap.String("method", string(p.Method)))

	var env wompiEnvelope
	raw, err := w.private.do(ctx, http.MethodPost, "/transactions", body, &env)
	if err != nil {
		return failedResult(ProcessorWompi, err)
	}
	tx := env.Data
	status, msg := statusMessage(ProcessorWompi, tx.Status, tx.StatusMessage)
	if msg == "" {
		msg = "transaction processed"
	}
	redirect := tx.RedirectURL
	if async := tx.PaymentMethod.Extra.AsyncPaymentURL; async != "" {
		redirect = async
	}
	return &ProcessResult{
		Status:                status,
		ExternalTransactionID: tx.ID,
		Provider:              string(ProcessorWompi),
		ApprovalCode:          tx.TransactionID,
		Message:               msg,
		RedirectURL:           redirect,
		RawResponse:           raw,
	}
}

func (w *wompiProcessor) ProcessRefund(ctx context.Context, p *Payment, r *Refund) (*RefundResult, error) {
	if p.ExternalTransactionID == "" {
		return &RefundResult{Status: TxFailed, FailureReason: "payment has no external transaction to refund"}, nil
	}
	var env wompiEnvelope
	raw, err := w.private.do(ctx, http.MethodPost, "/transactions/"+p.ExternalTransactionID+"/void",
		map[string]interface{}{"amount_in_cents": r.Amount.Shift(2).Round(0).IntPart()}, &env)
	if err != nil {
		return failedRefund(err), nil
	}
	res := &RefundResult{
		ExternalRefundID:  env.Data.ID,
		AuthorizationCode: env.Data.TransactionID,
		RawResponse:       raw,
	}
	switch strings.ToUpper(env.Data.Status) {
	case "APPROVED":
		res.Status = TxCompleted
	case "PENDING":
		res.Status = TxProcessing
	default:
		res.Status = TxFailed
		res.FailureReason = env.Data.StatusMessage
		if res.FailureReason == "" {
			res.FailureReason = fmt.Sprintf("void %s", strings.ToLower(env.Data.Status))
		}
	}
	return res, nil
}

func (w *wompiProcessor) CheckPaymentStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	// Cash references are ours; Wompi has no transaction behind them.
	if strings.HasPrefix(externalID, wompiReferencePrefix) {
		return &StatusResult{Status: StatusPending, Message: "awaiting cash settlement"}, nil
	}
	var env wompiEnvelope
	raw, err := w.private.do(ctx, http.MethodGet, "/transactions/"+externalID, nil, &env)
	if err != nil {
		return failedStatus(err), nil
	}
	status, msg := statusMessage(ProcessorWompi, env.Data.Status, env.Data.StatusMessage)
	return &StatusResult{Status: status, Message: msg, RawResponse: raw}, nil
}

// ListPSEBanks returns the financial institutions currently reachable through PSE.
func (w *wompiProcessor) ListPSEBanks(ctx context.Context) ([]PSEBank, error) {
	var env struct {
		Data []struct {
			Code string `json:"financial_institution_code"`
			Name string `json:"financial_institution_name"`
		} `json:"data"`
	}
	if _, err := w.private.do(ctx, http.MethodGet, "/pse/financial_institutions", nil, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	banks := make([]PSEBank, 0, len(env.Data))
	for _, b := range env.Data {
		banks = append(banks, PSEBank{Code: b.Code, Name: b.Name})
	}
	return banks, nil
}

// acceptanceToken fetches the merchant's presigned acceptance token. Concurrent
// callers share one in-flight request.
func (w *wompiProcessor) acceptanceToken(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.token != "" && time.Now().Before(w.expiry) {
		t := w.token
		w.mu.Unlock()
		return t, nil
	}
	w.mu.Unlock()

	v, err, _ := w.tokens.Do("acceptance", func() (interface{}, error) {
		var env struct {
			Data struct {
				PresignedAcceptance struct {
					AcceptanceToken string `json:"acceptance_token"`
				} `json:"presigned_acceptance"`
			} `json:"data"`
		}
		if _, err := w.public.do(ctx, http.MethodGet, "/merchants/"+w.cfg.PublicKey, nil, &env); err != nil {
			return "", err
		}
		token := env.Data.PresignedAcceptance.AcceptanceToken
		if token == "" {
			return "", &callError{Message: "wompi returned an empty acceptance token"}
		}
		w.mu.Lock()
		w.token, w.expiry = token, time.Now().Add(acceptanceTTL)
		w.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (w *wompiProcessor) tokenizeCard(ctx context.Context, card *CardDetails) (string, error) {
	var env struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_, err := w.public.do(ctx, http.MethodPost, "/tokens/cards", map[string]string{
		"number":      digitsOnly(card.Number),
		"cvc":         card.CVV,
		"exp_month":   card.ExpiryMonth,
		"exp_year":    twoDigitYear(card.ExpiryYear),
		"card_holder": card.HolderName,
	}, &env)
	if err != nil {
		return "", err
	}
	if env.Data.ID == "" {
		return "", &callError{Message: "wompi returned an empty card token"}
	}
	return env.Data.ID, nil
}

func twoDigitYear(y string) string {
	if len(y) == 4 {
		return y[2:]
	}
	return y
}

// PSEBank is a financial institution selectable for PSE payments.
type PSEBank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// customerEmail picks the payer email from whichever detail group carries one.
func customerEmail(req *CreatePaymentRequest) string {
	switch {
	case req.Email != "":
		return req.Email
	case req.PSE != nil && req.PSE.Email != "":
		return req.PSE.Email
	case req.Cash != nil && req.Cash.Email != "":
		return req.Cash.Email
	case req.Credit != nil && req.Credit.Email != "":
		return req.Credit.Email
	}
	return ""
}

// cashType resolves the cash network, implied by the method for BALOTO and EFECTY.
func cashType(m PaymentMethod, req *CreatePaymentRequest) string {
	if req.Cash != nil && req.Cash.Type != "" {
		return strings.ToUpper(req.Cash.Type)
	}
	switch m {
	case MethodBaloto, MethodEfecty:
		return string(m)
	}
	return ""
}
