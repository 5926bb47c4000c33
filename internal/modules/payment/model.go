package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod is a payment rail offered to customers.
type PaymentMethod string

const (
	MethodCreditCard       PaymentMethod = "CREDIT_CARD"
	MethodDebitCard        PaymentMethod = "DEBIT_CARD"
	MethodNequi            PaymentMethod = "NEQUI"
	MethodDaviplata        PaymentMethod = "DAVIPLATA"
	MethodPSE              PaymentMethod = "PSE"
	MethodBankTransfer     PaymentMethod = "BANK_TRANSFER"
	MethodACHTransfer      PaymentMethod = "ACH_TRANSFER"
	MethodCash             PaymentMethod = "CASH"
	MethodBaloto           PaymentMethod = "BALOTO"
	MethodEfecty           PaymentMethod = "EFECTY"
	MethodShortTermCredit  PaymentMethod = "SHORT_TERM_CREDIT"
	MethodInstalmentCredit PaymentMethod = "INSTALMENT_CREDIT"
	MethodDigitalWallet    PaymentMethod = "DIGITAL_WALLET"
	MethodCryptocurrency   PaymentMethod = "CRYPTOCURRENCY"
)

// Methods lists every enumerated payment method.
var Methods = []PaymentMethod{
	MethodCreditCard, MethodDebitCard, MethodNequi, MethodDaviplata, MethodPSE,
	MethodBankTransfer, MethodACHTransfer, MethodCash, MethodBaloto, MethodEfecty,
	MethodShortTermCredit, MethodInstalmentCredit, MethodDigitalWallet, MethodCryptocurrency,
}

// ParseMethod normalises a client supplied method name.
func ParseMethod(s string) (PaymentMethod, bool) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, true
		}
	}
	return m, false
}

// Status is the canonical payment status every gateway vocabulary maps into.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// validTransitions defines the allowed payment status transitions.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
	StatusFailed:    {},
	StatusRefunded:  {},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TxType classifies a ledger entry.
type TxType string

const (
	TxCharge        TxType = "CHARGE"
	TxRefund        TxType = "REFUND"
	TxChargeback    TxType = "CHARGEBACK"
	TxFee           TxType = "FEE"
	TxEscrowRelease TxType = "ESCROW_RELEASE"
)

// TxStatus is the lifecycle of ledger entries and refunds.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxProcessing TxStatus = "PROCESSING"
	TxCompleted  TxStatus = "COMPLETED"
	TxFailed     TxStatus = "FAILED"
	TxCancelled  TxStatus = "CANCELLED"
)

// txStatusFor mirrors a payment status onto its charge entry.
func txStatusFor(s Status) TxStatus {
	switch s {
	case StatusCompleted, StatusRefunded:
		return TxCompleted
	case StatusFailed:
		return TxFailed
	default:
		return TxPending
	}
}

// RefundReason explains why money is returned to the payer.
type RefundReason string

const (
	ReasonCustomerRequest        RefundReason = "CUSTOMER_REQUEST"
	ReasonTechnicianNotAvailable RefundReason = "TECHNICIAN_NOT_AVAILABLE"
	ReasonServiceCancelled       RefundReason = "SERVICE_CANCELLED"
	ReasonQualityIssue           RefundReason = "QUALITY_ISSUE"
	ReasonDuplicatePayment       RefundReason = "DUPLICATE_PAYMENT"
	ReasonFraudulentTransaction  RefundReason = "FRAUDULENT_TRANSACTION"
	ReasonAgreement              RefundReason = "AGREEMENT"
	ReasonOther                  RefundReason = "OTHER"
)

func (r RefundReason) valid() bool {
	switch r {
	case ReasonCustomerRequest, ReasonTechnicianNotAvailable, ReasonServiceCancelled,
		ReasonQualityIssue, ReasonDuplicatePayment, ReasonFraudulentTransaction,
		ReasonAgreement, ReasonOther:
		return true
	}
	return false
}

// Payment is one purchase attempt against one order.
type Payment struct {
	ID                    uuid.UUID       `json:"id"`
	OrderID               uuid.UUID       `json:"order_id"`
	PayerID               string          `json:"payer_id"`
	Method                PaymentMethod   `json:"method"`
	Status                Status          `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	TaxAmount             decimal.Decimal `json:"tax_amount"`
	PlatformFee           decimal.Decimal `json:"platform_fee"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	Currency              string          `json:"currency"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
	Provider              string          `json:"provider,omitempty"`
	ApprovalCode          string          `json:"approval_code,omitempty"`
	ResponseMessage       string          `json:"response_message,omitempty"`
	RedirectURL           string          `json:"redirect_url,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	ProcessorResponse     json.RawMessage `json:"processor_response,omitempty"`

	// Method details. At most one group is populated.
	CardBrand          string           `json:"card_brand,omitempty"`
	CardLastFour       string           `json:"card_last_four,omitempty"`
	PSEBank            string           `json:"pse_bank,omitempty"`
	PSEPersonType      string           `json:"pse_person_type,omitempty"`
	PSEDocumentNumber  string           `json:"pse_document_number,omitempty"`
	WalletPhone        string           `json:"wallet_phone,omitempty"`
	CreditEntity       string           `json:"credit_entity,omitempty"`
	CreditInstallments int              `json:"credit_installments,omitempty"`
	CreditInterestRate *decimal.Decimal `json:"credit_interest_rate,omitempty"`
	CashType           string           `json:"cash_type,omitempty"`
	NotificationEmail  string           `json:"notification_email,omitempty"`

	RequiresReview bool       `json:"requires_review"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Transactions []*Transaction `json:"transactions,omitempty"`
	Refunds      []*Refund      `json:"refunds,omitempty"`
}

// RefundedTotal sums completed refunds.
func (p *Payment) RefundedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Refunds {
		if r.Status == TxCompleted {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// committedRefunds sums refunds that are completed or still in flight.
func (p *Payment) committedRefunds() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Refunds {
		switch r.Status {
		case TxPending, TxProcessing, TxCompleted:
			total = total.Add(r.Amount)
		}
	}
	return total
}

// chargeEntry returns the charge recorded for the payment attempt.
func (p *Payment) chargeEntry() *Transaction {
	for _, t := range p.Transactions {
		if t.Type == TxCharge {
			return t
		}
	}
	return nil
}

// Transaction is an append-only ledger entry tied to a payment.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	PaymentID         uuid.UUID       `json:"payment_id"`
	Type              TxType          `json:"type"`
	Status            TxStatus        `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	Provider          string          `json:"provider,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Refund is one attempt to return money for a completed payment.
type Refund struct {
	ID                uuid.UUID       `json:"id"`
	PaymentID         uuid.UUID       `json:"payment_id"`
	Status            TxStatus        `json:"status"`
	Reason            RefundReason    `json:"reason"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	Provider          string          `json:"provider,omitempty"`
	ExternalRefundID  string          `json:"external_refund_id,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Description       string          `json:"description,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	RequestedBy       string          `json:"requested_by,omitempty"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ── Request/Response DTOs ─────────────────────────────────────────────────────

// CreatePaymentRequest is the payload to pay for an order. Exactly one of the
// detail groups must be present, matching Method.
type CreatePaymentRequest struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Email     string          `json:"email,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	Notes     string          `json:"notes,omitempty"`

	Card      *CardDetails     `json:"card,omitempty"`
	PSE       *PSEDetails      `json:"pse,omitempty"`
	Nequi     *WalletDetails   `json:"nequi,omitempty"`
	Daviplata *WalletDetails   `json:"daviplata,omitempty"`
	Credit    *CreditDetails   `json:"credit,omitempty"`
	Cash      *CashDetails     `json:"cash,omitempty"`
	Transfer  *TransferDetails `json:"transfer,omitempty"`
}

// CardDetails are only forwarded to the gateway. The PAN and CVV are never stored.
type CardDetails struct {
	Number       string `json:"card_number"`
	ExpiryMonth  string `json:"expiry_month"`
	ExpiryYear   string `json:"expiry_year"`
	CVV          string `json:"cvv"`
	HolderName   string `json:"cardholder_name"`
	DocumentID   string `json:"document_id,omitempty"`
	Token        string `json:"card_token,omitempty"` // pre-tokenised by the gateway's client SDK
	Installments int    `json:"installments,omitempty"`
}

type PSEDetails struct {
	Bank           string `json:"bank"`
	PersonType     string `json:"person_type"` // natural | juridica
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name,omitempty"`
	Phone          string `json:"phone"`
	Email          string `json:"email"`
}

type WalletDetails struct {
	PhoneNumber string `json:"phone_number"`
	HolderName  string `json:"holder_name,omitempty"`
}

type CreditDetails struct {
	Entity       string           `json:"credit_entity"`
	Installments int              `json:"installments"`
	InterestRate *decimal.Decimal `json:"interest_rate,omitempty"`
	DocumentID   string           `json:"document_id,omitempty"`
	Email        string           `json:"email,omitempty"`
	Phone        string           `json:"phone,omitempty"`
	// Card is required by gateways that finance through card instalments.
	Card *CardDetails `json:"card,omitempty"`
}

type CashDetails struct {
	Type       string `json:"cash_type"` // BALOTO | EFECTY | SUFIRO
	PayerName  string `json:"payer_name"`
	DocumentID string `json:"document_id"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email"`
}

// TransferDetails optionally identify the payer's account for manual matching.
type TransferDetails struct {
	Bank      string `json:"bank,omitempty"`
	Reference string `json:"reference,omitempty"`
	Network   string `json:"network,omitempty"` // crypto network
}

// RefundRequest asks for part or all of a completed payment back.
type RefundRequest struct {
	PaymentID   string          `json:"payment_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      RefundReason    `json:"reason"`
	Description string          `json:"description,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// PaymentFilter narrows a payment listing. Zero values mean "any".
type PaymentFilter struct {
	OrderID               string
	PayerID               string
	Method                PaymentMethod
	Status                Status
	Provider              string
	ExternalTransactionID string
	MinAmount             *decimal.Decimal
	MaxAmount             *decimal.Decimal
	StartDate             *time.Time
	EndDate               *time.Time
	Search                string
	SortBy                string
	SortOrder             string
	Page                  int
	Limit                 int
}

var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"amount":     "amount",
	"status":     "status",
	"method":     "method",
}

// normalise applies paging defaults and restricts sorting to known columns.
func (f *PaymentFilter) normalise() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if _, ok := sortColumns[f.SortBy]; !ok {
		f.SortBy = "created_at"
	}
	if strings.EqualFold(f.SortOrder, "ASC") {
		f.SortOrder = "ASC"
	} else {
		f.SortOrder = "DESC"
	}
}

// PaymentPage is one page of a payment listing.
type PaymentPage struct {
	Items []*Payment `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// Statistics summarises payments, optionally scoped to one payer.
type Statistics struct {
	Total           int                   `json:"total"`
	Completed       int                   `json:"completed"`
	Pending         int                   `json:"pending"`
	Failed          int                   `json:"failed"`
	Refunded        int                   `json:"refunded"`
	CompletedVolume decimal.Decimal       `json:"completed_volume"`
	MethodBreakdown map[PaymentMethod]int `json:"method_breakdown"`
}

// ProcessResult is the canonical outcome of a charge attempt.
type ProcessResult struct {
	Status                Status
	ExternalTransactionID string
	Provider              string
	ApprovalCode          string
	Message               string
	RedirectURL           string
	RawResponse           json.RawMessage
	// Retryable marks transport faults (timeouts, 5xx) the gateway may not have seen.
	Retryable bool
}

// RefundResult is the canonical outcome of a refund attempt.
type RefundResult struct {
	Status            TxStatus
	ExternalRefundID  string
	AuthorizationCode string
	FailureReason     string
	RawResponse       json.RawMessage
}

// StatusResult is the gateway's current view of a payment.
type StatusResult struct {
	Status      Status
	Message     string
	RawResponse json.RawMessage
	Retryable   bool
	// Fault is set when the gateway answered with an error instead of a
	// status. Status is then not the gateway's view of the payment.
	Fault bool
}
