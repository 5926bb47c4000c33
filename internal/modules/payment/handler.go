package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/georgemunganga/fixi-backend/internal/modules/auth"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Handler exposes payment HTTP endpoints.
type Handler struct {
	service  Service
	webhooks *Reconciler
	log      *zap.Logger
}

func NewHandler(service Service, webhooks *Reconciler, log *zap.Logger) *Handler {
	return &Handler{service: service, webhooks: webhooks, log: log}
}

// RegisterRoutes mounts the payment API behind authn and the webhook endpoint
// without it (gateways sign their deliveries instead).
func (h *Handler) RegisterRoutes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", h.createPayment)                    // POST /api/v1/payments
		r.Get("/", h.listPayments)                      // GET  /api/v1/payments?status=COMPLETED&page=2
		r.Get("/stats", h.statistics)                   // GET  /api/v1/payments/stats
		r.Get("/pse-banks", h.pseBanks)                 // GET  /api/v1/payments/pse-banks
		r.Post("/verify/{external_id}", h.verifyStatus) // POST /api/v1/payments/verify/{external_id}
		r.Get("/{id}", h.getPayment)                    // GET  /api/v1/payments/{id}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/{id}/refund", h.refund)
			r.Post("/{id}/refunds/{refund_id}/confirm", h.confirmRefund)
			r.Post("/{id}/cancel", h.cancel)
			r.Post("/{id}/confirm", h.confirmManual)
		})
	})

	r.Post("/api/v1/webhooks/{gateway}", h.webhook)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	p, err := h.service.CreatePayment(r.Context(), &req, caller.Subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusCreated, p)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	f, err := parseFilter(r)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	scope := ""
	if !caller.IsAdmin() {
		scope = caller.Subject
	}
	page, err := h.service.GetPayments(r.Context(), f, scope)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	payer := caller.Subject
	if caller.IsAdmin() {
		payer = r.URL.Query().Get("payer_id")
	}
	stats, err := h.service.GetStatistics(r.Context(), payer)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (h *Handler) pseBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.service.ListPSEBanks(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, banks)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	p, err := h.service.GetPaymentByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !caller.IsAdmin() && p.PayerID != caller.Subject {
		// Other payers' payments are indistinguishable from missing ones.
		h.fail(w, ErrPaymentNotFound)
		return
	}
	respond(w, http.StatusOK, p)
}

func (h *Handler) verifyStatus(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	externalID := chi.URLParam(r, "external_id")
	if !caller.IsAdmin() {
		// Ownership is checked before the gateway is asked anything.
		owned, err := h.service.GetPaymentByExternalID(r.Context(), externalID)
		if err != nil {
			h.fail(w, err)
			return
		}
		if owned.PayerID != caller.Subject {
			h.fail(w, ErrPaymentNotFound)
			return
		}
	}
	p, err := h.service.VerifyPaymentStatus(r.Context(), externalID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.PaymentID = chi.URLParam(r, "id")
	refund, err := h.service.RefundPayment(r.Context(), req, caller.Subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	if refund.Status == TxFailed {
		// The gateway's own words are the most useful thing to show.
		respond(w, http.StatusBadGateway, map[string]interface{}{"error": refund.FailureReason, "refund": refund})
		return
	}
	respond(w, http.StatusCreated, refund)
}

func (h *Handler) confirmRefund(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	refund, err := h.service.ConfirmManualRefund(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "refund_id"), caller.Subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, refund)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.CancelPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (h *Handler) confirmManual(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.ConfirmManualPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, http.StatusOK, p)
}

// ── Webhooks ──────────────────────────────────────────────────────────────────

// signatureHeaders names the header each gateway authenticates with.
var signatureHeaders = map[string]string{
	WebhookWompi:       "X-Wompi-Signature",
	WebhookMercadoPago: "X-Signature",
	WebhookNequi:       "X-Nequi-Token",
	WebhookDaviplata:   "X-Daviplata-Token",
	WebhookPSE:         "X-Pse-Signature",
}

// webhook acknowledges every delivery with 200 so gateways never retry.
// Rejected and failed deliveries are only logged, for manual reconciliation.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	gateway := strings.ToLower(chi.URLParam(r, "gateway"))
	log := h.log.With(zap.String("gateway", gateway),
		zap.String("request_id", r.Header.Get("X-Request-Id")))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Error("read webhook body", zap.Error(err))
		respond(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}
	d := Delivery{
		Payload:   body,
		Signature: r.Header.Get(signatureHeaders[gateway]),
		RequestID: r.Header.Get("X-Request-Id"),
	}
	ack, err := h.webhooks.HandleWebhook(r.Context(), gateway, d)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		log.Error("webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
	case err != nil:
		log.Error("webhook not reconciled", zap.String("event", ack.Event),
			zap.String("external_id", ack.ExternalID), zap.Error(err))
	}
	respond(w, http.StatusOK, map[string]string{"status": "received"})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrRefundNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrOrderNotPayable), errors.Is(err, ErrPaymentNotPending),
		errors.Is(err, ErrRefundNotPending), errors.Is(err, ErrConcurrentUpdate):
		status = http.StatusConflict
	case errors.Is(err, ErrPaymentNotCompleted), errors.Is(err, ErrRefundExceedsBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrInvalidMethodDetail), errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrGatewayUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, ErrUnsupportedMethod), errors.Is(err, ErrNoProcessorAvailable):
		h.log.Error("payment configuration error", zap.Error(err))
		msg = "payment configuration error"
	default:
		h.log.Error("payment request failed", zap.Error(err))
		msg = "internal server error"
	}
	respond(w, status, map[string]string{"error": msg})
}

func parseFilter(r *http.Request) (PaymentFilter, error) {
	q := r.URL.Query()
	f := PaymentFilter{
		OrderID:               q.Get("order_id"),
		Provider:              q.Get("provider"),
		ExternalTransactionID: q.Get("external_transaction_id"),
		Search:                q.Get("search"),
		SortBy:                q.Get("sort_by"),
		SortOrder:             q.Get("sort_order"),
	}
	if v := q.Get("method"); v != "" {
		m, ok := ParseMethod(v)
		if !ok {
			return f, errors.New("unknown method " + v)
		}
		f.Method = m
	}
	if v := q.Get("status"); v != "" {
		f.Status = Status(strings.ToUpper(v))
		if _, ok := validTransitions[f.Status]; !ok {
			return f, errors.New("unknown status " + v)
		}
	}
	for _, p := range []struct {
		key string
		dst **decimal.Decimal
	}{{"min_amount", &f.MinAmount}, {"max_amount", &f.MaxAmount}} {
		if v := q.Get(p.key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return f, errors.New("invalid " + p.key)
			}
			*p.dst = &d
		}
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"start_date", &f.StartDate}, {"end_date", &f.EndDate}} {
		if v := q.Get(p.key); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return f, errors.New("invalid " + p.key)
			}
			*p.dst = &t
		}
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"page", &f.Page}, {"limit", &f.Limit}} {
		if v := q.Get(p.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, errors.New("invalid " + p.key)
			}
			*p.dst = n
		}
	}
	return f, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
