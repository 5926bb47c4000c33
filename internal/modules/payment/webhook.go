package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Gateway names accepted on the webhook endpoint.
const (
	WebhookWompi       = "wompi"
	WebhookMercadoPago = "mercadopago"
	WebhookNequi       = "nequi"
	WebhookDaviplata   = "daviplata"
	WebhookPSE         = "pse"
)

// WebhookSecrets holds the shared secrets each gateway signs deliveries with.
// Nequi and Daviplata tokens may be stored as bcrypt hashes.
type WebhookSecrets struct {
	WompiEventsSecret string
	MercadoPagoSecret string
	NequiToken        string
	DaviplataToken    string
	PSESecret         string
}

// Delivery is one inbound notification as received on the wire.
type Delivery struct {
	Payload   []byte
	Signature string
	// RequestID is Mercado Pago's x-request-id, part of its signed manifest.
	RequestID string
}

// Ack describes what was done with a delivery.
type Ack struct {
	Gateway    string `json:"gateway"`
	Event      string `json:"event"`
	ExternalID string `json:"external_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Status     Status `json:"status,omitempty"`
	// Ignored is set for events that carry no status change.
	Ignored bool `json:"ignored"`
}

// StatusVerifier is the reconciliation entry point deliveries are fed into.
type StatusVerifier interface {
	VerifyPaymentStatus(ctx context.Context, externalID string) (*Payment, error)
}

// Reconciler authenticates gateway notifications and turns confirmed ones
// into status verifications. It never writes to the ledger itself.
type Reconciler struct {
	payments StatusVerifier
	secrets  WebhookSecrets
	log      *zap.Logger
}

func NewReconciler(payments StatusVerifier, secrets WebhookSecrets, log *zap.Logger) *Reconciler {
	return &Reconciler{payments: payments, secrets: secrets, log: log.Named("webhook")}
}

// webhookEvent is the gateway-neutral reading of a delivery.
type webhookEvent struct {
	name       string
	externalID string
	verify     bool
}

// HandleWebhook verifies a delivery's signature and reconciles the payment it
// refers to. An invalid signature fails with ErrInvalidSignature before the
// payload is even parsed.
func (rc *Reconciler) HandleWebhook(ctx context.Context, gateway string, d Delivery) (Ack, error) {
	gateway = strings.ToLower(gateway)
	ack := Ack{Gateway: gateway}

	var ok bool
	switch gateway {
	case WebhookWompi:
		ok = validHMAC(rc.secrets.WompiEventsSecret, d.Payload, d.Signature)
	case WebhookPSE:
		ok = validHMAC(rc.secrets.PSESecret, d.Payload, d.Signature)
	case WebhookMercadoPago:
		ok = rc.validMercadoPago(d)
	case WebhookNequi:
		ok = validToken(rc.secrets.NequiToken, d.Signature)
	case WebhookDaviplata:
		ok = validToken(rc.secrets.DaviplataToken, d.Signature)
	default:
		return ack, fmt.Errorf("%w: unknown webhook gateway %q", ErrInvalidRequest, gateway)
	}
	if !ok {
		return ack, ErrInvalidSignature
	}

	ev, err := parseWebhook(gateway, d.Payload)
	if err != nil {
		return ack, err
	}
	ack.Event, ack.ExternalID = ev.name, ev.externalID

	log := rc.log.With(zap.String("gateway", gateway), zap.String("event", ev.name),
		zap.String("external_id", ev.externalID))
	if !ev.verify {
		log.Info("webhook event ignored")
		ack.Ignored = true
		return ack, nil
	}
	if ev.externalID == "" {
		return ack, fmt.Errorf("%w: %s event without transaction id", ErrInvalidRequest, ev.name)
	}

	p, err := rc.payments.VerifyPaymentStatus(ctx, ev.externalID)
	if err != nil {
		return ack, fmt.Errorf("reconcile %s: %w", ev.externalID, err)
	}
	ack.PaymentID, ack.Status = p.ID.String(), p.Status
	log.Info("webhook reconciled", zap.String("payment_id", ack.PaymentID), zap.String("status", string(p.Status)))
	return ack, nil
}

// ── Signatures ────────────────────────────────────────────────────────────────

func validHMAC(secret string, message []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), got)
}

// validMercadoPago checks "ts=<ts>,v1=<hex>" against the manifest
// id:<data.id>;request-id:<x-request-id>;ts:<ts>;
func (rc *Reconciler) validMercadoPago(d Delivery) bool {
	var ts, v1 string
	for _, part := range strings.Split(d.Signature, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	var body struct {
		Data struct {
			ID flexibleID `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(d.Payload, &body); err != nil {
		return false
	}
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", body.Data.ID, d.RequestID, ts)
	return validHMAC(rc.secrets.MercadoPagoSecret, []byte(manifest), v1)
}

func validToken(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// ── Payloads ──────────────────────────────────────────────────────────────────

// flexibleID accepts ids sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func parseWebhook(gateway string, payload []byte) (webhookEvent, error) {
	var ev webhookEvent
	switch gateway {
	case WebhookWompi:
		var body struct {
			Event string `json:"event"`
			Data  struct {
				Transaction struct {
					ID flexibleID `json:"id"`
				} `json:"transaction"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return ev, fmt.Errorf("%w: wompi payload: %v", ErrInvalidRequest, err)
		}
		ev.name, ev.externalID = body.Event, string(body.Data.Transaction.ID)
		ev.verify = body.Event == "transaction.updated"

	case WebhookMercadoPago:
		var body struct {
			Type   string `json:"type"`
			Action string `json:"action"`
			Data   struct {
				ID flexibleID `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return ev, fmt.Errorf("%w: mercadopago payload: %v", ErrInvalidRequest, err)
		}
		ev.name, ev.externalID = body.Type, string(body.Data.ID)
		ev.verify = body.Type == "payment" || body.Type == "payment_updated"

	case WebhookNequi, WebhookDaviplata, WebhookPSE:
		var body struct {
			EventType     string     `json:"eventType"`
			TransactionID flexibleID `json:"transactionId"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return ev, fmt.Errorf("%w: %s payload: %v", ErrInvalidRequest, gateway, err)
		}
		ev.name, ev.externalID = body.EventType, string(body.TransactionID)
		ev.verify = terminalRailEvent(gateway, body.EventType)
	}
	return ev, nil
}

// terminalRailEvent reports whether a wallet or PSE event announces a final outcome.
// Pending notifications are only logged.
func terminalRailEvent(gateway, event string) bool {
	switch gateway {
	case WebhookNequi:
		return event == "PAYMENT_SUCCESS" || event == "PAYMENT_FAILED"
	case WebhookDaviplata:
		return event == "PAYMENT_CONFIRMED" || event == "PAYMENT_REJECTED"
	case WebhookPSE:
		return event == "PAYMENT_APPROVED" || event == "PAYMENT_REJECTED"
	}
	return false
}
