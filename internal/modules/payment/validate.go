package payment

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// validateDetails checks that the detail group required by the method is
// present and usable. Full Colombian validation rules belong to the client.
func validateDetails(req *CreatePaymentRequest) error {
	switch req.Method {
	case MethodCreditCard, MethodDebitCard:
		return validateCard(req.Card)
	case MethodPSE:
		return validatePSE(req.PSE)
	case MethodNequi:
		return validateWallet("nequi", req.Nequi)
	case MethodDaviplata:
		return validateWallet("daviplata", req.Daviplata)
	case MethodDigitalWallet:
		if req.Nequi != nil {
			return validateWallet("nequi", req.Nequi)
		}
		return validateWallet("daviplata", req.Daviplata)
	case MethodShortTermCredit, MethodInstalmentCredit:
		return validateCredit(req.Credit)
	case MethodCash, MethodBaloto, MethodEfecty:
		return validateCash(req.Method, req)
	case MethodBankTransfer, MethodACHTransfer, MethodCryptocurrency:
		// Settled out of band; transfer details are optional.
		return nil
	}
	return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
}

func detailErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMethodDetail, fmt.Sprintf(format, args...))
}

func validateCard(c *CardDetails) error {
	if c == nil {
		return detailErr("card details are required")
	}
	if c.Token != "" {
		// Tokenised by the gateway's client SDK; the PAN never reaches us.
		return nil
	}
	if n := len(digitsOnly(c.Number)); n < 13 || n > 19 {
		return detailErr("card number must have 13 to 19 digits")
	}
	month, err := strconv.Atoi(c.ExpiryMonth)
	if err != nil || month < 1 || month > 12 {
		return detailErr("expiry month must be between 01 and 12")
	}
	if len(c.ExpiryYear) != 4 {
		return detailErr("expiry year must have 4 digits")
	}
	if n := len(c.CVV); n < 3 || n > 4 {
		return detailErr("cvv must have 3 or 4 digits")
	}
	if strings.TrimSpace(c.HolderName) == "" {
		return detailErr("cardholder name is required")
	}
	return nil
}

func validatePSE(p *PSEDetails) error {
	if p == nil {
		return detailErr("pse details are required")
	}
	if strings.TrimSpace(p.Bank) == "" {
		return detailErr("pse bank is required")
	}
	switch strings.ToLower(p.PersonType) {
	case "natural", "juridica":
	default:
		return detailErr("person type must be natural or juridica")
	}
	if n := len(p.DocumentNumber); n < 5 || n > 20 {
		return detailErr("document number must have 5 to 20 characters")
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return detailErr("pse email is invalid")
	}
	return nil
}

func validateWallet(kind string, w *WalletDetails) error {
	if w == nil {
		return detailErr("%s details are required", kind)
	}
	if n := len(digitsOnly(w.PhoneNumber)); n < 10 || n > 15 {
		return detailErr("%s phone number must have 10 to 15 digits", kind)
	}
	return nil
}

func validateCredit(c *CreditDetails) error {
	if c == nil {
		return detailErr("credit details are required")
	}
	if strings.TrimSpace(c.Entity) == "" {
		return detailErr("credit entity is required")
	}
	if c.Installments < 1 || c.Installments > 48 {
		return detailErr("installments must be between 1 and 48")
	}
	if c.InterestRate != nil && (c.InterestRate.IsNegative() || c.InterestRate.GreaterThan(hundred)) {
		return detailErr("interest rate must be between 0 and 100")
	}
	if c.Card != nil {
		return validateCard(c.Card)
	}
	return nil
}

func validateCash(m PaymentMethod, req *CreatePaymentRequest) error {
	if req.Cash == nil {
		return detailErr("cash details are required")
	}
	switch kind := cashType(m, req); kind {
	case "BALOTO", "EFECTY", "SUFIRO":
		if m != MethodCash && kind != string(m) {
			return detailErr("cash type %s does not match method %s", kind, m)
		}
	default:
		return detailErr("cash type must be BALOTO, EFECTY or SUFIRO")
	}
	if _, err := mail.ParseAddress(req.Cash.Email); err != nil {
		return detailErr("cash notification email is invalid")
	}
	return nil
}

// applyDetails copies the storable part of the detail group onto the payment.
// Card numbers are reduced to brand and last four.
func applyDetails(p *Payment, req *CreatePaymentRequest) {
	switch req.Method {
	case MethodCreditCard, MethodDebitCard:
		if req.Card.Number != "" {
			p.CardBrand = DetectCardBrand(req.Card.Number)
			p.CardLastFour = lastFour(req.Card.Number)
		}
	case MethodPSE:
		p.PSEBank = req.PSE.Bank
		p.PSEPersonType = strings.ToLower(req.PSE.PersonType)
		p.PSEDocumentNumber = req.PSE.DocumentNumber
		p.NotificationEmail = req.PSE.Email
	case MethodNequi, MethodDaviplata, MethodDigitalWallet:
		if req.Nequi != nil {
			p.WalletPhone = digitsOnly(req.Nequi.PhoneNumber)
		} else {
			p.WalletPhone = digitsOnly(req.Daviplata.PhoneNumber)
		}
	case MethodShortTermCredit, MethodInstalmentCredit:
		p.CreditEntity = req.Credit.Entity
		p.CreditInstallments = req.Credit.Installments
		p.CreditInterestRate = req.Credit.InterestRate
	case MethodCash, MethodBaloto, MethodEfecty:
		p.CashType = cashType(req.Method, req)
		p.NotificationEmail = req.Cash.Email
	}
	if p.NotificationEmail == "" {
		p.NotificationEmail = req.Email
	}
}
