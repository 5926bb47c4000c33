package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validCard() *CardDetails {
	return &CardDetails{Number: "4111111111111111", ExpiryMonth: "07", ExpiryYear: "2029", CVV: "123", HolderName: "Luis Perez"}
}

func TestValidateDetails(t *testing.T) {
	rate := decimal.RequireFromString("1.9")
	tooHigh := decimal.RequireFromString("101")
	pse := &PSEDetails{Bank: "1007", PersonType: "Natural", DocumentType: "CC", DocumentNumber: "1020304050", FirstName: "Ana", Email: "ana@example.com"}

	cases := []struct {
		name string
		req  CreatePaymentRequest
		ok   bool
	}{
		{"card", CreatePaymentRequest{Method: MethodCreditCard, Card: validCard()}, true},
		{"card missing", CreatePaymentRequest{Method: MethodDebitCard}, false},
		{"card short number", CreatePaymentRequest{Method: MethodCreditCard, Card: &CardDetails{Number: "4111", ExpiryMonth: "07", ExpiryYear: "2029", CVV: "123", HolderName: "x"}}, false},
		{"card bad month", CreatePaymentRequest{Method: MethodCreditCard, Card: &CardDetails{Number: "4111111111111111", ExpiryMonth: "13", ExpiryYear: "2029", CVV: "123", HolderName: "x"}}, false},
		{"card two digit year", CreatePaymentRequest{Method: MethodCreditCard, Card: &CardDetails{Number: "4111111111111111", ExpiryMonth: "07", ExpiryYear: "29", CVV: "123", HolderName: "x"}}, false},
		{"card no holder", CreatePaymentRequest{Method: MethodCreditCard, Card: &CardDetails{Number: "4111111111111111", ExpiryMonth: "07", ExpiryYear: "2029", CVV: "123"}}, false},
		{"card token", CreatePaymentRequest{Method: MethodCreditCard, Card: &CardDetails{Token: "tok_test_123"}}, true},
		{"pse", CreatePaymentRequest{Method: MethodPSE, PSE: pse}, true},
		{"pse bad person type", CreatePaymentRequest{Method: MethodPSE, PSE: &PSEDetails{Bank: "1007", PersonType: "empresa", DocumentNumber: "1020304050", Email: "ana@example.com"}}, false},
		{"pse bad email", CreatePaymentRequest{Method: MethodPSE, PSE: &PSEDetails{Bank: "1007", PersonType: "natural", DocumentNumber: "1020304050", Email: "ana"}}, false},
		{"nequi", CreatePaymentRequest{Method: MethodNequi, Nequi: &WalletDetails{PhoneNumber: "3001234567"}}, true},
		{"nequi short phone", CreatePaymentRequest{Method: MethodNequi, Nequi: &WalletDetails{PhoneNumber: "300123"}}, false},
		{"daviplata missing", CreatePaymentRequest{Method: MethodDaviplata, Nequi: &WalletDetails{PhoneNumber: "3001234567"}}, false},
		{"digital wallet via daviplata", CreatePaymentRequest{Method: MethodDigitalWallet, Daviplata: &WalletDetails{PhoneNumber: "3001234567"}}, true},
		{"credit", CreatePaymentRequest{Method: MethodInstalmentCredit, Credit: &CreditDetails{Entity: "addi", Installments: 12, InterestRate: &rate}}, true},
		{"credit too many installments", CreatePaymentRequest{Method: MethodShortTermCredit, Credit: &CreditDetails{Entity: "addi", Installments: 49}}, false},
		{"credit interest over 100", CreatePaymentRequest{Method: MethodShortTermCredit, Credit: &CreditDetails{Entity: "addi", Installments: 3, InterestRate: &tooHigh}}, false},
		{"credit with bad card", CreatePaymentRequest{Method: MethodInstalmentCredit, Credit: &CreditDetails{Entity: "wompi_credit", Installments: 6, Card: &CardDetails{Number: "1"}}}, false},
		{"cash", CreatePaymentRequest{Method: MethodCash, Cash: &CashDetails{Type: "sufiro", Email: "ana@example.com"}}, true},
		{"baloto implied", CreatePaymentRequest{Method: MethodBaloto, Cash: &CashDetails{Email: "ana@example.com"}}, true},
		{"efecty with baloto type", CreatePaymentRequest{Method: MethodEfecty, Cash: &CashDetails{Type: "BALOTO", Email: "ana@example.com"}}, false},
		{"cash unknown network", CreatePaymentRequest{Method: MethodCash, Cash: &CashDetails{Type: "OXXO", Email: "ana@example.com"}}, false},
		{"cash missing", CreatePaymentRequest{Method: MethodEfecty}, false},
		{"transfer without details", CreatePaymentRequest{Method: MethodBankTransfer}, true},
		{"crypto", CreatePaymentRequest{Method: MethodCryptocurrency, Transfer: &TransferDetails{Network: "polygon"}}, true},
	}
	for _, c := range cases {
		err := validateDetails(&c.req)
		if c.ok {
			assert.NoError(t, err, c.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidMethodDetail, c.name)
		}
	}

	assert.ErrorIs(t, validateDetails(&CreatePaymentRequest{Method: "CHEQUE"}), ErrInvalidRequest)
}

func TestApplyDetailsKeepsOnlyStorableFields(t *testing.T) {
	p := &Payment{}
	applyDetails(p, &CreatePaymentRequest{Method: MethodCreditCard, Email: "ana@example.com", Card: validCard()})
	assert.Equal(t, "VISA", p.CardBrand)
	assert.Equal(t, "1111", p.CardLastFour)
	assert.Equal(t, "ana@example.com", p.NotificationEmail)

	p = &Payment{}
	applyDetails(p, &CreatePaymentRequest{Method: MethodPSE, PSE: &PSEDetails{
		Bank: "1051", PersonType: "Juridica", DocumentNumber: "900123456", Email: "finanzas@example.com",
	}})
	assert.Equal(t, "1051", p.PSEBank)
	assert.Equal(t, "juridica", p.PSEPersonType)
	assert.Equal(t, "900123456", p.PSEDocumentNumber)
	assert.Equal(t, "finanzas@example.com", p.NotificationEmail)

	p = &Payment{}
	applyDetails(p, &CreatePaymentRequest{Method: MethodBaloto, Cash: &CashDetails{Email: "ana@example.com"}})
	assert.Equal(t, "BALOTO", p.CashType)

	p = &Payment{}
	applyDetails(p, &CreatePaymentRequest{Method: MethodShortTermCredit, Credit: &CreditDetails{Entity: "addi", Installments: 4}})
	assert.Equal(t, "addi", p.CreditEntity)
	assert.Equal(t, 4, p.CreditInstallments)
}
