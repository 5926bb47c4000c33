package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc    Service
	ledger *memLedger
	orders *fakeOrders
	wompi  *mockProcessor
	mp     *mockProcessor
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture { return newFixtureWith(t, nil) }

// newFixtureWith routes the Wompi methods to wompi instead of the mock when set.
func newFixtureWith(t *testing.T, wompi Processor) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		ledger: newMemLedger(),
		orders: newFakeOrders(),
		wompi:  newMockProcessor(ProcessorWompi),
		mp:     newMockProcessor(ProcessorMercadoPago),
		events: &recordingPublisher{},
	}
	var wompiProc Processor = f.wompi
	if wompi != nil {
		wompiProc = wompi
	}
	selector, err := NewSelector(nil, wompiProc, f.mp, NewDirectProcessor(node, "https://pse.example/banks"))
	require.NoError(t, err)

	f.svc = NewService(f.ledger, selector, f.orders, NewMemoryLocker(), f.events,
		Options{RefundFeeRate: decimal.RequireFromString("0.03")}, zap.NewNop())
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cardRequest(orderID uuid.UUID, amount string) *CreatePaymentRequest {
	return &CreatePaymentRequest{
		OrderID: orderID.String(),
		Amount:  dec(amount),
		Method:  MethodCreditCard,
		Email:   "ana@example.com",
		Card: &CardDetails{
			Number:      "4242 4242 4242 4242",
			ExpiryMonth: "12",
			ExpiryYear:  "2030",
			CVV:         "123",
			HolderName:  "Ana Gomez",
		},
	}
}

func (f *fixture) chargeCompletes(externalID string) {
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusCompleted, ExternalTransactionID: externalID, Provider: "wompi", ApprovalCode: "A1"}, nil).Once()
}

// completedPayment pays a fresh order of total through the card rail.
func (f *fixture) completedPayment(t *testing.T, total string) *Payment {
	t.Helper()
	orderID := f.orders.add(total)
	f.chargeCompletes("wompi-" + orderID.String())
	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, total), "payer-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, p.Status)
	return p
}

// ── Create ────────────────────────────────────────────────────────────────────

func TestCreatePaymentCompletedCardSettlesOrder(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("119000")
	f.chargeCompletes("tx-1")

	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "119000"), "payer-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "tx-1", p.ExternalTransactionID)
	assert.Equal(t, "wompi", p.Provider)
	assert.Equal(t, "VISA", p.CardBrand)
	assert.Equal(t, "4242", p.CardLastFour)
	assert.Equal(t, "COP", p.Currency)
	assert.True(t, dec("107100").Equal(p.NetAmount), p.NetAmount.String())
	assert.NotNil(t, p.ApprovedAt)
	assert.True(t, f.orders.isPaid(orderID))

	txs := f.ledger.transactionsOf(p.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TxCharge, txs[0].Type)
	assert.Equal(t, TxCompleted, txs[0].Status)
	assert.True(t, dec("119000").Equal(txs[0].Amount))

	stored, err := f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.False(t, stored.RequiresReview)
	assert.Equal(t, []EventType{EventPaymentCompleted}, f.events.types())
}

func TestCreatePaymentAmountMismatchTouchesNothing(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("119000")

	_, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "100000"), "payer-1")
	require.ErrorIs(t, err, ErrAmountMismatch)

	assert.Zero(t, f.ledger.count())
	f.wompi.AssertNotCalled(t, "ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, f.orders.isPaid(orderID))
}

func TestCreatePaymentRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")

	req := cardRequest(orderID, "50000")
	req.OrderID = "not-a-uuid"
	_, err := f.svc.CreatePayment(context.Background(), req, "payer-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = cardRequest(orderID, "50000")
	req.Method = "CHEQUE"
	_, err = f.svc.CreatePayment(context.Background(), req, "payer-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = cardRequest(orderID, "0")
	_, err = f.svc.CreatePayment(context.Background(), req, "payer-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.CreatePayment(context.Background(), cardRequest(uuid.New(), "50000"), "payer-1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	req = cardRequest(orderID, "50000")
	req.Card.CVV = "1"
	_, err = f.svc.CreatePayment(context.Background(), req, "payer-1")
	assert.ErrorIs(t, err, ErrInvalidMethodDetail)

	assert.Zero(t, f.ledger.count())
}

func TestCreatePaymentLowercaseMethodIsNormalised(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.chargeCompletes("tx-lower")

	req := cardRequest(orderID, "50000")
	req.Method = "credit_card"
	p, err := f.svc.CreatePayment(context.Background(), req, "payer-1")
	require.NoError(t, err)
	assert.Equal(t, MethodCreditCard, p.Method)
}

func TestCreatePaymentSecondLiveAttemptRejected(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusPending, ExternalTransactionID: "tx-pending"}, nil).Once()

	_, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)

	_, err = f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	assert.ErrorIs(t, err, ErrOrderNotPayable)
	f.wompi.AssertNumberOfCalls(t, "ProcessCardPayment", 1)
}

func TestCreatePaymentConcurrentAttemptsOnOneOrder(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("119000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(&ProcessResult{Status: StatusCompleted, ExternalTransactionID: "tx-race", Provider: "wompi"}, nil)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CreatePayment(context.Background(), cardRequest(orderID, "119000"), "payer-1")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrOrderNotPayable)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.ledger.count())
	assert.Equal(t, 1, f.orders.markCalls())
	f.wompi.AssertNumberOfCalls(t, "ProcessCardPayment", 1)
}

func TestCreatePaymentOnPaidOrder(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "50000")

	_, err := f.svc.CreatePayment(context.Background(), cardRequest(p.OrderID, "50000"), "payer-1")
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestCreatePaymentDeclinedKeepsOrderPayable(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusFailed, ExternalTransactionID: "tx-declined", Message: "insufficient funds"}, nil).Once()

	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "insufficient funds", p.FailureReason)
	assert.False(t, p.RequiresReview)
	assert.False(t, f.orders.isPaid(orderID))
	assert.Equal(t, []EventType{EventPaymentFailed}, f.events.types())

	txs := f.ledger.transactionsOf(p.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TxFailed, txs[0].Status)

	// A new attempt is allowed after a failure.
	f.chargeCompletes("tx-retry")
	retry, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retry.Status)
}

func TestCreatePaymentRetryableFailureFlagsReview(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusFailed, Message: "wompi unreachable: timeout", Retryable: true}, nil).Once()

	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.True(t, p.RequiresReview)

	stored, err := f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.True(t, stored.RequiresReview)
	assert.Equal(t, 1, f.events.countOf(EventPaymentReviewRequired))
}

func TestCreatePaymentUnsupportedCombinationIsClosed(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, unsupported(ProcessorWompi, "card")).Once()

	_, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.ErrorIs(t, err, ErrUnsupportedMethod)

	page, err := f.svc.GetPayments(context.Background(), PaymentFilter{}, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, StatusFailed, page.Items[0].Status)
}

func TestCreatePaymentOrderSettlementFailureFlagsReview(t *testing.T) {
	f := newFixture(t)
	f.orders.markErr = errors.New("orders database unavailable")
	orderID := f.orders.add("50000")
	f.chargeCompletes("tx-unsettled")

	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)

	stored, err := f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.True(t, stored.RequiresReview)
	assert.Equal(t, 1, f.events.countOf(EventPaymentReviewRequired))
}

func TestCreatePaymentDaviplataGoesDirect(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("80000")

	p, err := f.svc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID:   orderID.String(),
		Amount:    dec("80000"),
		Method:    MethodDaviplata,
		Daviplata: &WalletDetails{PhoneNumber: "+57 300 123 4567"},
	}, "payer-1")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "direct", p.Provider)
	assert.Contains(t, p.ExternalTransactionID, "DAVIPLATA_DIRECT_")
	assert.Equal(t, "573001234567", p.WalletPhone)
	assert.False(t, f.orders.isPaid(orderID))
}

// ── Refunds ───────────────────────────────────────────────────────────────────

func TestRefundPartialThenFull(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "50000")
	f.wompi.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything).
		Return(&RefundResult{Status: TxCompleted, ExternalRefundID: "void-1"}, nil)

	r, err := f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("30000")}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, r.Status)
	assert.Equal(t, ReasonCustomerRequest, r.Reason)
	assert.True(t, dec("900").Equal(r.Fee), r.Fee.String())
	assert.True(t, dec("29100").Equal(r.NetAmount), r.NetAmount.String())

	stored, err := f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("20001")}, "ops-1")
	assert.ErrorIs(t, err, ErrRefundExceedsBalance)

	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("20000"), Reason: ReasonQualityIssue}, "ops-1")
	require.NoError(t, err)

	stored, err = f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)
	assert.NotNil(t, stored.RefundedAt)
	assert.True(t, dec("50000").Equal(stored.RefundedTotal()))

	var refunds int
	for _, tx := range stored.Transactions {
		if tx.Type == TxRefund {
			refunds++
		}
	}
	assert.Equal(t, 2, refunds)
	assert.Equal(t, 2, f.events.countOf(EventRefundCompleted))
	assert.Equal(t, 1, f.events.countOf(EventPaymentRefunded))

	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("1")}, "ops-1")
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
}

func TestRefundFailedAtGatewayFreesBalance(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "50000")
	f.wompi.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything).
		Return(&RefundResult{Status: TxFailed, FailureReason: "void window expired"}, nil).Once()
	f.wompi.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything).
		Return(&RefundResult{Status: TxCompleted, ExternalRefundID: "void-2"}, nil).Once()

	r, err := f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("50000")}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, TxFailed, r.Status)
	assert.Equal(t, "void window expired", r.FailureReason)

	r, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("50000")}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, r.Status)
}

func TestRefundValidation(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "50000")

	_, err := f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("-5")}, "ops-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("5"), Reason: "BORED"}, "ops-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: uuid.NewString(), Amount: dec("5")}, "ops-1")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	f.wompi.AssertNotCalled(t, "ProcessRefund", mock.Anything, mock.Anything, mock.Anything)
}

func TestManualRefundLifecycle(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("70000")
	p, err := f.svc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID: orderID.String(), Amount: dec("70000"), Method: MethodBankTransfer,
	}, "payer-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)

	p, err = f.svc.ConfirmManualPayment(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, manualApprovalCode, p.ApprovalCode)
	assert.True(t, f.orders.isPaid(orderID))

	r, err := f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("70000")}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, TxPending, r.Status)
	assert.Contains(t, r.ExternalRefundID, "REFUND_DIRECT_")

	// In-flight refunds hold the balance.
	_, err = f.svc.RefundPayment(context.Background(),
		RefundRequest{PaymentID: p.ID.String(), Amount: dec("1")}, "ops-1")
	assert.ErrorIs(t, err, ErrRefundExceedsBalance)

	confirmed, err := f.svc.ConfirmManualRefund(context.Background(), p.ID.String(), r.ID.String(), "ops-2")
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, confirmed.Status)
	assert.Equal(t, "ops-2", confirmed.ApprovedBy)

	stored, err := f.svc.GetPaymentByID(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)

	_, err = f.svc.ConfirmManualRefund(context.Background(), p.ID.String(), r.ID.String(), "ops-2")
	assert.ErrorIs(t, err, ErrRefundNotPending)
	_, err = f.svc.ConfirmManualRefund(context.Background(), p.ID.String(), uuid.NewString(), "ops-2")
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

// ── Administrative transitions ────────────────────────────────────────────────

func TestCancelPayment(t *testing.T) {
	f := newFixture(t)
	completed := f.completedPayment(t, "50000")

	_, err := f.svc.CancelPayment(context.Background(), completed.ID.String())
	assert.ErrorIs(t, err, ErrPaymentNotPending)

	orderID := f.orders.add("60000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusPending, ExternalTransactionID: "tx-3ds"}, nil).Once()
	pending, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "60000"), "payer-1")
	require.NoError(t, err)

	cancelled, err := f.svc.CancelPayment(context.Background(), pending.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled by administrator", cancelled.FailureReason)
	assert.NotNil(t, cancelled.FailedAt)

	txs := f.ledger.transactionsOf(pending.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TxCancelled, txs[0].Status)

	_, err = f.svc.CancelPayment(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestConfirmManualPaymentRequiresPending(t *testing.T) {
	f := newFixture(t)
	completed := f.completedPayment(t, "50000")

	_, err := f.svc.ConfirmManualPayment(context.Background(), completed.ID.String())
	assert.ErrorIs(t, err, ErrPaymentNotPending)
}

// ── Reconciliation ────────────────────────────────────────────────────────────

func TestVerifyPaymentStatusAppliesOnce(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusPending, ExternalTransactionID: "tx-async"}, nil).Once()
	p, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)

	f.wompi.On("CheckPaymentStatus", mock.Anything, "tx-async").
		Return(&StatusResult{Status: StatusCompleted, Message: "APPROVED"}, nil)

	got, err := f.svc.VerifyPaymentStatus(context.Background(), "tx-async")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, f.orders.isPaid(orderID))

	txs := f.ledger.transactionsOf(p.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TxCompleted, txs[0].Status)

	before := len(f.events.types())
	again, err := f.svc.VerifyPaymentStatus(context.Background(), "tx-async")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, f.events.types(), before)
	assert.Equal(t, 1, f.events.countOf(EventPaymentCompleted))
}

func TestVerifyPaymentStatusNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	p := f.completedPayment(t, "50000")
	f.wompi.On("CheckPaymentStatus", mock.Anything, p.ExternalTransactionID).
		Return(&StatusResult{Status: StatusFailed, Message: "DECLINED"}, nil)

	got, err := f.svc.VerifyPaymentStatus(context.Background(), p.ExternalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.RequiresReview)

	_, err = f.svc.VerifyPaymentStatus(context.Background(), p.ExternalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.countOf(EventPaymentReviewRequired))
}

func TestVerifyPaymentStatusGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("50000")
	f.wompi.On("ProcessCardPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(&ProcessResult{Status: StatusPending, ExternalTransactionID: "tx-slow"}, nil).Once()
	_, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "50000"), "payer-1")
	require.NoError(t, err)

	f.wompi.On("CheckPaymentStatus", mock.Anything, "tx-slow").
		Return(&StatusResult{Status: StatusFailed, Message: "wompi returned 503", Retryable: true}, nil)

	_, err = f.svc.VerifyPaymentStatus(context.Background(), "tx-slow")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	stored, err := f.ledger.GetPaymentByExternalID(context.Background(), "tx-slow")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestVerifyBalotoPaymentAwaitsManualSettlement(t *testing.T) {
	var lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		writeJSON(w, http.StatusNotFound, `{"error":{"type":"NOT_FOUND_ERROR","reason":"La entidad solicitada no existe"}}`)
	}))
	t.Cleanup(srv.Close)
	f := newFixtureWith(t, newTestWompi(srv.URL, time.Second))
	orderID := f.orders.add("45000")

	p, err := f.svc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID: orderID.String(),
		Amount:  dec("45000"),
		Method:  MethodBaloto,
		Cash:    &CashDetails{PayerName: "Ana", Email: "ana@example.com"},
	}, "payer-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "wompi", p.Provider)

	got, err := f.svc.VerifyPaymentStatus(context.Background(), p.ExternalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.RequiresReview)
	assert.Zero(t, lookups.Load())

	settled, err := f.svc.ConfirmManualPayment(context.Background(), p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, settled.Status)
	assert.True(t, f.orders.isPaid(orderID))
}

func TestVerifyPaymentStatusIgnoresGatewayErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions/12-missing":
			writeJSON(w, http.StatusNotFound, `{"error":{"type":"NOT_FOUND_ERROR","reason":"La entidad solicitada no existe"}}`)
		default:
			writeJSON(w, http.StatusUnauthorized, `{"error":{"type":"INVALID_ACCESS_TOKEN"}}`)
		}
	}))
	t.Cleanup(srv.Close)
	f := newFixtureWith(t, newTestWompi(srv.URL, time.Second))

	for _, ext := range []string{"12-missing", "12-rotated-key"} {
		p := &Payment{
			ID: uuid.New(), OrderID: f.orders.add("50000"), PayerID: "payer-1", Method: MethodNequi,
			Status: StatusPending, Amount: dec("50000"), Provider: "wompi", ExternalTransactionID: ext,
		}
		require.NoError(t, f.ledger.CreatePayment(context.Background(), p))

		_, err := f.svc.VerifyPaymentStatus(context.Background(), ext)
		assert.ErrorIs(t, err, ErrGatewayUnavailable, ext)

		stored, err := f.ledger.GetPaymentByExternalID(context.Background(), ext)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status, ext)
		assert.False(t, stored.RequiresReview, ext)
	}
	assert.Empty(t, f.events.types())
}

func TestVerifyPaymentStatusUnknownExternalID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.VerifyPaymentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = f.svc.VerifyPaymentStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVerifyDirectPaymentStaysWithOperator(t *testing.T) {
	f := newFixture(t)
	orderID := f.orders.add("80000")
	p, err := f.svc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID: orderID.String(), Amount: dec("80000"), Method: MethodCryptocurrency,
	}, "payer-1")
	require.NoError(t, err)

	got, err := f.svc.VerifyPaymentStatus(context.Background(), p.ExternalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.RequiresReview)
	assert.Contains(t, p.ExternalTransactionID, "CRYPTO_DIRECT_")
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestGetPaymentsScopesToPayer(t *testing.T) {
	f := newFixture(t)
	f.completedPayment(t, "50000")
	orderID := f.orders.add("30000")
	f.chargeCompletes("tx-other")
	_, err := f.svc.CreatePayment(context.Background(), cardRequest(orderID, "30000"), "payer-2")
	require.NoError(t, err)

	page, err := f.svc.GetPayments(context.Background(), PaymentFilter{PayerID: "payer-1"}, "payer-2")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "payer-2", page.Items[0].PayerID)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.Limit)

	page, err = f.svc.GetPayments(context.Background(), PaymentFilter{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestGetStatistics(t *testing.T) {
	f := newFixture(t)
	f.completedPayment(t, "50000")
	orderID := f.orders.add("30000")
	_, err := f.svc.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID: orderID.String(), Amount: dec("30000"), Method: MethodACHTransfer,
	}, "payer-1")
	require.NoError(t, err)

	stats, err := f.svc.GetStatistics(context.Background(), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
	assert.True(t, dec("50000").Equal(stats.CompletedVolume))
	assert.Equal(t, 1, stats.MethodBreakdown[MethodACHTransfer])
}

func TestListPSEBanksNeedsDirectory(t *testing.T) {
	f := newFixture(t)
	// The mocked Wompi processor has no bank directory.
	_, err := f.svc.ListPSEBanks(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}
