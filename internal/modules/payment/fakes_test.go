package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// ── In-memory ledger ──────────────────────────────────────────────────────────
// Same conditional-update rules as the Postgres ledger.

type memLedger struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	txs      []*Transaction
	refunds  []*Refund
}

func newMemLedger() *memLedger {
	return &memLedger{payments: map[uuid.UUID]*Payment{}}
}

func clonePayment(p *Payment) *Payment {
	c := *p
	c.Transactions, c.Refunds = nil, nil
	return &c
}

func (l *memLedger) CreatePayment(ctx context.Context, p *Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, other := range l.payments {
		if other.OrderID == p.OrderID && (other.Status == StatusPending || other.Status == StatusCompleted) {
			return ErrOrderNotPayable
		}
	}
	l.payments[p.ID] = clonePayment(p)
	return nil
}

func (l *memLedger) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id)
}

func (l *memLedger) load(id uuid.UUID) (*Payment, error) {
	stored, ok := l.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := clonePayment(stored)
	for _, t := range l.txs {
		if t.PaymentID == id {
			c := *t
			p.Transactions = append(p.Transactions, &c)
		}
	}
	for _, r := range l.refunds {
		if r.PaymentID == id {
			c := *r
			p.Refunds = append(p.Refunds, &c)
		}
	}
	return p, nil
}

func (l *memLedger) GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, p := range l.payments {
		if p.ExternalTransactionID == externalID {
			return l.load(id)
		}
	}
	return nil, ErrPaymentNotFound
}

func (l *memLedger) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.normalise()
	var matched []*Payment
	for _, p := range l.payments {
		if f.PayerID != "" && p.PayerID != f.PayerID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		matched = append(matched, clonePayment(p))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	start := (f.Page - 1) * f.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+f.Limit, len(matched))
	return matched[start:end], len(matched), nil
}

func (l *memLedger) SaveAttempt(ctx context.Context, p *Payment, charge *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.update(p, StatusPending); err != nil {
		return err
	}
	c := *charge
	l.txs = append(l.txs, &c)
	return nil
}

func (l *memLedger) UpdatePayment(ctx context.Context, p *Payment, from Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update(p, from)
}

func (l *memLedger) update(p *Payment, from Status) error {
	stored, ok := l.payments[p.ID]
	if !ok || stored.Status != from {
		return ErrConcurrentUpdate
	}
	if p.ExternalTransactionID != "" {
		for id, other := range l.payments {
			if id != p.ID && other.ExternalTransactionID == p.ExternalTransactionID {
				return ErrConcurrentUpdate
			}
		}
	}
	p.UpdatedAt = time.Now()
	l.payments[p.ID] = clonePayment(p)
	return nil
}

func (l *memLedger) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TxStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.ID == id && t.Status != TxCompleted {
			t.Status = status
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrConcurrentUpdate
}

func (l *memLedger) CreateRefund(ctx context.Context, r *Refund) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[r.PaymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusCompleted {
		return ErrPaymentNotCompleted
	}
	committed := decimal.Zero
	for _, other := range l.refunds {
		if other.PaymentID == r.PaymentID && other.Status != TxFailed && other.Status != TxCancelled {
			committed = committed.Add(other.Amount)
		}
	}
	if committed.Add(r.Amount).GreaterThan(p.Amount) {
		return ErrRefundExceedsBalance
	}
	c := *r
	l.refunds = append(l.refunds, &c)
	return nil
}

func (l *memLedger) SaveRefundOutcome(ctx context.Context, p *Payment, from Status, r *Refund, entry *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := -1
	for i, stored := range l.refunds {
		if stored.ID == r.ID && (stored.Status == TxPending || stored.Status == TxProcessing) {
			idx = i
		}
	}
	if idx < 0 {
		return ErrConcurrentUpdate
	}
	if stored, ok := l.payments[p.ID]; !ok || stored.Status != from {
		return ErrConcurrentUpdate
	}
	c := *r
	l.refunds[idx] = &c
	if entry != nil {
		e := *entry
		l.txs = append(l.txs, &e)
	}
	return l.update(p, from)
}

func (l *memLedger) Statistics(ctx context.Context, payerID string) (*Statistics, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := &Statistics{MethodBreakdown: map[PaymentMethod]int{}}
	for _, p := range l.payments {
		if payerID == "" || p.PayerID == payerID {
			stats.add(p.Method, p.Status, 1, p.Amount)
		}
	}
	return stats, nil
}

func (l *memLedger) transactionsOf(id uuid.UUID) []*Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Transaction
	for _, t := range l.txs {
		if t.PaymentID == id {
			out = append(out, t)
		}
	}
	return out
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payments)
}

// ── Orders ────────────────────────────────────────────────────────────────────

type fakeOrders struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*Order
	paid    map[uuid.UUID]time.Time
	marks   int
	markErr error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: map[uuid.UUID]*Order{}, paid: map[uuid.UUID]time.Time{}}
}

// add registers an order awaiting payment of total with a 10% platform fee.
func (f *fakeOrders) add(total string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount := decimal.RequireFromString(total)
	o := &Order{
		ID:              uuid.New(),
		TotalAmount:     amount,
		PlatformFee:     amount.Mul(decimal.RequireFromString("0.10")),
		AwaitingPayment: true,
	}
	f.orders[o.ID] = o
	return o.ID
}

func (f *fakeOrders) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (f *fakeOrders) MarkOrderPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	if f.markErr != nil {
		return f.markErr
	}
	f.orders[id].AwaitingPayment = false
	f.paid[id] = paidAt
	return nil
}

func (f *fakeOrders) markCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks
}

func (f *fakeOrders) isPaid(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.paid[id]
	return ok
}

// ── Processor mock ────────────────────────────────────────────────────────────

type mockProcessor struct {
	mock.Mock
	name ProcessorID
}

func newMockProcessor(name ProcessorID) *mockProcessor { return &mockProcessor{name: name} }

func (m *mockProcessor) Name() ProcessorID { return m.name }

func processResult(args mock.Arguments) (*ProcessResult, error) {
	res, _ := args.Get(0).(*ProcessResult)
	return res, args.Error(1)
}

func (m *mockProcessor) ProcessCardPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessPsePayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessDigitalWalletPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessCreditPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessCashPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessTransferPayment(ctx context.Context, p *Payment, req *CreatePaymentRequest) (*ProcessResult, error) {
	return processResult(m.Called(ctx, p, req))
}

func (m *mockProcessor) ProcessRefund(ctx context.Context, p *Payment, r *Refund) (*RefundResult, error) {
	args := m.Called(ctx, p, r)
	res, _ := args.Get(0).(*RefundResult)
	return res, args.Error(1)
}

func (m *mockProcessor) CheckPaymentStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	args := m.Called(ctx, externalID)
	res, _ := args.Get(0).(*StatusResult)
	return res, args.Error(1)
}

// ── Events ────────────────────────────────────────────────────────────────────

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingPublisher) countOf(t EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}
