package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type postgresLedger struct{ db *sql.DB }

func NewPostgresLedger(db *sql.DB) Ledger { return &postgresLedger{db: db} }

func (r *postgresLedger) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments
		  (id, order_id, payer_id, method, status, amount, tax_amount, platform_fee,
		   net_amount, currency, card_brand, card_last_four, pse_bank, pse_person_type,
		   pse_document_number, wallet_phone, credit_entity, credit_installments,
		   credit_interest_rate, cash_type, notification_email, provider, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$23)`,
		p.ID, p.OrderID, p.PayerID, p.Method, p.Status, p.Amount, p.TaxAmount, p.PlatformFee,
		p.NetAmount, p.Currency, nilIfEmpty(p.CardBrand), nilIfEmpty(p.CardLastFour),
		nilIfEmpty(p.PSEBank), nilIfEmpty(p.PSEPersonType), nilIfEmpty(p.PSEDocumentNumber),
		nilIfEmpty(p.WalletPhone), nilIfEmpty(p.CreditEntity), nilIfZero(p.CreditInstallments),
		p.CreditInterestRate, nilIfEmpty(p.CashType), nilIfEmpty(p.NotificationEmail),
		nilIfEmpty(p.Provider), p.CreatedAt)
	if isUniqueViolation(err, "uq_payments_live_order") {
		return ErrOrderNotPayable
	}
	return err
}

func (r *postgresLedger) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, selectPaymentSQL+" WHERE id=$1", id))
	if err != nil {
		return nil, err
	}
	return p, r.loadChildren(ctx, p)
}

func (r *postgresLedger) GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, selectPaymentSQL+" WHERE external_transaction_id=$1", externalID))
	if err != nil {
		return nil, err
	}
	return p, r.loadChildren(ctx, p)
}

func (r *postgresLedger) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, int, error) {
	f.normalise()
	where, args := buildWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payments"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("%s%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		selectPaymentSQL, where, sortColumns[f.SortBy], f.SortOrder, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// buildWhere turns a filter into a WHERE clause with positional args.
func buildWhere(f PaymentFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrderID != "" {
		add("order_id=$%d", f.OrderID)
	}
	if f.PayerID != "" {
		add("payer_id=$%d", f.PayerID)
	}
	if f.Method != "" {
		add("method=$%d", f.Method)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.Provider != "" {
		add("provider=$%d", f.Provider)
	}
	if f.ExternalTransactionID != "" {
		add("external_transaction_id=$%d", f.ExternalTransactionID)
	}
	if f.MinAmount != nil {
		add("amount>=$%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("amount<=$%d", *f.MaxAmount)
	}
	if f.StartDate != nil {
		add("created_at>=$%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at<=$%d", *f.EndDate)
	}
	if f.Search != "" {
		add("(external_transaction_id ILIKE $%[1]d OR approval_code ILIKE $%[1]d OR response_message ILIKE $%[1]d)",
			"%"+f.Search+"%")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *postgresLedger) SaveAttempt(ctx context.Context, p *Payment, charge *Transaction) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := updatePayment(ctx, tx, p, StatusPending); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, charge)
	})
}

func (r *postgresLedger) UpdatePayment(ctx context.Context, p *Payment, from Status) error {
	return updatePayment(ctx, r.db, p, from)
}

func (r *postgresLedger) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TxStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions SET status=$1, updated_at=$2
		WHERE id=$3 AND status <> 'COMPLETED'`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConcurrentUpdate)
}

func (r *postgresLedger) CreateRefund(ctx context.Context, refund *Refund) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var amount decimal.Decimal
		var status Status
		err := tx.QueryRowContext(ctx,
			`SELECT amount, status FROM payments WHERE id=$1 FOR UPDATE`, refund.PaymentID).
			Scan(&amount, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		if status != StatusCompleted {
			return ErrPaymentNotCompleted
		}

		var committed decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM payment_refunds
			WHERE payment_id=$1 AND status IN ('PENDING','PROCESSING','COMPLETED')`,
			refund.PaymentID).Scan(&committed)
		if err != nil {
			return err
		}
		if committed.Add(refund.Amount).GreaterThan(amount) {
			return ErrRefundExceedsBalance
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_refunds
			  (id, payment_id, status, reason, amount, fee, net_amount, provider,
			   description, notes, requested_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			refund.ID, refund.PaymentID, refund.Status, refund.Reason, refund.Amount,
			refund.Fee, refund.NetAmount, nilIfEmpty(refund.Provider),
			nilIfEmpty(refund.Description), nilIfEmpty(refund.Notes),
			nilIfEmpty(refund.RequestedBy), refund.CreatedAt)
		return err
	})
}

func (r *postgresLedger) SaveRefundOutcome(ctx context.Context, p *Payment, from Status, refund *Refund, entry *Transaction) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_refunds
			SET status=$1, external_refund_id=$2, authorization_code=$3, failure_reason=$4,
			    approved_by=$5, processed_at=$6, completed_at=$7
			WHERE id=$8 AND status IN ('PENDING','PROCESSING')`,
			refund.Status, nilIfEmpty(refund.ExternalRefundID), nilIfEmpty(refund.AuthorizationCode),
			nilIfEmpty(refund.FailureReason), nilIfEmpty(refund.ApprovedBy),
			refund.ProcessedAt, refund.CompletedAt, refund.ID)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, ErrConcurrentUpdate); err != nil {
			return err
		}
		if entry != nil {
			if err := insertTransaction(ctx, tx, entry); err != nil {
				return err
			}
		}
		return updatePayment(ctx, tx, p, from)
	})
}

func (r *postgresLedger) Statistics(ctx context.Context, payerID string) (*Statistics, error) {
	where, args := "", []interface{}{}
	if payerID != "" {
		where, args = " WHERE payer_id=$1", []interface{}{payerID}
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT method, status, COUNT(*), COALESCE(SUM(amount), 0) FROM payments"+where+" GROUP BY method, status",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Statistics{MethodBreakdown: map[PaymentMethod]int{}}
	for rows.Next() {
		var method PaymentMethod
		var status Status
		var count int
		var sum decimal.Decimal
		if err := rows.Scan(&method, &status, &count, &sum); err != nil {
			return nil, err
		}
		stats.add(method, status, count, sum)
	}
	return stats, rows.Err()
}

// add folds one (method, status) bucket into the summary.
func (s *Statistics) add(method PaymentMethod, status Status, count int, sum decimal.Decimal) {
	s.Total += count
	s.MethodBreakdown[method] += count
	switch status {
	case StatusCompleted:
		s.Completed += count
		s.CompletedVolume = s.CompletedVolume.Add(sum)
	case StatusPending:
		s.Pending += count
	case StatusFailed:
		s.Failed += count
	case StatusRefunded:
		s.Refunded += count
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updatePayment(ctx context.Context, db execer, p *Payment, from Status) error {
	p.UpdatedAt = time.Now()
	res, err := db.ExecContext(ctx, `
		UPDATE payments
		SET status=$1, external_transaction_id=$2, provider=$3, approval_code=$4,
		    response_message=$5, redirect_url=$6, failure_reason=$7, processor_response=$8,
		    requires_review=$9, approved_at=$10, failed_at=$11, refunded_at=$12, updated_at=$13
		WHERE id=$14 AND status=$15`,
		p.Status, nilIfEmpty(p.ExternalTransactionID), nilIfEmpty(p.Provider),
		nilIfEmpty(p.ApprovalCode), nilIfEmpty(p.ResponseMessage), nilIfEmpty(p.RedirectURL),
		nilIfEmpty(p.FailureReason), nilIfEmptyJSON(p.ProcessorResponse), p.RequiresReview,
		p.ApprovedAt, p.FailedAt, p.RefundedAt, p.UpdatedAt, p.ID, from)
	if isUniqueViolation(err, "uq_payments_external_tx") {
		return fmt.Errorf("external transaction %q already recorded: %w", p.ExternalTransactionID, ErrConcurrentUpdate)
	}
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConcurrentUpdate)
}

func insertTransaction(ctx context.Context, db execer, t *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_transactions
		  (id, payment_id, type, status, amount, fee, provider, external_reference, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		t.ID, t.PaymentID, t.Type, t.Status, t.Amount, t.Fee,
		nilIfEmpty(t.Provider), nilIfEmpty(t.ExternalReference), t.CreatedAt)
	return err
}

func (r *postgresLedger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *postgresLedger) loadChildren(ctx context.Context, p *Payment) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, type, status, amount, fee, provider, external_reference, created_at, updated_at
		FROM payment_transactions WHERE payment_id=$1 ORDER BY created_at`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t := &Transaction{}
		var provider, ref sql.NullString
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.Type, &t.Status, &t.Amount, &t.Fee,
			&provider, &ref, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		t.Provider, t.ExternalReference = provider.String, ref.String
		p.Transactions = append(p.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rrows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, status, reason, amount, fee, net_amount, provider,
		       external_refund_id, authorization_code, failure_reason, description, notes,
		       requested_by, approved_by, processed_at, completed_at, created_at
		FROM payment_refunds WHERE payment_id=$1 ORDER BY created_at`, p.ID)
	if err != nil {
		return err
	}
	defer rrows.Close()
	for rrows.Next() {
		rf := &Refund{}
		var provider, extID, authCode, failure, desc, notes, reqBy, apprBy sql.NullString
		var processedAt, completedAt sql.NullTime
		if err := rrows.Scan(&rf.ID, &rf.PaymentID, &rf.Status, &rf.Reason, &rf.Amount, &rf.Fee,
			&rf.NetAmount, &provider, &extID, &authCode, &failure, &desc, &notes, &reqBy, &apprBy,
			&processedAt, &completedAt, &rf.CreatedAt); err != nil {
			return err
		}
		rf.Provider, rf.ExternalRefundID, rf.AuthorizationCode = provider.String, extID.String, authCode.String
		rf.FailureReason, rf.Description, rf.Notes = failure.String, desc.String, notes.String
		rf.RequestedBy, rf.ApprovedBy = reqBy.String, apprBy.String
		rf.ProcessedAt, rf.CompletedAt = timePtr(processedAt), timePtr(completedAt)
		p.Refunds = append(p.Refunds, rf)
	}
	return rrows.Err()
}

// ── Scanner ───────────────────────────────────────────────────────────────────

const selectPaymentSQL = `
	SELECT id, order_id, payer_id, method, status, amount, tax_amount, platform_fee,
	       net_amount, currency, external_transaction_id, provider, approval_code,
	       response_message, redirect_url, failure_reason, processor_response,
	       card_brand, card_last_four, pse_bank, pse_person_type, pse_document_number,
	       wallet_phone, credit_entity, credit_installments, credit_interest_rate,
	       cash_type, notification_email, requires_review, approved_at, failed_at,
	       refunded_at, created_at, updated_at
	FROM payments`

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanPayment(row rowScanner) (*Payment, error) {
	p := &Payment{}
	var extID, provider, approval, message, redirect, failure sql.NullString
	var brand, lastFour, pseBank, pseType, pseDoc, phone, entity, cashType, email sql.NullString
	var installments sql.NullInt64
	var rate decimal.NullDecimal
	var raw []byte
	var approvedAt, failedAt, refundedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.OrderID, &p.PayerID, &p.Method, &p.Status, &p.Amount, &p.TaxAmount,
		&p.PlatformFee, &p.NetAmount, &p.Currency, &extID, &provider, &approval,
		&message, &redirect, &failure, &raw,
		&brand, &lastFour, &pseBank, &pseType, &pseDoc,
		&phone, &entity, &installments, &rate,
		&cashType, &email, &p.RequiresReview, &approvedAt, &failedAt,
		&refundedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ExternalTransactionID, p.Provider, p.ApprovalCode = extID.String, provider.String, approval.String
	p.ResponseMessage, p.RedirectURL, p.FailureReason = message.String, redirect.String, failure.String
	if len(raw) > 0 {
		p.ProcessorResponse = raw
	}
	p.CardBrand, p.CardLastFour = brand.String, lastFour.String
	p.PSEBank, p.PSEPersonType, p.PSEDocumentNumber = pseBank.String, pseType.String, pseDoc.String
	p.WalletPhone, p.CreditEntity = phone.String, entity.String
	p.CreditInstallments = int(installments.Int64)
	if rate.Valid {
		p.CreditInterestRate = &rate.Decimal
	}
	p.CashType, p.NotificationEmail = cashType.String, email.String
	p.ApprovedAt, p.FailedAt, p.RefundedAt = timePtr(approvedAt), timePtr(failedAt), timePtr(refundedAt)
	return p, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func expectOneRow(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otherwise
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// nilIfEmptyJSON passes JSON as text; lib/pq would otherwise send []byte as bytea.
func nilIfEmptyJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
