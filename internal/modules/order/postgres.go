package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type postgresRepo struct{ db *sql.DB }

func NewPostgresRepository(db *sql.DB) Repository { return &postgresRepo{db: db} }

const selectSQL = `
	SELECT id, customer_id, technician_id, title, description, status,
	       total_amount, tax_amount, platform_fee, technician_amount,
	       paid_at, created_at, updated_at
	FROM orders`

func (r *postgresRepo) CreateOrder(ctx context.Context, o *Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders
		  (id, customer_id, technician_id, title, description, status,
		   total_amount, tax_amount, platform_fee, technician_amount, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		o.ID, o.CustomerID, o.TechnicianID, o.Title, o.Description, o.Status,
		o.TotalAmount, o.TaxAmount, o.PlatformFee, o.TechnicianAmount, o.CreatedAt)
	return err
}

func (r *postgresRepo) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.db.QueryRowContext(ctx, selectSQL+" WHERE id=$1", id))
}

func (r *postgresRepo) ListOrdersByCustomer(ctx context.Context, customerID uuid.UUID) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, selectSQL+" WHERE customer_id=$1 ORDER BY created_at DESC", customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []*Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *postgresRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to OrderStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		to, time.Now(), id, from)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrInvalidTransition)
}

func (r *postgresRepo) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status=$1, paid_at=$2, updated_at=$3
		WHERE id=$4 AND status=$5`,
		StatusPaid, paidAt, time.Now(), id, StatusPendingPayment)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotAwaitingPayment)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var technicianID uuid.NullUUID
	var paidAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.CustomerID, &technicianID, &o.Title, &o.Description, &o.Status,
		&o.TotalAmount, &o.TaxAmount, &o.PlatformFee, &o.TechnicianAmount,
		&paidAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if technicianID.Valid {
		o.TechnicianID = &technicianID.UUID
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return o, nil
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
