package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, user_id, package_id, amount, currency, method, status, COALESCE(provider_payment_id, ''), created_at, paid_at`

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var paidAt sql.NullTime
	if err := row.Scan(&o.ID, &o.UserID, &o.Package, &o.Amount, &o.Currency, &o.Method, &o.Status, &o.ProviderPaymentID, &o.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return &o, nil
}

func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	const query = `
INSERT INTO orders (id, user_id, package_id, amount, currency, method, status, provider_payment_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`
	if _, err := r.db.ExecContext(ctx, query, order.ID, order.UserID, order.Package, order.Amount, order.Currency, order.Method, order.Status, order.ProviderPaymentID, order.CreatedAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

// SettlePaid flips the order from pending to paid and, in the same
// transaction, credits the package generations and the spent total to the
// buyer. Only the caller that performed the flip gets true.
func (r *OrderRepository) SettlePaid(ctx context.Context, order *models.Order, generations int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const markPaid = `UPDATE orders SET status = ?, paid_at = NOW() WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, markPaid, models.OrderPaid, order.ID, models.OrderPending)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("order rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const credit = `
UPDATE users SET paid_quota = paid_quota + ?, total_spent = total_spent + ?, updated_at = NOW()
WHERE id = ?`
	res, err = tx.ExecContext(ctx, credit, generations, order.Amount, order.UserID)
	if err != nil {
		return false, fmt.Errorf("credit order: %w", err)
	}
	if affected, err = res.RowsAffected(); err != nil {
		return false, fmt.Errorf("credit rows affected: %w", err)
	}
	if affected == 0 {
		return false, fmt.Errorf("credit order %s: user %d not found", order.ID, order.UserID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit order: %w", err)
	}
	return true, nil
}

func (r *OrderRepository) SetProviderPaymentID(ctx context.Context, orderID, providerPaymentID string) error {
	const query = `UPDATE orders SET provider_payment_id = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, providerPaymentID, orderID); err != nil {
		return fmt.Errorf("set provider payment id: %w", err)
	}
	return nil
}

func (r *OrderRepository) List(ctx context.Context, limit int) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, limit)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// Stats aggregates order counts and paid revenue per currency.
func (r *OrderRepository) Stats(ctx context.Context) (*models.PaymentStats, error) {
	const countQuery = `
SELECT COUNT(*),
       COALESCE(SUM(status = 'paid'), 0),
       COALESCE(SUM(method = 'crypto'), 0),
       COALESCE(SUM(method = 'fiat'), 0)
FROM orders`
	stats := &models.PaymentStats{Revenue: map[string]decimal.Decimal{}}
	if err := r.db.QueryRowContext(ctx, countQuery).Scan(&stats.Total, &stats.Paid, &stats.Crypto, &stats.Fiat); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	stats.Unpaid = stats.Total - stats.Paid

	const revenueQuery = `SELECT currency, SUM(amount) FROM orders WHERE status = 'paid' GROUP BY currency`
	rows, err := r.db.QueryContext(ctx, revenueQuery)
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var currency string
		var sum decimal.Decimal
		if err := rows.Scan(&currency, &sum); err != nil {
			return nil, fmt.Errorf("scan revenue: %w", err)
		}
		stats.Revenue[currency] = sum
	}
	return stats, rows.Err()
}
