package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type ReferralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// AddReferral records referrer -> referred once per kind; false means it already existed.
func (r *ReferralRepository) AddReferral(ctx context.Context, referrerID, referredID int64, kind models.ReferralKind) (bool, error) {
	const query = `INSERT IGNORE INTO referrals (referrer_id, referred_id, kind) VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, referrerID, referredID, kind)
	if err != nil {
		return false, fmt.Errorf("insert referral: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("referral rows affected: %w", err)
	}
	return affected > 0, nil
}

// LinkExpert attributes payerID's future payments to expertID. The latest link wins.
func (r *ReferralRepository) LinkExpert(ctx context.Context, payerID, expertID int64) error {
	const query = `
INSERT INTO expert_links (payer_id, expert_id) VALUES (?, ?)
ON DUPLICATE KEY UPDATE expert_id = VALUES(expert_id)`
	if _, err := r.db.ExecContext(ctx, query, payerID, expertID); err != nil {
		return fmt.Errorf("link expert: %w", err)
	}
	return nil
}

// ExpertOf returns the expert linked to payerID, or 0 when there is none.
func (r *ReferralRepository) ExpertOf(ctx context.Context, payerID int64) (int64, error) {
	const query = `SELECT expert_id FROM expert_links WHERE payer_id = ?`
	var expertID int64
	if err := r.db.QueryRowContext(ctx, query, payerID).Scan(&expertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan expert link: %w", err)
	}
	return expertID, nil
}

// RecordCashback stores the record and credits the expert's running total in
// one transaction. A second record for the same order is ignored.
func (r *ReferralRepository) RecordCashback(ctx context.Context, rec *models.CashbackRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
INSERT IGNORE INTO cashbacks (id, order_id, expert_id, payer_user_id, amount, original_amount, percent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert, rec.ID, rec.OrderID, rec.ExpertID, rec.PayerUserID, rec.Amount, rec.OriginalAmount, rec.Percent, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert cashback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cashback rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const credit = `UPDATE users SET total_cashback = total_cashback + ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, credit, rec.Amount, rec.ExpertID); err != nil {
		return false, fmt.Errorf("credit cashback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cashback: %w", err)
	}
	return true, nil
}

func (r *ReferralRepository) ListCashbacks(ctx context.Context, expertID int64, limit int) ([]models.CashbackRecord, error) {
	const query = `
SELECT id, order_id, expert_id, payer_user_id, amount, original_amount, percent, created_at
FROM cashbacks WHERE expert_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cashbacks: %w", err)
	}
	defer rows.Close()

	var out []models.CashbackRecord
	for rows.Next() {
		var c models.CashbackRecord
		if err := rows.Scan(&c.ID, &c.OrderID, &c.ExpertID, &c.PayerUserID, &c.Amount, &c.OriginalAmount, &c.Percent, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cashback: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ReferralRepository) Stats(ctx context.Context, userID int64) (*models.ReferralStats, error) {
	const query = `
SELECT
    (SELECT COUNT(*) FROM referrals WHERE referrer_id = ? AND kind = ?),
    (SELECT COUNT(*) FROM referrals WHERE referrer_id = ? AND kind = ?),
    COALESCE((SELECT total_cashback FROM users WHERE id = ?), 0)`
	stats := &models.ReferralStats{}
	var total decimal.Decimal
	row := r.db.QueryRowContext(ctx, query, userID, models.ReferralUser, userID, models.ReferralExpert, userID)
	if err := row.Scan(&stats.ReferredUsers, &stats.ExpertReferrals, &total); err != nil {
		return nil, fmt.Errorf("scan referral stats: %w", err)
	}
	stats.TotalCashback = total
	return stats, nil
}
