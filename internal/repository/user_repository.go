package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), free_quota, paid_quota, total_spent, total_cashback, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.FreeQuota, &u.PaidQuota, &u.TotalSpent, &u.TotalCashback, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// Ensure returns the user, creating it with freeQuota on first contact.
// The bool reports whether this call created the row.
func (r *UserRepository) Ensure(ctx context.Context, profile models.Profile, freeQuota int) (*models.User, bool, error) {
	const insert = `
INSERT IGNORE INTO users (id, username, first_name, last_name, free_quota)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`
	res, err := r.db.ExecContext(ctx, insert, profile.ID, profile.Username, profile.FirstName, profile.LastName, freeQuota)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("user rows affected: %w", err)
	}
	created := affected > 0
	if !created {
		if err := r.UpdateProfile(ctx, profile); err != nil {
			return nil, false, err
		}
	}

	user, err := r.FindByID(ctx, profile.ID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, fmt.Errorf("user %d vanished after insert", profile.ID)
	}
	return user, created, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, profile models.Profile) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, profile.Username, profile.FirstName, profile.LastName, profile.ID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// DeductQuota takes one credit, free before paid, in a single statement.
// paid_quota is assigned first because MySQL evaluates SET left to right.
func (r *UserRepository) DeductQuota(ctx context.Context, userID int64) (bool, error) {
	const query = `
UPDATE users SET
    paid_quota = IF(free_quota > 0, paid_quota, paid_quota - 1),
    free_quota = IF(free_quota > 0, free_quota - 1, free_quota),
    updated_at = NOW()
WHERE id = ? AND free_quota + paid_quota > 0`
	return r.execAffected(ctx, "deduct quota", query, userID)
}

func (r *UserRepository) AddFreeQuota(ctx context.Context, userID int64, n int) (bool, error) {
	const query = `UPDATE users SET free_quota = free_quota + ?, updated_at = NOW() WHERE id = ?`
	return r.execAffected(ctx, "add free quota", query, n, userID)
}

func (r *UserRepository) AddPaidQuota(ctx context.Context, userID int64, n int) (bool, error) {
	const query = `UPDATE users SET paid_quota = paid_quota + ?, updated_at = NOW() WHERE id = ?`
	return r.execAffected(ctx, "add paid quota", query, n, userID)
}

func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (r *UserRepository) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return affected > 0, nil
}
