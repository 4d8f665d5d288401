package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get returns the stored session or a fresh idle one.
func (r *SessionRepository) Get(ctx context.Context, userID int64) (*models.Session, error) {
	const query = `
SELECT user_id, state, template_id, name, gender, package_id, email, order_id, updated_at
FROM user_sessions WHERE user_id = ?`
	var s models.Session
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&s.UserID, &s.State, &s.TemplateID, &s.Name, &s.Gender, &s.Package, &s.Email, &s.OrderID, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Session{UserID: userID, State: models.StateIdle}, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) Transition(ctx context.Context, userID int64, from, to models.SessionState) (bool, error) {
	const query = `UPDATE user_sessions SET state = ?, updated_at = NOW() WHERE user_id = ? AND state = ?`
	res, err := r.db.ExecContext(ctx, query, to, userID, from)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition session rows: %w", err)
	}
	return affected == 1, nil
}

func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	const query = `
INSERT INTO user_sessions (user_id, state, template_id, name, gender, package_id, email, order_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), template_id = VALUES(template_id), name = VALUES(name),
    gender = VALUES(gender), package_id = VALUES(package_id), email = VALUES(email), order_id = VALUES(order_id),
    updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, s.UserID, s.State, s.TemplateID, s.Name, s.Gender, s.Package, s.Email, s.OrderID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
