package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/MeeMeeBot/internal/models"
)

// GenerationRepository persists generations. Status writes are conditional on
// the expected previous status so concurrent writers cannot move a generation
// backwards.
type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

const generationColumns = `id, user_id, template_id, template_name, prompt, name, gender, status, COALESCE(video_url, ''), COALESCE(error, ''), COALESCE(operation, ''), refunded, created_at, updated_at`

func scanGeneration(row interface{ Scan(...any) error }) (*models.Generation, error) {
	var g models.Generation
	var refunded int
	if err := row.Scan(&g.ID, &g.UserID, &g.TemplateID, &g.TemplateName, &g.Prompt, &g.Name, &g.Gender, &g.Status, &g.VideoURL, &g.Error, &g.Operation, &refunded, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Refunded = refunded != 0
	return &g, nil
}

func (r *GenerationRepository) Create(ctx context.Context, gen *models.Generation) error {
	const query = `
INSERT INTO generations (id, user_id, template_id, template_name, prompt, name, gender, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, gen.ID, gen.UserID, gen.TemplateID, gen.TemplateName, gen.Prompt, gen.Name, gen.Gender, gen.Status, gen.CreatedAt, gen.UpdatedAt); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) FindByID(ctx context.Context, id string) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`
	g, err := scanGeneration(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return g, nil
}

func (r *GenerationRepository) Transition(ctx context.Context, id string, from, to models.GenerationStatus) (bool, error) {
	const query = `UPDATE generations SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	return r.execAffected(ctx, "transition generation", query, to, id, from)
}

func (r *GenerationRepository) SetOperation(ctx context.Context, id, operation string) error {
	const query = `UPDATE generations SET operation = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, operation, id, models.GenerationProcessing); err != nil {
		return fmt.Errorf("set generation operation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Complete(ctx context.Context, id, videoURL string) (bool, error) {
	const query = `UPDATE generations SET status = ?, video_url = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	return r.execAffected(ctx, "complete generation", query, models.GenerationDone, videoURL, id, models.GenerationProcessing)
}

// Fail only applies to claimed generations.
func (r *GenerationRepository) Fail(ctx context.Context, id, reason string) (bool, error) {
	const query = `UPDATE generations SET status = ?, error = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	return r.execAffected(ctx, "fail generation", query, models.GenerationFailed, reason, id, models.GenerationProcessing)
}

// RefundFailed flags a failed generation as refunded and returns one paid
// credit to its owner in the same transaction. Only the first caller gets true.
func (r *GenerationRepository) RefundFailed(ctx context.Context, id string, userID int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const flag = `UPDATE generations SET refunded = 1, updated_at = NOW() WHERE id = ? AND status = ? AND refunded = 0`
	res, err := tx.ExecContext(ctx, flag, id, models.GenerationFailed)
	if err != nil {
		return false, fmt.Errorf("mark generation refunded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refund rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const credit = `UPDATE users SET paid_quota = paid_quota + 1, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, credit, userID); err != nil {
		return false, fmt.Errorf("refund quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit refund: %w", err)
	}
	return true, nil
}

// ListUnfinished returns queued or processing generations untouched since before olderThan.
func (r *GenerationRepository) ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE status IN (?, ?) AND updated_at < ? ORDER BY created_at LIMIT ?`
	return r.list(ctx, query, models.GenerationQueued, models.GenerationProcessing, olderThan, limit)
}

func (r *GenerationRepository) ListFailedUnrefunded(ctx context.Context, limit int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE status = ? AND refunded = 0 ORDER BY created_at LIMIT ?`
	return r.list(ctx, query, models.GenerationFailed, limit)
}

func (r *GenerationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}

func (r *GenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.Generation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var gens []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, *g)
	}
	return gens, rows.Err()
}

func (r *GenerationRepository) Stats(ctx context.Context) (*models.GenerationStats, error) {
	const query = `SELECT status, COUNT(*) FROM generations GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("generation stats: %w", err)
	}
	defer rows.Close()

	stats := &models.GenerationStats{}
	for rows.Next() {
		var status models.GenerationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan generation stats: %w", err)
		}
		stats.Total += count
		switch status {
		case models.GenerationQueued:
			stats.Queued = count
		case models.GenerationProcessing:
			stats.Processing = count
		case models.GenerationDone:
			stats.Done = count
		case models.GenerationFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// TopTemplates ranks templates by completed generations.
func (r *GenerationRepository) TopTemplates(ctx context.Context, limit int) ([]models.TemplateUsage, error) {
	const query = `
SELECT template_id, MAX(template_name), COUNT(*) AS cnt
FROM generations WHERE status = ?
GROUP BY template_id ORDER BY cnt DESC, template_id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, models.GenerationDone, limit)
	if err != nil {
		return nil, fmt.Errorf("top templates: %w", err)
	}
	defer rows.Close()

	var usage []models.TemplateUsage
	for rows.Next() {
		var u models.TemplateUsage
		if err := rows.Scan(&u.TemplateID, &u.TemplateName, &u.Count); err != nil {
			return nil, fmt.Errorf("scan template usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (r *GenerationRepository) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
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
