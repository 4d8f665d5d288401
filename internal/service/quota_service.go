package service

import (
	"context"
	"fmt"
)

// QuotaService owns the free/paid generation credits of each user.
type QuotaService struct {
	users UserStore
}

func NewQuotaService(users UserStore) *QuotaService {
	return &QuotaService{users: users}
}

func (s *QuotaService) HasQuota(ctx context.Context, userID int64) (bool, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	return user.Quota() > 0, nil
}

// DeductQuota spends one credit, free first. False means nothing was spent.
func (s *QuotaService) DeductQuota(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.users.DeductQuota(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("deduct quota: %w", err)
	}
	return ok, nil
}

// RefundQuota returns one credit. Refunds always land in the paid bucket.
func (s *QuotaService) RefundQuota(ctx context.Context, userID int64) error {
	return s.AddPaidQuota(ctx, userID, 1)
}

func (s *QuotaService) AddFreeQuota(ctx context.Context, userID int64, n int) error {
	if n <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	ok, err := s.users.AddFreeQuota(ctx, userID, n)
	if err != nil {
		return fmt.Errorf("add free quota: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

func (s *QuotaService) AddPaidQuota(ctx context.Context, userID int64, n int) error {
	if n <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	ok, err := s.users.AddPaidQuota(ctx, userID, n)
	if err != nil {
		return fmt.Errorf("add paid quota: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

func (s *QuotaService) Balance(ctx context.Context, userID int64) (free, paid int, err error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return 0, 0, ErrUserNotFound
	}
	return user.FreeQuota, user.PaidQuota, nil
}
