package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
)

const (
	userPayloadPrefix   = "ref_"
	expertPayloadPrefix = "expert_"
)

type ReferralConfig struct {
	BotName         string
	Bonus           int
	CashbackPercent int
}

// ReferralService keeps the referral graph and the expert cashback ledger.
type ReferralService struct {
	cfg       ReferralConfig
	log       *slog.Logger
	users     UserStore
	referrals ReferralStore
	now       func() time.Time
}

func NewReferralService(cfg ReferralConfig, log *slog.Logger, users UserStore, referrals ReferralStore) *ReferralService {
	return &ReferralService{cfg: cfg, log: log, users: users, referrals: referrals, now: time.Now}
}

// ProcessUserReferral rewards both sides of a friend invite once.
func (s *ReferralService) ProcessUserReferral(ctx context.Context, referrerID, newUserID int64) (bool, error) {
	if referrerID == newUserID {
		return false, nil
	}
	referrer, err := s.users.FindByID(ctx, referrerID)
	if err != nil {
		return false, fmt.Errorf("load referrer: %w", err)
	}
	if referrer == nil {
		return false, nil
	}

	inserted, err := s.referrals.AddReferral(ctx, referrerID, newUserID, models.ReferralUser)
	if err != nil {
		return false, fmt.Errorf("record referral: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if s.cfg.Bonus > 0 {
		for _, id := range []int64{referrerID, newUserID} {
			if _, err := s.users.AddFreeQuota(ctx, id, s.cfg.Bonus); err != nil {
				return true, fmt.Errorf("credit referral bonus to %d: %w", id, err)
			}
		}
	}
	s.log.Info("user referral applied", "referrer_id", referrerID, "user_id", newUserID, "bonus", s.cfg.Bonus)
	return true, nil
}

// ProcessExpertReferral attributes the new user's future payments to the expert.
func (s *ReferralService) ProcessExpertReferral(ctx context.Context, expertID, newUserID int64) (bool, error) {
	if expertID == newUserID {
		return false, nil
	}
	expert, err := s.users.FindByID(ctx, expertID)
	if err != nil {
		return false, fmt.Errorf("load expert: %w", err)
	}
	if expert == nil {
		return false, nil
	}

	inserted, err := s.referrals.AddReferral(ctx, expertID, newUserID, models.ReferralExpert)
	if err != nil {
		return false, fmt.Errorf("record expert referral: %w", err)
	}
	if err := s.referrals.LinkExpert(ctx, newUserID, expertID); err != nil {
		return false, fmt.Errorf("link expert: %w", err)
	}
	s.log.Info("expert referral applied", "expert_id", expertID, "user_id", newUserID, "new", inserted)
	return inserted, nil
}

// ProcessExpertCashback credits the payer's expert a share of a paid order.
// It returns nil when the payer has no expert or the order was already rewarded.
func (s *ReferralService) ProcessExpertCashback(ctx context.Context, orderID string, payerUserID int64, amount decimal.Decimal) (*models.CashbackRecord, error) {
	expertID, err := s.referrals.ExpertOf(ctx, payerUserID)
	if err != nil {
		return nil, fmt.Errorf("lookup expert: %w", err)
	}
	if expertID == 0 || s.cfg.CashbackPercent <= 0 {
		return nil, nil
	}

	rec := &models.CashbackRecord{
		ID:             "CB-" + uuid.NewString(),
		OrderID:        orderID,
		ExpertID:       expertID,
		PayerUserID:    payerUserID,
		Amount:         CashbackAmount(amount, s.cfg.CashbackPercent),
		OriginalAmount: amount,
		Percent:        s.cfg.CashbackPercent,
		CreatedAt:      s.now().UTC(),
	}
	recorded, err := s.referrals.RecordCashback(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record cashback: %w", err)
	}
	if !recorded {
		return nil, nil
	}
	s.log.Info("expert cashback recorded", "expert_id", expertID, "order_id", orderID, "amount", rec.Amount.String())
	return rec, nil
}

// CashbackAmount is amount * percent / 100 rounded to the storage precision.
func CashbackAmount(amount decimal.Decimal, percent int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100)).Round(6)
}

func (s *ReferralService) Stats(ctx context.Context, userID int64) (*models.ReferralStats, error) {
	stats, err := s.referrals.Stats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	return stats, nil
}

// ListCashbacks returns the newest cashback records credited to an expert.
func (s *ReferralService) ListCashbacks(ctx context.Context, expertID int64, limit int) ([]models.CashbackRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	records, err := s.referrals.ListCashbacks(ctx, expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cashbacks: %w", err)
	}
	return records, nil
}

func (s *ReferralService) UserLink(userID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", s.cfg.BotName, userPayloadPrefix, userID)
}

func (s *ReferralService) ExpertLink(userID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", s.cfg.BotName, expertPayloadPrefix, userID)
}

// ParseStartPayload decodes a /start payload such as "ref_42" or "expert_7".
func ParseStartPayload(payload string) (models.ReferralKind, int64, bool) {
	payload = strings.TrimSpace(payload)
	var kind models.ReferralKind
	var raw string
	switch {
	case strings.HasPrefix(payload, userPayloadPrefix):
		kind, raw = models.ReferralUser, strings.TrimPrefix(payload, userPayloadPrefix)
	case strings.HasPrefix(payload, expertPayloadPrefix):
		kind, raw = models.ReferralExpert, strings.TrimPrefix(payload, expertPayloadPrefix)
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return kind, id, true
}
