package admin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
)

type orderView struct {
	ID                string          `json:"id"`
	UserID            int64           `json:"user_id"`
	Package           string          `json:"package"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
}

type generationView struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	TemplateID   string    `json:"template_id"`
	TemplateName string    `json:"template_name"`
	Name         string    `json:"name"`
	Gender       string    `json:"gender"`
	Status       string    `json:"status"`
	VideoURL     string    `json:"video_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	Refunded     bool      `json:"refunded"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type userView struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username,omitempty"`
	FirstName     string          `json:"first_name,omitempty"`
	FreeQuota     int             `json:"free_quota"`
	PaidQuota     int             `json:"paid_quota"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalCashback decimal.Decimal `json:"total_cashback"`
	CreatedAt     time.Time       `json:"created_at"`
}

type referralView struct {
	ReferredUsers   int             `json:"referred_users"`
	ExpertReferrals int             `json:"expert_referrals"`
	TotalCashback   decimal.Decimal `json:"total_cashback"`
}

type cashbackView struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	PayerUserID    int64           `json:"payer_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Percent        int             `json:"percent"`
	CreatedAt      time.Time       `json:"created_at"`
}

type userDetails struct {
	User        userView         `json:"user"`
	Orders      []orderView      `json:"orders"`
	Generations []generationView `json:"generations"`
	Referrals   referralView     `json:"referrals"`
	Cashbacks   []cashbackView   `json:"cashbacks"`
}

func toOrderView(o models.Order) orderView {
	return orderView{
		ID:                o.ID,
		UserID:            o.UserID,
		Package:           string(o.Package),
		Amount:            o.Amount,
		Currency:          o.Currency,
		Method:            string(o.Method),
		Status:            string(o.Status),
		ProviderPaymentID: o.ProviderPaymentID,
		CreatedAt:         o.CreatedAt,
		PaidAt:            o.PaidAt,
	}
}

func toOrderViews(orders []models.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderView(o))
	}
	return out
}

func toGenerationView(g models.Generation) generationView {
	return generationView{
		ID:           g.ID,
		UserID:       g.UserID,
		TemplateID:   g.TemplateID,
		TemplateName: g.TemplateName,
		Name:         g.Name,
		Gender:       string(g.Gender),
		Status:       string(g.Status),
		VideoURL:     g.VideoURL,
		Error:        g.Error,
		Refunded:     g.Refunded,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.UpdatedAt,
	}
}

func toGenerationViews(gens []models.Generation) []generationView {
	out := make([]generationView, 0, len(gens))
	for _, g := range gens {
		out = append(out, toGenerationView(g))
	}
	return out
}

func toUserView(u models.User) userView {
	return userView{
		ID:            u.ID,
		Username:      u.Username,
		FirstName:     u.FirstName,
		FreeQuota:     u.FreeQuota,
		PaidQuota:     u.PaidQuota,
		TotalSpent:    u.TotalSpent,
		TotalCashback: u.TotalCashback,
		CreatedAt:     u.CreatedAt,
	}
}

func toReferralView(st models.ReferralStats) referralView {
	return referralView{
		ReferredUsers:   st.ReferredUsers,
		ExpertReferrals: st.ExpertReferrals,
		TotalCashback:   st.TotalCashback,
	}
}

func toCashbackViews(records []models.CashbackRecord) []cashbackView {
	out := make([]cashbackView, 0, len(records))
	for _, c := range records {
		out = append(out, cashbackView{
			ID:             c.ID,
			OrderID:        c.OrderID,
			PayerUserID:    c.PayerUserID,
			Amount:         c.Amount,
			OriginalAmount: c.OriginalAmount,
			Percent:        c.Percent,
			CreatedAt:      c.CreatedAt,
		})
	}
	return out
}
