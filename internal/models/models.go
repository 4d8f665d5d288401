package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid reports whether g is one of the known genders.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Text returns the word substituted for {gender_text} in prompts.
func (g Gender) Text() string {
	if g == GenderFemale {
		return "девочка"
	}
	return "мальчик"
}

type User struct {
	ID            int64
	Username      string
	FirstName     string
	LastName      string
	FreeQuota     int
	PaidQuota     int
	TotalSpent    decimal.Decimal
	TotalCashback decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Quota is the number of generations the user can still start.
func (u User) Quota() int {
	return u.FreeQuota + u.PaidQuota
}

// Profile is the subset of Telegram user data captured on contact.
type Profile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
)

type PaymentKind string

const (
	PaymentCrypto PaymentKind = "crypto"
	PaymentFiat   PaymentKind = "fiat"
)

type Order struct {
	ID                string
	UserID            int64
	Package           PackageID
	Amount            decimal.Decimal
	Currency          string
	Method            PaymentKind
	Status            OrderStatus
	ProviderPaymentID string
	CreatedAt         time.Time
	PaidAt            *time.Time
}

func (o Order) IsPaid() bool {
	return o.Status == OrderPaid
}

type GenerationStatus string

const (
	GenerationQueued     GenerationStatus = "queued"
	GenerationProcessing GenerationStatus = "processing"
	GenerationDone       GenerationStatus = "done"
	GenerationFailed     GenerationStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationDone || s == GenerationFailed
}

type Generation struct {
	ID           string
	UserID       int64
	TemplateID   string
	TemplateName string
	Prompt       string
	Name         string
	Gender       Gender
	Status       GenerationStatus
	VideoURL     string
	Error        string
	Operation    string
	Refunded     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CashbackRecord struct {
	ID             string
	OrderID        string
	ExpertID       int64
	PayerUserID    int64
	Amount         decimal.Decimal
	OriginalAmount decimal.Decimal
	Percent        int
	CreatedAt      time.Time
}

type ReferralKind string

const (
	ReferralUser   ReferralKind = "user"
	ReferralExpert ReferralKind = "expert"
)

type ReferralStats struct {
	ReferredUsers   int
	ExpertReferrals int
	TotalCashback   decimal.Decimal
}

type PaymentStats struct {
	Total   int                        `json:"total"`
	Paid    int                        `json:"paid"`
	Unpaid  int                        `json:"unpaid"`
	Crypto  int                        `json:"crypto"`
	Fiat    int                        `json:"fiat"`
	Revenue map[string]decimal.Decimal `json:"revenue"`
}

type GenerationStats struct {
	Total       int   `json:"total"`
	Queued      int   `json:"queued"`
	Processing  int   `json:"processing"`
	Done        int   `json:"done"`
	Failed      int   `json:"failed"`
	QueueLength int64 `json:"queue_length"`
}

type TemplateUsage struct {
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
	Count        int    `json:"count"`
}
