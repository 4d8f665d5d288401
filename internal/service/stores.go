package service

import (
	"context"
	"time"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/payment"
	"github.com/digkill/MeeMeeBot/internal/queue"
	"github.com/digkill/MeeMeeBot/internal/templates"
	"github.com/digkill/MeeMeeBot/internal/veo"
)

// Storage contracts, satisfied by the MySQL repositories.

type UserStore interface {
	FindByID(ctx context.Context, userID int64) (*models.User, error)
	Ensure(ctx context.Context, profile models.Profile, freeQuota int) (*models.User, bool, error)
	DeductQuota(ctx context.Context, userID int64) (bool, error)
	AddFreeQuota(ctx context.Context, userID int64, n int) (bool, error)
	AddPaidQuota(ctx context.Context, userID int64, n int) (bool, error)
	Count(ctx context.Context) (int, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, orderID string) (*models.Order, error)
	SettlePaid(ctx context.Context, order *models.Order, generations int) (bool, error)
	SetProviderPaymentID(ctx context.Context, orderID, providerPaymentID string) error
	List(ctx context.Context, limit int) ([]models.Order, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
}

type GenerationStore interface {
	Create(ctx context.Context, gen *models.Generation) error
	FindByID(ctx context.Context, id string) (*models.Generation, error)
	Transition(ctx context.Context, id string, from, to models.GenerationStatus) (bool, error)
	SetOperation(ctx context.Context, id, operation string) error
	Complete(ctx context.Context, id, videoURL string) (bool, error)
	Fail(ctx context.Context, id, reason string) (bool, error)
	RefundFailed(ctx context.Context, id string, userID int64) (bool, error)
	ListUnfinished(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error)
	ListFailedUnrefunded(ctx context.Context, limit int) ([]models.Generation, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Generation, error)
	Stats(ctx context.Context) (*models.GenerationStats, error)
	TopTemplates(ctx context.Context, limit int) ([]models.TemplateUsage, error)
}

type ReferralStore interface {
	AddReferral(ctx context.Context, referrerID, referredID int64, kind models.ReferralKind) (bool, error)
	LinkExpert(ctx context.Context, payerID, expertID int64) error
	ExpertOf(ctx context.Context, payerID int64) (int64, error)
	RecordCashback(ctx context.Context, rec *models.CashbackRecord) (bool, error)
	ListCashbacks(ctx context.Context, expertID int64, limit int) ([]models.CashbackRecord, error)
	Stats(ctx context.Context, userID int64) (*models.ReferralStats, error)
}

type SessionStore interface {
	Get(ctx context.Context, userID int64) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	// Transition moves the session from one state to another and reports
	// false when it was not in the from state.
	Transition(ctx context.Context, userID int64, from, to models.SessionState) (bool, error)
}

// Collaborators at the edges of the engine and the flow.

type TemplateSource interface {
	Get(id string) (*templates.Template, error)
}

type VideoProvider interface {
	Submit(ctx context.Context, prompt string) (*veo.Submission, error)
	PollOperation(ctx context.Context, operation string) (*veo.OperationStatus, error)
}

type WorkQueue interface {
	Push(ctx context.Context, generationID string) error
	Len(ctx context.Context) (int64, error)
}

type EventBus interface {
	Publish(ctx context.Context, ev queue.GenerationEvent) error
	Subscribe(ctx context.Context, generationID string) (<-chan queue.GenerationEvent, func(), error)
}

type VideoArchiver interface {
	Archive(ctx context.Context, generationID, sourceURL string) (string, error)
}

// Notifier pushes results to the user outside of the request that started them.
type Notifier interface {
	DeliverVideo(ctx context.Context, gen *models.Generation) error
	GenerationFailed(ctx context.Context, gen *models.Generation, refunded bool) error
	PaymentReceived(ctx context.Context, order *models.Order, pkg models.Package) error
}

type CryptoGateway interface {
	CreatePayment(ctx context.Context, req payment.CryptoRequest) (*payment.CryptoInvoice, error)
	IsPaid(ctx context.Context, providerPaymentID string) (bool, error)
}

type FiatGateway interface {
	CreatePayment(ctx context.Context, req payment.FiatRequest) (*payment.FiatInvoice, error)
	IsPaid(ctx context.Context, providerPaymentID string) (bool, error)
}
