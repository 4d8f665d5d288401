package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
)

const defaultListLimit = 50

type OrderService struct {
	orders OrderStore
	now    func() time.Time
}

func NewOrderService(orders OrderStore) *OrderService {
	return &OrderService{orders: orders, now: time.Now}
}

type CreateOrderInput struct {
	UserID   int64
	Package  models.PackageID
	Amount   decimal.Decimal
	Currency string
	Method   models.PaymentKind
}

func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if _, ok := models.LookupPackage(in.Package); !ok {
		return nil, ErrUnknownPackage
	}
	if !in.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.Method != models.PaymentCrypto && in.Method != models.PaymentFiat {
		return nil, &ValidationError{Field: "method", Reason: "unsupported payment method"}
	}

	order := &models.Order{
		ID:        "ORD-" + uuid.NewString(),
		UserID:    in.UserID,
		Package:   in.Package,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Method:    in.Method,
		Status:    models.OrderPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// MarkAsPaid settles a pending order: it becomes paid and the buyer is
// credited the package generations. Only the call that performed the
// transition returns true; repeats are no-ops.
func (s *OrderService) MarkAsPaid(ctx context.Context, orderID string) (bool, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return false, ErrOrderNotFound
	}
	if order.IsPaid() {
		return false, nil
	}
	pkg, ok := models.LookupPackage(order.Package)
	if !ok {
		return false, ErrUnknownPackage
	}
	won, err := s.orders.SettlePaid(ctx, order, pkg.Generations)
	if err != nil {
		return false, fmt.Errorf("settle order %s: %w", order.ID, err)
	}
	return won, nil
}

// GetOrderByID returns nil when the order does not exist.
func (s *OrderService) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *OrderService) AttachProviderPayment(ctx context.Context, orderID, providerPaymentID string) error {
	if err := s.orders.SetProviderPaymentID(ctx, orderID, providerPaymentID); err != nil {
		return fmt.Errorf("attach provider payment: %w", err)
	}
	return nil
}

func (s *OrderService) GetPaymentStats(ctx context.Context) (*models.PaymentStats, error) {
	stats, err := s.orders.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment stats: %w", err)
	}
	return stats, nil
}

func (s *OrderService) GetAllOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	orders, err := s.orders.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user orders: %w", err)
	}
	return orders, nil
}
