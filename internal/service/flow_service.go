package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/payment"
	"github.com/digkill/MeeMeeBot/internal/templates"
)

const (
	defaultDeliveryWait = 3 * time.Minute
	defaultDeliveryPoll = 10 * time.Second
	settleBatch         = 100
)

type FlowConfig struct {
	FreeQuota       int
	ReferralEnabled bool
	DeliveryWait    time.Duration
	DeliveryPoll    time.Duration
	NameDenylist    []string
}

type OutcomeStatus string

const (
	OutcomeDone     OutcomeStatus = "done"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeDeferred OutcomeStatus = "deferred"
)

// GenerationOutcome is what the chat learns within the delivery wait.
// Deferred generations keep running and are delivered by GenerationFinished.
type GenerationOutcome struct {
	Status     OutcomeStatus
	Generation *models.Generation
}

type StartResult struct {
	User     *models.User
	Created  bool
	Referral models.ReferralKind
}

type CryptoCheckout struct {
	Order   *models.Order
	Method  CryptoMethod
	Invoice *payment.CryptoInvoice
}

type FiatCheckout struct {
	Order   *models.Order
	Method  FiatMethod
	Invoice *payment.FiatInvoice
}

// FlowService is the per-user conversation: template choice, personalisation,
// generation and purchase.
type FlowService struct {
	cfg       FlowConfig
	log       *slog.Logger
	users     *UserService
	quota     *QuotaService
	orders    *OrderService
	referrals *ReferralService
	gens      *GenerationService
	templates TemplateSource
	sessions  SessionStore
	crypto    CryptoGateway
	fiat      FiatGateway
	notifier  Notifier
	validate  *validator.Validate
}

// NewFlowService wires the flow. crypto and fiat may be nil when the rail is not configured.
func NewFlowService(cfg FlowConfig, log *slog.Logger, users *UserService, quota *QuotaService, orders *OrderService, referrals *ReferralService, gens *GenerationService, tpl TemplateSource, sessions SessionStore, crypto CryptoGateway, fiat FiatGateway) *FlowService {
	if cfg.DeliveryWait <= 0 {
		cfg.DeliveryWait = defaultDeliveryWait
	}
	if cfg.DeliveryPoll <= 0 {
		cfg.DeliveryPoll = defaultDeliveryPoll
	}
	return &FlowService{
		cfg:       cfg,
		log:       log,
		users:     users,
		quota:     quota,
		orders:    orders,
		referrals: referrals,
		gens:      gens,
		templates: tpl,
		sessions:  sessions,
		crypto:    crypto,
		fiat:      fiat,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *FlowService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start registers the user on first contact and applies a referral payload
// only for users created by this call.
func (s *FlowService) Start(ctx context.Context, profile models.Profile, payload string) (*StartResult, error) {
	user, created, err := s.users.Ensure(ctx, profile, s.cfg.FreeQuota)
	if err != nil {
		return nil, err
	}
	res := &StartResult{User: user, Created: created}

	if created && s.cfg.ReferralEnabled {
		if kind, referrerID, ok := ParseStartPayload(payload); ok {
			var applied bool
			switch kind {
			case models.ReferralUser:
				applied, err = s.referrals.ProcessUserReferral(ctx, referrerID, user.ID)
			case models.ReferralExpert:
				applied, err = s.referrals.ProcessExpertReferral(ctx, referrerID, user.ID)
			}
			if err != nil {
				s.log.Error("process referral", "user_id", user.ID, "referrer_id", referrerID, "kind", kind, "err", err)
			}
			if applied {
				res.Referral = kind
				if fresh, err := s.users.Get(ctx, user.ID); err == nil {
					res.User = fresh
				}
			}
		}
	}

	if err := s.Reset(ctx, user.ID); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *FlowService) Session(ctx context.Context, userID int64) (*models.Session, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *FlowService) Reset(ctx context.Context, userID int64) error {
	sess := &models.Session{UserID: userID}
	sess.Reset()
	return s.save(ctx, sess)
}

func (s *FlowService) Balance(ctx context.Context, userID int64) (free, paid int, err error) {
	return s.quota.Balance(ctx, userID)
}

// SelectTemplate starts personalisation of a template the user can afford.
func (s *FlowService) SelectTemplate(ctx context.Context, userID int64, templateID string) (*templates.Template, error) {
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State == models.StateGenerating {
		return nil, ErrUnexpectedInput
	}
	tpl, err := s.templates.Get(templateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tpl == nil {
		return nil, ErrTemplateNotFound
	}
	if !tpl.Available() {
		return nil, ErrTemplateUnavailable
	}
	has, err := s.quota.HasQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrInsufficientQuota
	}

	sess.Reset()
	sess.State = models.StateAwaitingName
	sess.TemplateID = tpl.ID
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (s *FlowService) SubmitName(ctx context.Context, userID int64, name string) error {
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != models.StateAwaitingName {
		return ErrUnexpectedInput
	}
	name, err = s.validateName(name)
	if err != nil {
		return err
	}
	sess.Name = name
	sess.State = models.StateAwaitingGender
	return s.save(ctx, sess)
}

func (s *FlowService) validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := s.validate.Var(name, "min=2,max=30"); err != nil {
		return "", &ValidationError{Field: "name", Reason: "must be 2 to 30 characters"}
	}
	lower := strings.ToLower(name)
	for _, word := range s.cfg.NameDenylist {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return "", &ValidationError{Field: "name", Reason: "contains a forbidden word"}
		}
	}
	return name, nil
}

func (s *FlowService) SelectGender(ctx context.Context, userID int64, gender models.Gender) (*models.Session, error) {
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != models.StateAwaitingGender {
		return nil, ErrUnexpectedInput
	}
	if !gender.Valid() {
		return nil, &ValidationError{Field: "gender", Reason: "must be male or female"}
	}
	sess.Gender = gender
	sess.State = models.StateAwaitingConfirmation
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ConfirmGeneration spends one credit, queues the generation and waits a
// bounded time for its result.
func (s *FlowService) ConfirmGeneration(ctx context.Context, userID int64) (*GenerationOutcome, error) {
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != models.StateAwaitingConfirmation {
		return nil, ErrUnexpectedInput
	}
	// Only one concurrent confirmation wins the session.
	claimed, err := s.sessions.Transition(ctx, userID, models.StateAwaitingConfirmation, models.StateGenerating)
	if err != nil {
		return nil, fmt.Errorf("claim session: %w", err)
	}
	if !claimed {
		return nil, ErrUnexpectedInput
	}

	deducted, err := s.quota.DeductQuota(ctx, userID)
	if err != nil {
		s.releaseConfirmation(ctx, userID)
		return nil, err
	}
	if !deducted {
		s.releaseConfirmation(ctx, userID)
		return nil, ErrInsufficientQuota
	}

	gen, err := s.gens.CreateGeneration(ctx, CreateGenerationInput{
		UserID:     userID,
		TemplateID: sess.TemplateID,
		Name:       sess.Name,
		Gender:     sess.Gender,
	})
	if err != nil {
		if rerr := s.quota.RefundQuota(context.WithoutCancel(ctx), userID); rerr != nil {
			s.log.Error("refund after failed create", "user_id", userID, "err", rerr)
		}
		s.releaseConfirmation(ctx, userID)
		return nil, err
	}

	outcome := s.awaitGeneration(ctx, gen)

	if current, err := s.sessions.Get(ctx, userID); err == nil && current.State == models.StateGenerating {
		if err := s.Reset(ctx, userID); err != nil {
			s.log.Warn("reset session", "user_id", userID, "err", err)
		}
	}
	return outcome, nil
}

// releaseConfirmation lets the user confirm again after a generation did not start.
func (s *FlowService) releaseConfirmation(ctx context.Context, userID int64) {
	if _, err := s.sessions.Transition(context.WithoutCancel(ctx), userID, models.StateGenerating, models.StateAwaitingConfirmation); err != nil {
		s.log.Warn("release session", "user_id", userID, "err", err)
	}
}

func (s *FlowService) awaitGeneration(ctx context.Context, gen *models.Generation) *GenerationOutcome {
	events, cancel, err := s.gens.Subscribe(ctx, gen.ID)
	if err != nil {
		s.log.Warn("subscribe generation events", "generation_id", gen.ID, "err", err)
		events = nil
	} else {
		defer cancel()
	}

	deadline := time.NewTimer(s.cfg.DeliveryWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.DeliveryPoll)
	defer ticker.Stop()

	latest := gen
	for {
		current, err := s.gens.GetGeneration(ctx, gen.ID)
		if err != nil {
			s.log.Warn("reload generation", "generation_id", gen.ID, "err", err)
		} else if current != nil {
			latest = current
			switch current.Status {
			case models.GenerationDone:
				return &GenerationOutcome{Status: OutcomeDone, Generation: current}
			case models.GenerationFailed:
				return &GenerationOutcome{Status: OutcomeFailed, Generation: current}
			}
		}

		select {
		case <-ctx.Done():
			return &GenerationOutcome{Status: OutcomeDeferred, Generation: latest}
		case <-deadline.C:
			return &GenerationOutcome{Status: OutcomeDeferred, Generation: latest}
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

// GenerationFinished runs once per terminal transition: it delivers the
// video, or refunds the credit and tells the user about the failure.
func (s *FlowService) GenerationFinished(ctx context.Context, gen *models.Generation) {
	switch gen.Status {
	case models.GenerationDone:
		if s.notifier == nil {
			return
		}
		if err := s.notifier.DeliverVideo(ctx, gen); err != nil {
			s.log.Error("deliver video", "generation_id", gen.ID, "user_id", gen.UserID, "err", err)
		}
	case models.GenerationFailed:
		refunded, err := s.gens.RefundFailed(ctx, gen)
		if err != nil {
			s.log.Error("refund failed generation", "generation_id", gen.ID, "err", err)
		}
		if s.notifier == nil {
			return
		}
		if err := s.notifier.GenerationFailed(ctx, gen, refunded); err != nil {
			s.log.Error("notify generation failure", "generation_id", gen.ID, "err", err)
		}
	}
}

// SettleFailedGenerations refunds failed generations whose refund never happened.
func (s *FlowService) SettleFailedGenerations(ctx context.Context) (int, error) {
	gens, err := s.gens.FailedUnrefunded(ctx, settleBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range gens {
		gen := &gens[i]
		refunded, err := s.gens.RefundFailed(ctx, gen)
		if err != nil {
			return settled, err
		}
		if !refunded {
			continue
		}
		settled++
		if s.notifier != nil {
			if err := s.notifier.GenerationFailed(ctx, gen, true); err != nil {
				s.log.Warn("notify settled refund", "generation_id", gen.ID, "err", err)
			}
		}
	}
	return settled, nil
}

// ChoosePackage starts a purchase of a catalog package.
func (s *FlowService) ChoosePackage(ctx context.Context, userID int64, id models.PackageID) (models.Package, error) {
	pkg, ok := models.LookupPackage(id)
	if !ok {
		return models.Package{}, ErrUnknownPackage
	}
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return models.Package{}, err
	}
	if sess.State == models.StateGenerating {
		return models.Package{}, ErrUnexpectedInput
	}
	sess.Reset()
	sess.State = models.StateChoosingPaymentMethod
	sess.Package = pkg.ID
	if err := s.save(ctx, sess); err != nil {
		return models.Package{}, err
	}
	return pkg, nil
}

func (s *FlowService) purchaseSession(ctx context.Context, userID int64, states ...models.SessionState) (*models.Session, models.Package, error) {
	sess, err := s.Session(ctx, userID)
	if err != nil {
		return nil, models.Package{}, err
	}
	allowed := false
	for _, st := range states {
		if sess.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, models.Package{}, ErrUnexpectedInput
	}
	pkg, ok := models.LookupPackage(sess.Package)
	if !ok {
		return nil, models.Package{}, ErrUnknownPackage
	}
	return sess, pkg, nil
}

// StartCryptoPayment creates a USDT-priced order and a deposit invoice on the chosen chain.
func (s *FlowService) StartCryptoPayment(ctx context.Context, userID int64, currency string, chainIndex int) (*CryptoCheckout, error) {
	if s.crypto == nil {
		return nil, &PaymentProviderError{Provider: "crypto", Err: ErrPaymentUnavailable}
	}
	sess, pkg, err := s.purchaseSession(ctx, userID, models.StateChoosingPaymentMethod, models.StateAwaitingPaymentConfirmation)
	if err != nil {
		return nil, err
	}
	method, err := NewCryptoMethod(currency, chainIndex)
	if err != nil {
		return nil, err
	}

	amount, cur := pkg.Price(models.PaymentCrypto)
	order, err := s.orders.CreateOrder(ctx, CreateOrderInput{
		UserID:   userID,
		Package:  pkg.ID,
		Amount:   amount,
		Currency: cur,
		Method:   method.Kind(),
	})
	if err != nil {
		return nil, err
	}

	invoice, err := s.crypto.CreatePayment(ctx, payment.CryptoRequest{
		OrderID:     order.ID,
		UserID:      userID,
		Amount:      amount,
		PayCurrency: method.Chain.PayCurrency,
	})
	if err != nil {
		s.log.Error("create crypto payment", "order_id", order.ID, "err", err)
		return nil, &PaymentProviderError{Provider: "crypto", Err: err}
	}
	if err := s.orders.AttachProviderPayment(ctx, order.ID, invoice.ProviderPaymentID); err != nil {
		return nil, err
	}
	order.ProviderPaymentID = invoice.ProviderPaymentID

	sess.State = models.StateAwaitingPaymentConfirmation
	sess.OrderID = order.ID
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("crypto payment started", "order_id", order.ID, "user_id", userID, "pay_currency", method.Chain.PayCurrency)
	return &CryptoCheckout{Order: order, Method: method, Invoice: invoice}, nil
}

// RequestFiatPayment asks the user for the receipt email.
func (s *FlowService) RequestFiatPayment(ctx context.Context, userID int64) error {
	if s.fiat == nil {
		return &PaymentProviderError{Provider: "yookassa", Err: ErrPaymentUnavailable}
	}
	sess, _, err := s.purchaseSession(ctx, userID, models.StateChoosingPaymentMethod, models.StateAwaitingPaymentConfirmation)
	if err != nil {
		return err
	}
	sess.State = models.StateAwaitingPaymentDetails
	return s.save(ctx, sess)
}

// SubmitEmail creates a RUB order and a card payment with a receipt to email.
func (s *FlowService) SubmitEmail(ctx context.Context, userID int64, email string) (*FiatCheckout, error) {
	if s.fiat == nil {
		return nil, &PaymentProviderError{Provider: "yookassa", Err: ErrPaymentUnavailable}
	}
	sess, pkg, err := s.purchaseSession(ctx, userID, models.StateAwaitingPaymentDetails)
	if err != nil {
		return nil, err
	}
	method, err := NewFiatMethod(s.validate, email)
	if err != nil {
		return nil, err
	}

	amount, cur := pkg.Price(models.PaymentFiat)
	order, err := s.orders.CreateOrder(ctx, CreateOrderInput{
		UserID:   userID,
		Package:  pkg.ID,
		Amount:   amount,
		Currency: cur,
		Method:   method.Kind(),
	})
	if err != nil {
		return nil, err
	}

	invoice, err := s.fiat.CreatePayment(ctx, payment.FiatRequest{
		OrderID:     order.ID,
		Amount:      amount,
		Currency:    cur,
		Description: payment.Description(pkg.Title, pkg.Generations),
		Email:       method.Email,
	})
	if err != nil {
		s.log.Error("create fiat payment", "order_id", order.ID, "err", err)
		return nil, &PaymentProviderError{Provider: "yookassa", Err: err}
	}
	if err := s.orders.AttachProviderPayment(ctx, order.ID, invoice.ProviderPaymentID); err != nil {
		return nil, err
	}
	order.ProviderPaymentID = invoice.ProviderPaymentID

	sess.State = models.StateAwaitingPaymentConfirmation
	sess.Email = method.Email
	sess.OrderID = order.ID
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("fiat payment started", "order_id", order.ID, "user_id", userID)
	return &FiatCheckout{Order: order, Method: method, Invoice: invoice}, nil
}

// CheckPayment asks the provider about an order of this user and settles it
// when paid. It reports whether the order is paid.
func (s *FlowService) CheckPayment(ctx context.Context, userID int64, orderID string) (bool, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order == nil || order.UserID != userID {
		return false, ErrOrderNotFound
	}
	if order.IsPaid() {
		return true, nil
	}
	if order.ProviderPaymentID == "" {
		return false, nil
	}

	var paid bool
	switch order.Method {
	case models.PaymentCrypto:
		if s.crypto == nil {
			return false, &PaymentProviderError{Provider: "crypto", Err: ErrPaymentUnavailable}
		}
		paid, err = s.crypto.IsPaid(ctx, order.ProviderPaymentID)
		if err != nil {
			return false, &PaymentProviderError{Provider: "crypto", Err: err}
		}
	case models.PaymentFiat:
		if s.fiat == nil {
			return false, &PaymentProviderError{Provider: "yookassa", Err: ErrPaymentUnavailable}
		}
		paid, err = s.fiat.IsPaid(ctx, order.ProviderPaymentID)
		if err != nil {
			return false, &PaymentProviderError{Provider: "yookassa", Err: err}
		}
	}
	if !paid {
		return false, nil
	}
	if _, err := s.ConfirmPayment(ctx, order.ID); err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmPayment settles a paid order exactly once. Duplicate notifications
// return false without side effects.
func (s *FlowService) ConfirmPayment(ctx context.Context, orderID string) (bool, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, ErrOrderNotFound
	}
	if order.IsPaid() {
		s.log.Info("order already paid", "order_id", orderID)
		return false, nil
	}

	won, err := s.orders.MarkAsPaid(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	pkg, _ := models.LookupPackage(order.Package)
	s.log.Info("order paid", "order_id", order.ID, "user_id", order.UserID, "generations", pkg.Generations)

	if _, err := s.referrals.ProcessExpertCashback(ctx, order.ID, order.UserID, order.Amount); err != nil {
		s.log.Error("expert cashback", "order_id", order.ID, "err", err)
	}

	if s.notifier != nil {
		if err := s.notifier.PaymentReceived(ctx, order, pkg); err != nil {
			s.log.Warn("notify payment", "order_id", order.ID, "err", err)
		}
	}

	if sess, err := s.sessions.Get(ctx, order.UserID); err == nil && sess.OrderID == order.ID {
		if err := s.Reset(ctx, order.UserID); err != nil {
			s.log.Warn("reset session", "user_id", order.UserID, "err", err)
		}
	}
	return true, nil
}

func (s *FlowService) save(ctx context.Context, sess *models.Session) error {
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
