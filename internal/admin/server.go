package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/payment"
	"github.com/digkill/MeeMeeBot/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

type OrderReports interface {
	GetPaymentStats(ctx context.Context) (*models.PaymentStats, error)
	GetAllOrders(ctx context.Context, limit int) ([]models.Order, error)
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error)
}

type GenerationReports interface {
	GetGenerationStats(ctx context.Context) (*models.GenerationStats, error)
	GetTopTemplates(ctx context.Context, limit int) ([]models.TemplateUsage, error)
	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	ListUserGenerations(ctx context.Context, userID int64, limit int) ([]models.Generation, error)
}

type UserLookup interface {
	Get(ctx context.Context, userID int64) (*models.User, error)
	Count(ctx context.Context) (int, error)
}

type ReferralReports interface {
	Stats(ctx context.Context, userID int64) (*models.ReferralStats, error)
	ListCashbacks(ctx context.Context, expertID int64, limit int) ([]models.CashbackRecord, error)
}

// PaymentConfirmer settles a paid order; duplicates return false.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID string) (bool, error)
}

type YooKassaWebhooks interface {
	ResolveWebhook(ctx context.Context, payload []byte) (*payment.YooPayment, error)
}

type CryptoWebhooks interface {
	VerifyWebhook(body []byte, signature string) (*payment.CryptoNotification, error)
}

type Config struct {
	Addr             string
	Username         string
	Password         string
	WebhookRateLimit int
}

// Deps are the services behind the HTTP surface. YooKassa, Crypto and
// Limiter are optional.
type Deps struct {
	Orders      OrderReports
	Generations GenerationReports
	Users       UserLookup
	Referrals   ReferralReports
	Payments    PaymentConfirmer
	YooKassa    YooKassaWebhooks
	Crypto      CryptoWebhooks
	Limiter     RateLimiter
}

type Server struct {
	cfg     Config
	log     *slog.Logger
	deps    Deps
	limiter *webhookLimiter
	router  *chi.Mux
}

func NewServer(cfg Config, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		log:     log,
		deps:    deps,
		limiter: newWebhookLimiter(deps.Limiter, cfg.WebhookRateLimit, log),
		router:  r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Group(func(webhooks chi.Router) {
		webhooks.Use(s.limiter.Handler)
		if deps.YooKassa != nil {
			webhooks.Post("/webhook/yookassa", s.handleYooKassaWebhook)
		}
		if deps.Crypto != nil {
			webhooks.Post("/webhook/crypto", s.handleCryptoWebhook)
		}
	})
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/stats/payments", s.handlePaymentStats)
		protected.Get("/stats/generations", s.handleGenerationStats)
		protected.Get("/stats/templates", s.handleTopTemplates)
		protected.Get("/stats/users", s.handleUserStats)
		protected.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleListOrders)
			r.Get("/{id}", s.handleGetOrder)
			r.Post("/{id}/confirm", s.handleConfirmOrder)
		})
		protected.Get("/generations/{id}", s.handleGetGeneration)
		protected.Get("/users/{id}", s.handleGetUser)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin server listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleYooKassaWebhook confirms the order of a succeeded payment. The
// payment is re-read from the YooKassa API before anything is credited.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	p, err := s.deps.YooKassa.ResolveWebhook(r.Context(), body)
	if err != nil {
		s.log.Error("yookassa webhook", "err", err)
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	if !p.Succeeded() {
		s.log.Info("yookassa payment not succeeded", "payment_id", p.ID, "status", p.Status)
		writeOK(w)
		return
	}
	s.confirm(w, r, "yookassa", p.Metadata.OrderID)
}

func (s *Server) handleCryptoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	n, err := s.deps.Crypto.VerifyWebhook(body, r.Header.Get("X-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			s.log.Warn("crypto webhook bad signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		s.log.Error("crypto webhook", "err", err)
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	if !n.Paid() {
		s.log.Info("crypto payment not paid", "order_id", n.OrderID, "status", n.Status)
		writeOK(w)
		return
	}
	s.confirm(w, r, "crypto", n.OrderID)
}

// confirm answers 200 for duplicates and unknown orders so providers stop
// retrying; only internal failures ask for a retry.
func (s *Server) confirm(w http.ResponseWriter, r *http.Request, provider, orderID string) {
	won, err := s.deps.Payments.ConfirmPayment(r.Context(), orderID)
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		s.log.Warn("webhook for unknown order", "provider", provider, "order_id", orderID)
	case err != nil:
		s.log.Error("confirm payment", "provider", provider, "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	default:
		s.log.Info("payment webhook processed", "provider", provider, "order_id", orderID, "settled", won)
	}
	writeOK(w)
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Orders.GetPaymentStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGenerationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Generations.GetGenerationStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTopTemplates(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 10)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	top, err := s.deps.Generations.GetTopTemplates(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.deps.Users.Count(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	orders, err := s.deps.Orders.GetAllOrders(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderViews(orders))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Orders.GetOrderByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if order == nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderView(*order))
}

// handleConfirmOrder settles an order by hand, e.g. after a bank transfer
// the provider never reported.
func (s *Server) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	won, err := s.deps.Payments.ConfirmPayment(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	s.log.Info("order confirmed manually", "order_id", orderID, "settled", won)
	s.writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "settled": won})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := s.deps.Generations.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if gen == nil {
		http.Error(w, "generation not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, toGenerationView(*gen))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ctx := r.Context()
	user, err := s.deps.Users.Get(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	orders, err := s.deps.Orders.ListUserOrders(ctx, id, defaultLimit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	gens, err := s.deps.Generations.ListUserGenerations(ctx, id, defaultLimit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats, err := s.deps.Referrals.Stats(ctx, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	cashbacks, err := s.deps.Referrals.ListCashbacks(ctx, id, defaultLimit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, userDetails{
		User:        toUserView(*user),
		Orders:      toOrderViews(orders),
		Generations: toGenerationViews(gens),
		Referrals:   toReferralView(*stats),
		Cashbacks:   toCashbackViews(cashbacks),
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.cfg.Password == "" || user != s.cfg.Username || pass != s.cfg.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="meemee"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", value)
	}
	return id, nil
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
