package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/payment"
	"github.com/digkill/MeeMeeBot/internal/queue"
	"github.com/digkill/MeeMeeBot/internal/templates"
	"github.com/digkill/MeeMeeBot/internal/veo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memDB is an in-memory stand-in for the MySQL schema. Every store below
// shares it so cross-table writes stay atomic under one mutex.
type memDB struct {
	mu        sync.Mutex
	users     map[int64]*models.User
	orders    map[string]*models.Order
	gens      map[string]*models.Generation
	referrals map[string]bool
	experts   map[int64]int64
	cashbacks map[string]*models.CashbackRecord
	sessions  map[int64]*models.Session
}

func newMemDB() *memDB {
	return &memDB{
		users:     map[int64]*models.User{},
		orders:    map[string]*models.Order{},
		gens:      map[string]*models.Generation{},
		referrals: map[string]bool{},
		experts:   map[int64]int64{},
		cashbacks: map[string]*models.CashbackRecord{},
		sessions:  map[int64]*models.Session{},
	}
}

func (db *memDB) addUser(id int64, free, paid int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[id] = &models.User{ID: id, FreeQuota: free, PaidQuota: paid, TotalSpent: decimal.Zero, TotalCashback: decimal.Zero}
}

func (db *memDB) user(id int64) models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.users[id]
}

func (db *memDB) generation(id string) models.Generation {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.gens[id]
}

type memUsers struct{ db *memDB }

func (s memUsers) FindByID(_ context.Context, id int64) (*models.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) Ensure(_ context.Context, p models.Profile, free int) (*models.User, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[p.ID]
	created := !ok
	if created {
		u = &models.User{ID: p.ID, FreeQuota: free, TotalSpent: decimal.Zero, TotalCashback: decimal.Zero}
		s.db.users[p.ID] = u
	}
	u.Username, u.FirstName, u.LastName = p.Username, p.FirstName, p.LastName
	cp := *u
	return &cp, created, nil
}

func (s memUsers) Count(context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return len(s.db.users), nil
}

func (s memUsers) DeductQuota(_ context.Context, id int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok || u.Quota() <= 0 {
		return false, nil
	}
	if u.FreeQuota > 0 {
		u.FreeQuota--
	} else {
		u.PaidQuota--
	}
	return true, nil
}

func (s memUsers) AddFreeQuota(_ context.Context, id int64, n int) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return false, nil
	}
	u.FreeQuota += n
	return true, nil
}

func (s memUsers) AddPaidQuota(_ context.Context, id int64, n int) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return false, nil
	}
	u.PaidQuota += n
	return true, nil
}

type memOrders struct{ db *memDB }

func (s memOrders) Create(_ context.Context, o *models.Order) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *o
	s.db.orders[o.ID] = &cp
	return nil
}

func (s memOrders) FindByID(_ context.Context, id string) (*models.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s memOrders) SettlePaid(_ context.Context, order *models.Order, generations int) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[order.ID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	u, ok := s.db.users[o.UserID]
	if !ok {
		return false, errors.New("user missing")
	}
	now := time.Now()
	o.Status = models.OrderPaid
	o.PaidAt = &now
	u.PaidQuota += generations
	u.TotalSpent = u.TotalSpent.Add(o.Amount)
	return true, nil
}

func (s memOrders) SetProviderPaymentID(_ context.Context, id, providerID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if o, ok := s.db.orders[id]; ok {
		o.ProviderPaymentID = providerID
	}
	return nil
}

func (s memOrders) List(_ context.Context, limit int) ([]models.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]models.Order, 0, len(s.db.orders))
	for _, o := range s.db.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memOrders) ListByUser(_ context.Context, userID int64, limit int) ([]models.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Order
	for _, o := range s.db.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memOrders) Stats(_ context.Context) (*models.PaymentStats, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st := &models.PaymentStats{Revenue: map[string]decimal.Decimal{}}
	for _, o := range s.db.orders {
		st.Total++
		if o.Method == models.PaymentCrypto {
			st.Crypto++
		} else {
			st.Fiat++
		}
		if o.IsPaid() {
			st.Paid++
			st.Revenue[o.Currency] = st.Revenue[o.Currency].Add(o.Amount)
		} else {
			st.Unpaid++
		}
	}
	return st, nil
}

type memGenerations struct{ db *memDB }

func (s memGenerations) Create(_ context.Context, g *models.Generation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *g
	s.db.gens[g.ID] = &cp
	return nil
}

func (s memGenerations) FindByID(_ context.Context, id string) (*models.Generation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s memGenerations) Transition(_ context.Context, id string, from, to models.GenerationStatus) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gens[id]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	return true, nil
}

func (s memGenerations) SetOperation(_ context.Context, id, op string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if g, ok := s.db.gens[id]; ok && g.Status == models.GenerationProcessing {
		g.Operation = op
	}
	return nil
}

func (s memGenerations) Complete(_ context.Context, id, url string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gens[id]
	if !ok || g.Status != models.GenerationProcessing {
		return false, nil
	}
	g.Status = models.GenerationDone
	g.VideoURL = url
	return true, nil
}

func (s memGenerations) Fail(_ context.Context, id, reason string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gens[id]
	if !ok || g.Status != models.GenerationProcessing {
		return false, nil
	}
	g.Status = models.GenerationFailed
	g.Error = reason
	return true, nil
}

func (s memGenerations) RefundFailed(_ context.Context, id string, userID int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.gens[id]
	if !ok || g.Status != models.GenerationFailed || g.Refunded {
		return false, nil
	}
	g.Refunded = true
	if u, ok := s.db.users[userID]; ok {
		u.PaidQuota++
	}
	return true, nil
}

func (s memGenerations) ListUnfinished(_ context.Context, _ time.Time, limit int) ([]models.Generation, error) {
	return s.filter(limit, func(g *models.Generation) bool { return !g.Status.Terminal() }), nil
}

func (s memGenerations) ListFailedUnrefunded(_ context.Context, limit int) ([]models.Generation, error) {
	return s.filter(limit, func(g *models.Generation) bool {
		return g.Status == models.GenerationFailed && !g.Refunded
	}), nil
}

func (s memGenerations) ListByUser(_ context.Context, userID int64, limit int) ([]models.Generation, error) {
	return s.filter(limit, func(g *models.Generation) bool { return g.UserID == userID }), nil
}

func (s memGenerations) filter(limit int, keep func(*models.Generation) bool) []models.Generation {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Generation
	for _, g := range s.db.gens {
		if keep(g) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memGenerations) Stats(_ context.Context) (*models.GenerationStats, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st := &models.GenerationStats{}
	for _, g := range s.db.gens {
		st.Total++
		switch g.Status {
		case models.GenerationQueued:
			st.Queued++
		case models.GenerationProcessing:
			st.Processing++
		case models.GenerationDone:
			st.Done++
		case models.GenerationFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s memGenerations) TopTemplates(_ context.Context, limit int) ([]models.TemplateUsage, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	counts := map[string]*models.TemplateUsage{}
	for _, g := range s.db.gens {
		if g.Status != models.GenerationDone {
			continue
		}
		u, ok := counts[g.TemplateID]
		if !ok {
			u = &models.TemplateUsage{TemplateID: g.TemplateID, TemplateName: g.TemplateName}
			counts[g.TemplateID] = u
		}
		u.Count++
	}
	out := make([]models.TemplateUsage, 0, len(counts))
	for _, u := range counts {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memReferrals struct{ db *memDB }

func (s memReferrals) AddReferral(_ context.Context, referrerID, referredID int64, kind models.ReferralKind) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := fmt.Sprintf("%s:%d:%d", kind, referrerID, referredID)
	if s.db.referrals[key] {
		return false, nil
	}
	s.db.referrals[key] = true
	return true, nil
}

func (s memReferrals) LinkExpert(_ context.Context, payerID, expertID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.experts[payerID] = expertID
	return nil
}

func (s memReferrals) ExpertOf(_ context.Context, payerID int64) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.experts[payerID], nil
}

func (s memReferrals) RecordCashback(_ context.Context, rec *models.CashbackRecord) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.cashbacks[rec.OrderID]; ok {
		return false, nil
	}
	cp := *rec
	s.db.cashbacks[rec.OrderID] = &cp
	if u, ok := s.db.users[rec.ExpertID]; ok {
		u.TotalCashback = u.TotalCashback.Add(rec.Amount)
	}
	return true, nil
}

func (s memReferrals) ListCashbacks(_ context.Context, expertID int64, limit int) ([]models.CashbackRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.CashbackRecord
	for _, rec := range s.db.cashbacks {
		if rec.ExpertID == expertID && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s memReferrals) Stats(_ context.Context, userID int64) (*models.ReferralStats, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st := &models.ReferralStats{TotalCashback: decimal.Zero}
	if u, ok := s.db.users[userID]; ok {
		st.TotalCashback = u.TotalCashback
	}
	return st, nil
}

type memSessions struct{ db *memDB }

func (s memSessions) Get(_ context.Context, userID int64) (*models.Session, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[userID]
	if !ok {
		return &models.Session{UserID: userID, State: models.StateIdle}, nil
	}
	cp := *sess
	return &cp, nil
}

func (s memSessions) Save(_ context.Context, sess *models.Session) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *sess
	s.db.sessions[sess.UserID] = &cp
	return nil
}

func (s memSessions) Transition(_ context.Context, userID int64, from, to models.SessionState) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[userID]
	if !ok || sess.State != from {
		return false, nil
	}
	sess.State = to
	return true, nil
}

type fakeTemplates map[string]templates.Template

func (f fakeTemplates) Get(id string) (*templates.Template, error) {
	t, ok := f[id]
	if !ok {
		return nil, nil
	}
	t.ID = id
	return &t, nil
}

func sampleTemplates() fakeTemplates {
	return fakeTemplates{
		"dance":  {Name: "Танец", Prompt: "{name} dances, a {gender} ({gender_text})", Status: templates.StatusActive},
		"future": {Name: "Скоро", Prompt: "soon", Status: templates.StatusSoon},
	}
}

// fakeProvider answers Submit and PollOperation from test-supplied funcs.
type fakeProvider struct {
	mu      sync.Mutex
	submits int
	polls   int
	submit  func(prompt string) (*veo.Submission, error)
	poll    func(n int) (*veo.OperationStatus, error)
}

func (p *fakeProvider) Submit(ctx context.Context, prompt string) (*veo.Submission, error) {
	p.mu.Lock()
	p.submits++
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.submit(prompt)
}

func (p *fakeProvider) PollOperation(ctx context.Context, _ string) (*veo.OperationStatus, error) {
	p.mu.Lock()
	p.polls++
	n := p.polls
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.poll(n)
}

func (p *fakeProvider) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits, p.polls
}

func instantVideo(url string) *fakeProvider {
	return &fakeProvider{submit: func(string) (*veo.Submission, error) {
		return &veo.Submission{VideoURL: url}, nil
	}}
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ids)), nil
}

func (q *fakeQueue) pushed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fakeEvents struct {
	mu   sync.Mutex
	subs map[string][]chan queue.GenerationEvent
	sent []queue.GenerationEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: map[string][]chan queue.GenerationEvent{}}
}

func (e *fakeEvents) Publish(_ context.Context, ev queue.GenerationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, ev)
	for _, ch := range e.subs[ev.GenerationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (e *fakeEvents) Subscribe(_ context.Context, id string) (<-chan queue.GenerationEvent, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan queue.GenerationEvent, 1)
	e.subs[id] = append(e.subs[id], ch)
	return ch, func() {}, nil
}

func (e *fakeEvents) published() []queue.GenerationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queue.GenerationEvent(nil), e.sent...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	failed    map[string]bool
	payments  []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failed: map[string]bool{}}
}

func (n *fakeNotifier) DeliverVideo(_ context.Context, gen *models.Generation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, gen.ID)
	return nil
}

func (n *fakeNotifier) GenerationFailed(_ context.Context, gen *models.Generation, refunded bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[gen.ID] = refunded
	return nil
}

func (n *fakeNotifier) PaymentReceived(_ context.Context, order *models.Order, _ models.Package) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, order.ID)
	return nil
}

type fakeCrypto struct {
	mu   sync.Mutex
	reqs []payment.CryptoRequest
	paid bool
	err  error
}

func (g *fakeCrypto) CreatePayment(_ context.Context, req payment.CryptoRequest) (*payment.CryptoInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.reqs = append(g.reqs, req)
	return &payment.CryptoInvoice{ProviderPaymentID: "cp-" + req.OrderID, Address: "TAddr", Amount: req.Amount}, nil
}

func (g *fakeCrypto) IsPaid(context.Context, string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paid, nil
}

type fakeFiat struct {
	mu   sync.Mutex
	reqs []payment.FiatRequest
	paid bool
}

func (g *fakeFiat) CreatePayment(_ context.Context, req payment.FiatRequest) (*payment.FiatInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return &payment.FiatInvoice{ProviderPaymentID: "yk-" + req.OrderID, PaymentURL: "https://pay.example/" + req.OrderID, Status: "pending"}, nil
}

func (g *fakeFiat) IsPaid(context.Context, string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paid, nil
}

// harness wires every service over one memDB.
type harness struct {
	db        *memDB
	provider  *fakeProvider
	queue     *fakeQueue
	events    *fakeEvents
	notifier  *fakeNotifier
	crypto    *fakeCrypto
	fiat      *fakeFiat
	quota     *QuotaService
	orders    *OrderService
	referrals *ReferralService
	gens      *GenerationService
	flow      *FlowService
}

func newHarness(provider *fakeProvider) *harness {
	db := newMemDB()
	h := &harness{
		db:       db,
		provider: provider,
		queue:    &fakeQueue{},
		events:   newFakeEvents(),
		notifier: newFakeNotifier(),
		crypto:   &fakeCrypto{},
		fiat:     &fakeFiat{},
	}
	log := discardLogger()
	users := memUsers{db}
	h.quota = NewQuotaService(users)
	h.orders = NewOrderService(memOrders{db})
	h.referrals = NewReferralService(ReferralConfig{BotName: "MeeMeeBot", Bonus: 1, CashbackPercent: 50}, log, users, memReferrals{db})
	h.gens = NewGenerationService(GenerationConfig{PollInterval: time.Millisecond, PollAttempts: 5}, log, memGenerations{db}, sampleTemplates(), provider, h.queue, h.events)
	h.flow = NewFlowService(FlowConfig{
		FreeQuota:       1,
		ReferralEnabled: true,
		DeliveryWait:    2 * time.Second,
		DeliveryPoll:    5 * time.Millisecond,
		NameDenylist:    []string{"badword"},
	}, log, NewUserService(users), h.quota, h.orders, h.referrals, h.gens, sampleTemplates(), memSessions{db}, h.crypto, h.fiat)
	h.flow.SetNotifier(h.notifier)
	h.gens.SetOnFinished(h.flow.GenerationFinished)
	return h
}

// runWorker processes every queued id, like the worker pool does.
func (h *harness) runWorker(ctx context.Context) {
	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, id := range h.queue.pushed() {
			if seen[id] {
				continue
			}
			seen[id] = true
			_ = h.gens.Process(ctx, id)
		}
		time.Sleep(time.Millisecond)
	}
}
