package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/veo"
)

func (n *fakeNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *fakeNotifier) failure(id string) (refunded, notified bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	refunded, notified = n.failed[id]
	return refunded, notified
}

func startWorker(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.runWorker(ctx)
}

func personalise(t *testing.T, h *harness, userID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.flow.SelectTemplate(ctx, userID, "dance")
	require.NoError(t, err)
	require.NoError(t, h.flow.SubmitName(ctx, userID, "Маша"))
	_, err = h.flow.SelectGender(ctx, userID, models.GenderFemale)
	require.NoError(t, err)
}

func TestFlowFreeGenerationDelivered(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/meme.mp4"))
	startWorker(t, h)
	ctx := context.Background()

	res, err := h.flow.Start(ctx, models.Profile{ID: 100, Username: "masha"}, "")
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, 1, res.User.FreeQuota)

	personalise(t, h, 100)
	outcome, err := h.flow.ConfirmGeneration(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, "https://cdn/meme.mp4", outcome.Generation.VideoURL)

	require.Eventually(t, func() bool { return h.notifier.deliveredCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.db.user(100).Quota())

	sess, err := h.flow.Session(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, sess.State)
}

func TestFlowPurchaseThenGenerate(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/meme.mp4"))
	startWorker(t, h)
	ctx := context.Background()
	h.db.addUser(200, 0, 0)

	_, err := h.flow.Start(ctx, models.Profile{ID: 200}, "")
	require.NoError(t, err)
	_, err = h.flow.SelectTemplate(ctx, 200, "dance")
	require.ErrorIs(t, err, ErrInsufficientQuota)

	pkg, err := h.flow.ChoosePackage(ctx, 200, models.Package10)
	require.NoError(t, err)
	checkout, err := h.flow.StartCryptoPayment(ctx, 200, "usdt", 1)
	require.NoError(t, err)
	assert.True(t, checkout.Order.Amount.Equal(pkg.PriceUSDT))
	assert.Equal(t, models.CurrencyUSDT, checkout.Order.Currency)
	assert.Equal(t, "USDT (TRC20)", h.crypto.reqs[0].PayCurrency)

	sess, err := h.flow.Session(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingPaymentConfirmation, sess.State)
	assert.Equal(t, checkout.Order.ID, sess.OrderID)

	won, err := h.flow.ConfirmPayment(ctx, checkout.Order.ID)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = h.flow.ConfirmPayment(ctx, checkout.Order.ID)
	require.NoError(t, err)
	assert.False(t, won, "duplicate webhook")

	user := h.db.user(200)
	assert.Equal(t, 10, user.PaidQuota)
	assert.True(t, user.TotalSpent.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, []string{checkout.Order.ID}, h.notifier.payments)

	sess, err = h.flow.Session(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, sess.State)

	personalise(t, h, 200)
	outcome, err := h.flow.ConfirmGeneration(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, 9, h.db.user(200).PaidQuota)
}

func TestFlowFailedGenerationRefundsOnce(t *testing.T) {
	h := newHarness(operationProvider(func(int) (*veo.OperationStatus, error) {
		return &veo.OperationStatus{Done: true, Error: "provider overloaded"}, nil
	}))
	startWorker(t, h)
	ctx := context.Background()

	_, err := h.flow.Start(ctx, models.Profile{ID: 300}, "")
	require.NoError(t, err)
	personalise(t, h, 300)

	outcome, err := h.flow.ConfirmGeneration(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)

	require.Eventually(t, func() bool {
		_, notified := h.notifier.failure(outcome.Generation.ID)
		return notified
	}, time.Second, 5*time.Millisecond)
	refunded, _ := h.notifier.failure(outcome.Generation.ID)
	assert.True(t, refunded)

	user := h.db.user(300)
	assert.Equal(t, 0, user.FreeQuota)
	assert.Equal(t, 1, user.PaidQuota)

	gen := h.db.generation(outcome.Generation.ID)
	h.flow.GenerationFinished(ctx, &gen)
	assert.Equal(t, 1, h.db.user(300).PaidQuota, "second refund is a no-op")
}

func TestConfirmGenerationDefersSlowGenerations(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/late.mp4"))
	h.flow.cfg.DeliveryWait = 20 * time.Millisecond
	ctx := context.Background()

	_, err := h.flow.Start(ctx, models.Profile{ID: 400}, "")
	require.NoError(t, err)
	personalise(t, h, 400)

	outcome, err := h.flow.ConfirmGeneration(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome.Status)
	assert.Equal(t, models.GenerationQueued, h.db.generation(outcome.Generation.ID).Status)

	require.NoError(t, h.gens.Process(ctx, outcome.Generation.ID))
	assert.Equal(t, 1, h.notifier.deliveredCount(), "deferred generations are still delivered")
}

func TestConfirmGenerationRefundsWhenCreateFails(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(500, 1, 0)
	require.NoError(t, memSessions{h.db}.Save(ctx, &models.Session{
		UserID:     500,
		State:      models.StateAwaitingConfirmation,
		TemplateID: "deleted",
		Name:       "Маша",
		Gender:     models.GenderFemale,
	}))

	_, err := h.flow.ConfirmGeneration(ctx, 500)
	require.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Equal(t, 1, h.db.user(500).Quota())
}

func TestConfirmGenerationWithoutQuota(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(501, 0, 0)
	require.NoError(t, memSessions{h.db}.Save(ctx, &models.Session{
		UserID:     501,
		State:      models.StateAwaitingConfirmation,
		TemplateID: "dance",
		Name:       "Маша",
		Gender:     models.GenderFemale,
	}))

	_, err := h.flow.ConfirmGeneration(ctx, 501)
	require.ErrorIs(t, err, ErrInsufficientQuota)
	assert.Empty(t, h.queue.pushed())
}

// pausingSessions holds the first two readers until both have loaded the
// session, so both confirmations see awaiting_confirmation.
type pausingSessions struct {
	memSessions
	reads   atomic.Int32
	arrived sync.WaitGroup
}

func (s *pausingSessions) Get(ctx context.Context, userID int64) (*models.Session, error) {
	sess, err := s.memSessions.Get(ctx, userID)
	if s.reads.Add(1) <= 2 {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return sess, err
}

func TestConfirmGenerationTappedTwiceSpendsOnce(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	startWorker(t, h)
	ctx := context.Background()
	h.db.addUser(502, 0, 5)
	sessions := &pausingSessions{memSessions: memSessions{h.db}}
	sessions.arrived.Add(2)
	require.NoError(t, sessions.Save(ctx, &models.Session{
		UserID:     502,
		State:      models.StateAwaitingConfirmation,
		TemplateID: "dance",
		Name:       "Маша",
		Gender:     models.GenderFemale,
	}))
	h.flow.sessions = sessions

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.flow.ConfirmGeneration(ctx, 502)
		}(i)
	}
	wg.Wait()

	var rejected int
	for _, err := range errs {
		if errors.Is(err, ErrUnexpectedInput) {
			rejected++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 4, h.db.user(502).PaidQuota)
	assert.Len(t, h.queue.pushed(), 1)
}

func TestConfirmGenerationWithoutQuotaKeepsConfirmation(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(503, 0, 0)
	require.NoError(t, memSessions{h.db}.Save(ctx, &models.Session{
		UserID:     503,
		State:      models.StateAwaitingConfirmation,
		TemplateID: "dance",
		Name:       "Маша",
		Gender:     models.GenderFemale,
	}))

	_, err := h.flow.ConfirmGeneration(ctx, 503)
	require.ErrorIs(t, err, ErrInsufficientQuota)

	sess, err := h.flow.Session(ctx, 503)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingConfirmation, sess.State)
}

func TestSubmitNameValidation(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(600, 1, 0)

	assert.ErrorIs(t, h.flow.SubmitName(ctx, 600, "Маша"), ErrUnexpectedInput)

	_, err := h.flow.SelectTemplate(ctx, 600, "dance")
	require.NoError(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, h.flow.SubmitName(ctx, 600, "Я"), &verr)
	assert.ErrorAs(t, h.flow.SubmitName(ctx, 600, "MyBadWordName"), &verr)
	assert.ErrorAs(t, h.flow.SubmitName(ctx, 600, strings.Repeat("я", 31)), &verr)
	require.NoError(t, h.flow.SubmitName(ctx, 600, "  "+strings.Repeat("я", 30)+" "))

	sess, err := h.flow.Session(ctx, 600)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingGender, sess.State)
	assert.Equal(t, strings.Repeat("я", 30), sess.Name)

	_, err = h.flow.SelectGender(ctx, 600, "robot")
	assert.ErrorAs(t, err, &verr)
}

func TestSelectTemplateErrors(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(601, 1, 0)

	_, err := h.flow.SelectTemplate(ctx, 601, "missing")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	_, err = h.flow.SelectTemplate(ctx, 601, "future")
	assert.ErrorIs(t, err, ErrTemplateUnavailable)
}

func TestStartAppliesReferralsOnlyToNewUsers(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(1, 0, 0)

	res, err := h.flow.Start(ctx, models.Profile{ID: 2}, "ref_1")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralUser, res.Referral)
	assert.Equal(t, 2, res.User.FreeQuota)
	assert.Equal(t, 1, h.db.user(1).FreeQuota)

	res, err = h.flow.Start(ctx, models.Profile{ID: 2}, "ref_1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Empty(t, res.Referral)
	assert.Equal(t, 1, h.db.user(1).FreeQuota)

	h.db.addUser(5, 0, 0)
	res, err = h.flow.Start(ctx, models.Profile{ID: 2}, "ref_5")
	require.NoError(t, err)
	assert.Empty(t, res.Referral, "a later referrer never credits an existing user")
	assert.Equal(t, 0, h.db.user(5).FreeQuota)

	res, err = h.flow.Start(ctx, models.Profile{ID: 3}, "ref_3")
	require.NoError(t, err)
	assert.Empty(t, res.Referral)
	assert.Equal(t, 1, h.db.user(3).FreeQuota)

	res, err = h.flow.Start(ctx, models.Profile{ID: 4}, "expert_1")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralExpert, res.Referral)
	assert.Equal(t, 1, h.db.user(4).FreeQuota)
	expert, err := memReferrals{h.db}.ExpertOf(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expert)
}

func TestConcurrentConfirmPaymentSettlesOnce(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(10, 0, 0)
	h.db.addUser(11, 0, 0)
	require.NoError(t, memReferrals{h.db}.LinkExpert(ctx, 11, 10))

	order, err := h.orders.CreateOrder(ctx, CreateOrderInput{
		UserID:   11,
		Package:  models.PackageSingle,
		Amount:   decimal.NewFromInt(580),
		Currency: models.CurrencyRUB,
		Method:   models.PaymentFiat,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.flow.ConfirmPayment(ctx, order.ID)
			if err == nil && won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.Equal(t, 1, h.db.user(11).PaidQuota)
	assert.True(t, h.db.user(10).TotalCashback.Equal(decimal.NewFromInt(290)))
	assert.Len(t, h.notifier.payments, 1)

	_, err = h.flow.ConfirmPayment(ctx, "ORD-unknown")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFiatCheckoutAndCheckPayment(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(700, 0, 0)
	h.db.addUser(701, 0, 0)

	_, err := h.flow.ChoosePackage(ctx, 700, models.PackageSingle)
	require.NoError(t, err)
	_, err = h.flow.SubmitEmail(ctx, 700, "user@example.com")
	require.ErrorIs(t, err, ErrUnexpectedInput)
	require.NoError(t, h.flow.RequestFiatPayment(ctx, 700))

	_, err = h.flow.SubmitEmail(ctx, 700, "not-an-email")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	checkout, err := h.flow.SubmitEmail(ctx, 700, " user@example.com ")
	require.NoError(t, err)
	assert.True(t, checkout.Order.Amount.Equal(decimal.NewFromInt(580)))
	assert.Equal(t, models.CurrencyRUB, checkout.Order.Currency)
	assert.Equal(t, "user@example.com", h.fiat.reqs[0].Email)
	assert.Equal(t, "yk-"+checkout.Order.ID, checkout.Order.ProviderPaymentID)

	paid, err := h.flow.CheckPayment(ctx, 700, checkout.Order.ID)
	require.NoError(t, err)
	assert.False(t, paid)

	_, err = h.flow.CheckPayment(ctx, 701, checkout.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	h.fiat.paid = true
	paid, err = h.flow.CheckPayment(ctx, 700, checkout.Order.ID)
	require.NoError(t, err)
	assert.True(t, paid)
	assert.Equal(t, 1, h.db.user(700).PaidQuota)

	paid, err = h.flow.CheckPayment(ctx, 700, checkout.Order.ID)
	require.NoError(t, err)
	assert.True(t, paid)
	assert.Equal(t, 1, h.db.user(700).PaidQuota)
}

func TestStartCryptoPaymentErrors(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(800, 0, 0)

	_, err := h.flow.StartCryptoPayment(ctx, 800, "USDT", 0)
	assert.ErrorIs(t, err, ErrUnexpectedInput)

	_, err = h.flow.ChoosePackage(ctx, 800, models.PackageSingle)
	require.NoError(t, err)

	var verr *ValidationError
	_, err = h.flow.StartCryptoPayment(ctx, 800, "DOGE", 0)
	assert.ErrorAs(t, err, &verr)
	_, err = h.flow.StartCryptoPayment(ctx, 800, "TON", 3)
	assert.ErrorAs(t, err, &verr)

	h.crypto.err = errors.New("gateway 502")
	_, err = h.flow.StartCryptoPayment(ctx, 800, "TON", 0)
	var perr *PaymentProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "crypto", perr.Provider)

	_, err = h.flow.ChoosePackage(ctx, 800, "pack_7")
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func TestPaymentUnavailableWithoutGateway(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	h.flow.crypto = nil
	h.flow.fiat = nil
	ctx := context.Background()

	_, err := h.flow.StartCryptoPayment(ctx, 1, "USDT", 0)
	assert.ErrorIs(t, err, ErrPaymentUnavailable)
	assert.ErrorIs(t, h.flow.RequestFiatPayment(ctx, 1), ErrPaymentUnavailable)
}

func TestSettleFailedGenerations(t *testing.T) {
	h := newHarness(instantVideo("https://cdn/v.mp4"))
	ctx := context.Background()
	h.db.addUser(900, 0, 0)
	require.NoError(t, memGenerations{h.db}.Create(ctx, &models.Generation{
		ID:     "GEN-lost",
		UserID: 900,
		Status: models.GenerationFailed,
		Error:  "crashed before refund",
	}))

	n, err := h.flow.SettleFailedGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.db.user(900).PaidQuota)

	n, err = h.flow.SettleFailedGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.db.user(900).PaidQuota)
}
