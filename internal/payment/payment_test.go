package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MeeMeeBot/internal/config"
)

func TestCryptoCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5.80", body["amount"])
		assert.Equal(t, "USDT (TRC20)", body["currency"])
		assert.Equal(t, "ORD-1", body["external_order_id"])

		_, _ = w.Write([]byte(`{"id":"px-1","address":"TXyz","amount":"5.81","destination_tag":""}`))
	}))
	defer srv.Close()

	gw := NewCryptoGateway(config.Config{CryptoBaseURL: srv.URL, CryptoMerchantID: "m", CryptoAPIKey: "key"}, nil)
	inv, err := gw.CreatePayment(context.Background(), CryptoRequest{
		OrderID: "ORD-1", UserID: 7, Amount: decimal.RequireFromString("5.8"), PayCurrency: "USDT (TRC20)",
	})
	require.NoError(t, err)
	assert.Equal(t, "px-1", inv.ProviderPaymentID)
	assert.Equal(t, "TXyz", inv.Address)
	assert.True(t, inv.Amount.Equal(decimal.RequireFromString("5.81")))
}

func TestCryptoCreatePaymentRequiresCredentials(t *testing.T) {
	_, err := NewCryptoGateway(config.Config{}, nil).CreatePayment(context.Background(), CryptoRequest{OrderID: "ORD-1"})
	assert.Error(t, err)
}

func TestCryptoIsPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/px-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"payment_id":"px-1","external_order_id":"ORD-1","status":"Success"}`))
	}))
	defer srv.Close()

	gw := NewCryptoGateway(config.Config{CryptoBaseURL: srv.URL, CryptoMerchantID: "m", CryptoAPIKey: "key"}, nil)
	paid, err := gw.IsPaid(context.Background(), "px-1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestCryptoVerifyWebhook(t *testing.T) {
	gw := NewCryptoGateway(config.Config{CryptoWebhookSecret: "s3cret"}, nil)
	body := []byte(`{"payment_id":"px-1","external_order_id":"ORD-1","status":"success"}`)

	n, err := gw.VerifyWebhook(body, Sign("s3cret", body))
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", n.OrderID)
	assert.True(t, n.Paid())

	_, err = gw.VerifyWebhook(body, Sign("other", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = gw.VerifyWebhook(body, "zz")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCryptoNotificationPendingIsNotPaid(t *testing.T) {
	assert.False(t, CryptoNotification{Status: "waiting"}.Paid())
	assert.False(t, CryptoNotification{Status: "canceled"}.Paid())
}

func newTestYooKassa(t *testing.T, handler http.HandlerFunc) *YooKassa {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	y := NewYooKassa(config.Config{YooKassaShopID: "shop", YooKassaSecretKey: "secret"}, nil)
	y.baseURL = srv.URL
	return y
}

func TestYooKassaCreatePayment(t *testing.T) {
	y := newTestYooKassa(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "ORD-9", r.Header.Get("Idempotence-Key"))

		var body struct {
			Amount   map[string]string `json:"amount"`
			Metadata map[string]string `json:"metadata"`
			Receipt  struct {
				Customer map[string]string `json:"customer"`
			} `json:"receipt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "580.00", body.Amount["value"])
		assert.Equal(t, "ORD-9", body.Metadata["order_id"])
		assert.Equal(t, "a@b.co", body.Receipt.Customer["email"])

		_, _ = w.Write([]byte(`{"id":"yk-1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://pay/yk-1"}}`))
	})

	inv, err := y.CreatePayment(context.Background(), FiatRequest{
		OrderID: "ORD-9", Amount: decimal.NewFromInt(580), Currency: "RUB", Description: "d", Email: "a@b.co",
	})
	require.NoError(t, err)
	assert.Equal(t, "yk-1", inv.ProviderPaymentID)
	assert.Equal(t, "https://pay/yk-1", inv.PaymentURL)
}

func TestYooKassaResolveWebhookRefetches(t *testing.T) {
	y := newTestYooKassa(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/payments/yk-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"yk-1","status":"succeeded","paid":true,"metadata":{"order_id":"ORD-9"}}`))
	})

	// The notification claims nothing trustworthy beyond the id.
	p, err := y.ResolveWebhook(context.Background(), []byte(`{"event":"payment.succeeded","object":{"id":"yk-1","status":"canceled"}}`))
	require.NoError(t, err)
	assert.True(t, p.Succeeded())
	assert.Equal(t, "ORD-9", p.Metadata.OrderID)
}

func TestYooKassaResolveWebhookRejectsMissingID(t *testing.T) {
	y := newTestYooKassa(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := y.ResolveWebhook(context.Background(), []byte(`{"event":"payment.succeeded","object":{}}`))
	assert.Error(t, err)
}

func TestYooKassaHTTPError(t *testing.T) {
	y := newTestYooKassa(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := y.IsPaid(context.Background(), "yk-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}
