package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/MeeMeeBot/internal/config"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// CryptoGateway creates deposit addresses on a processing-style crypto gateway.
type CryptoGateway struct {
	baseURL    string
	merchantID string
	apiKey     string
	secret     string
	returnURL  string
	client     *http.Client
	log        *slog.Logger
}

type CryptoRequest struct {
	OrderID     string
	UserID      int64
	Amount      decimal.Decimal
	PayCurrency string
}

// CryptoInvoice tells the payer where and how much to send.
type CryptoInvoice struct {
	ProviderPaymentID string
	Address           string
	Amount            decimal.Decimal
	DestinationTag    string
	PaymentURL        string
}

// CryptoNotification is a verified webhook from the gateway.
type CryptoNotification struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"external_order_id"`
	Status    string `json:"status"`
}

// Paid reports whether the gateway considers the deposit complete.
func (n CryptoNotification) Paid() bool {
	switch strings.ToLower(n.Status) {
	case "success", "paid", "completed", "insufficient_overpaid":
		return true
	}
	return false
}

func NewCryptoGateway(cfg config.Config, log *slog.Logger) *CryptoGateway {
	return &CryptoGateway{
		baseURL:    strings.TrimRight(cfg.CryptoBaseURL, "/"),
		merchantID: cfg.CryptoMerchantID,
		apiKey:     cfg.CryptoAPIKey,
		secret:     cfg.CryptoWebhookSecret,
		returnURL:  cfg.CryptoReturnURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

func (g *CryptoGateway) CreatePayment(ctx context.Context, req CryptoRequest) (*CryptoInvoice, error) {
	if g.merchantID == "" || g.apiKey == "" {
		return nil, fmt.Errorf("crypto gateway credentials are not configured")
	}

	payload := map[string]any{
		"merchant_id":       g.merchantID,
		"client_id":         fmt.Sprintf("%d", req.UserID),
		"amount":            req.Amount.StringFixed(2),
		"currency":          req.PayCurrency,
		"external_order_id": req.OrderID,
		"return_url":        g.returnURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal crypto payment: %w", err)
	}

	raw, err := g.do(ctx, http.MethodPost, "/api/v1/payments", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID             string          `json:"id"`
		Address        string          `json:"address"`
		Amount         decimal.Decimal `json:"amount"`
		DestinationTag string          `json:"destination_tag"`
		PaymentURL     string          `json:"payment_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode crypto payment: %w", err)
	}
	if resp.ID == "" || resp.Address == "" {
		return nil, fmt.Errorf("invalid crypto gateway response (missing id or address)")
	}

	if g.log != nil {
		g.log.Info("crypto payment created", "order_id", req.OrderID, "payment_id", resp.ID, "currency", req.PayCurrency)
	}
	return &CryptoInvoice{
		ProviderPaymentID: resp.ID,
		Address:           resp.Address,
		Amount:            resp.Amount,
		DestinationTag:    resp.DestinationTag,
		PaymentURL:        resp.PaymentURL,
	}, nil
}

// IsPaid asks the gateway for the current state of a deposit.
func (g *CryptoGateway) IsPaid(ctx context.Context, providerPaymentID string) (bool, error) {
	raw, err := g.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(providerPaymentID), nil)
	if err != nil {
		return false, err
	}
	var n CryptoNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return false, fmt.Errorf("decode crypto status: %w", err)
	}
	return n.Paid(), nil
}

// VerifyWebhook checks the hex HMAC-SHA256 signature of body and decodes it.
func (g *CryptoGateway) VerifyWebhook(body []byte, signature string) (*CryptoNotification, error) {
	if g.secret == "" {
		return nil, fmt.Errorf("crypto webhook secret is not configured")
	}
	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), given) {
		return nil, ErrInvalidSignature
	}

	var n CryptoNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("parse crypto webhook: %w", err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("crypto webhook missing order id")
	}
	return &n, nil
}

// Sign produces the signature VerifyWebhook expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *CryptoGateway) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build crypto request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crypto request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read crypto response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if g.log != nil {
			g.log.Error("crypto gateway request failed", "status", resp.StatusCode, "path", path, "body", truncateBody(raw))
		}
		return nil, fmt.Errorf("crypto gateway error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	return raw, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
