package payment

import (
	"bytes"
	"context"
	"encoding/json"
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

const yooKassaBaseURL = "https://api.yookassa.ru/v3"

// YooKassa is the fiat rail. Receipts are emailed by YooKassa itself.
type YooKassa struct {
	shopID    string
	secretKey string
	returnURL string
	baseURL   string
	client    *http.Client
	log       *slog.Logger
}

type FiatRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Email       string
}

type FiatInvoice struct {
	ProviderPaymentID string
	PaymentURL        string
	Status            string
}

// YooPayment is the subset of the YooKassa payment object we rely on.
type YooPayment struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Paid     bool   `json:"paid"`
	Metadata struct {
		OrderID string `json:"order_id"`
	} `json:"metadata"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (p YooPayment) Succeeded() bool {
	return p.Status == "succeeded"
}

func NewYooKassa(cfg config.Config, log *slog.Logger) *YooKassa {
	returnURL := cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}
	return &YooKassa{
		shopID:    cfg.YooKassaShopID,
		secretKey: cfg.YooKassaSecretKey,
		returnURL: returnURL,
		baseURL:   yooKassaBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

func (y *YooKassa) CreatePayment(ctx context.Context, req FiatRequest) (*FiatInvoice, error) {
	if y.shopID == "" || y.secretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	value := req.Amount.StringFixed(2)
	payload := map[string]any{
		"amount": map[string]string{
			"value":    value,
			"currency": req.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": y.returnURL,
		},
		"description": req.Description,
		"metadata": map[string]string{
			"order_id": req.OrderID,
		},
		"receipt": map[string]any{
			"customer": map[string]string{"email": req.Email},
			"items": []map[string]any{{
				"description":     req.Description,
				"quantity":        "1.00",
				"amount":          map[string]string{"value": value, "currency": req.Currency},
				"vat_code":        1,
				"payment_mode":    "full_payment",
				"payment_subject": "service",
			}},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal yookassa payment: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, y.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// One order never produces two YooKassa payments.
	httpReq.Header.Set("Idempotence-Key", req.OrderID)
	httpReq.SetBasicAuth(y.shopID, y.secretKey)

	var parsed YooPayment
	if err := y.send(httpReq, &parsed); err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}

	if y.log != nil {
		y.log.Info("yookassa payment created", "order_id", req.OrderID, "payment_id", parsed.ID)
	}
	return &FiatInvoice{
		ProviderPaymentID: parsed.ID,
		PaymentURL:        parsed.Confirmation.URL,
		Status:            parsed.Status,
	}, nil
}

func (y *YooKassa) GetPayment(ctx context.Context, paymentID string) (*YooPayment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, y.baseURL+"/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	httpReq.SetBasicAuth(y.shopID, y.secretKey)

	var parsed YooPayment
	if err := y.send(httpReq, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// IsPaid reports whether the YooKassa payment succeeded.
func (y *YooKassa) IsPaid(ctx context.Context, paymentID string) (bool, error) {
	p, err := y.GetPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	return p.Succeeded(), nil
}

// ResolveWebhook authenticates a notification by re-reading the payment from
// the API; the notification body itself is never trusted.
func (y *YooKassa) ResolveWebhook(ctx context.Context, payload []byte) (*YooPayment, error) {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return nil, fmt.Errorf("webhook missing payment id")
	}

	p, err := y.GetPayment(ctx, evt.Object.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", evt.Object.ID, err)
	}
	if p.Metadata.OrderID == "" {
		return nil, fmt.Errorf("payment %s has no order id", p.ID)
	}
	return p, nil
}

func (y *YooKassa) send(req *http.Request, out any) error {
	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if y.log != nil {
			y.log.Error("yookassa request failed", "status", resp.StatusCode, "path", req.URL.Path, "body", truncateBody(raw))
		}
		return fmt.Errorf("yookassa error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode yookassa response: %w", err)
	}
	return nil
}

// Description renders the payment purpose shown in the receipt.
func Description(title string, generations int) string {
	return strings.TrimSpace(fmt.Sprintf("MeeMee: %s (%d)", title, generations))
}
