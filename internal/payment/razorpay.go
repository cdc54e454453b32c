package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRazorpayBaseURL = "https://api.razorpay.com"

// RazorpayConfig configures the Razorpay adapter.
type RazorpayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
	Logger        *zap.Logger
	HTTPClient    *http.Client
}

// Razorpay implements Gateway against the Razorpay Orders and Refunds REST API.
type Razorpay struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	http          *http.Client
	logger        *zap.Logger
}

// NewRazorpay constructs the Razorpay adapter.
func NewRazorpay(cfg RazorpayConfig) (*Razorpay, error) {
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.KeySecret) == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultRazorpayBaseURL
	}
	webhookSecret := cfg.WebhookSecret
	if webhookSecret == "" {
		webhookSecret = cfg.KeySecret
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Razorpay{
		baseURL:       baseURL,
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: webhookSecret,
		http:          httpClient,
		logger:        logger.Named("payment.razorpay"),
	}, nil
}

// Name implements Gateway.
func (r *Razorpay) Name() string { return "razorpay" }

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type razorpayRefundRequest struct {
	Amount  int64             `json:"amount"`
	Receipt string            `json:"receipt,omitempty"`
	Notes   map[string]string `json:"notes,omitempty"`
}

type razorpayRefund struct {
	ID      string `json:"id"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
	Receipt string `json:"receipt"`
}

type razorpayRefundList struct {
	Count int              `json:"count"`
	Items []razorpayRefund `json:"items"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreatePaymentIntent implements Gateway by creating a Razorpay order.
func (r *Razorpay) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if !req.Amount.IsPositive() {
		return Intent{}, ErrInvalidAmount
	}
	body := razorpayOrderRequest{
		Amount:   toMinor(req.Amount),
		Currency: strings.ToUpper(req.Currency),
		Receipt:  req.OrderID,
		Notes:    map[string]string{"order_id": req.OrderID},
	}
	var out razorpayOrder
	if err := r.do(ctx, http.MethodPost, "/v1/orders", body, &out); err != nil {
		return Intent{}, fmt.Errorf("razorpay: create order: %w", err)
	}

	r.logger.Info("payment intent created",
		zap.String("order_id", req.OrderID),
		zap.String("gateway_order_id", out.ID),
	)

	return Intent{
		Gateway:        r.Name(),
		GatewayOrderID: out.ID,
		Amount:         fromMinor(out.Amount),
		Currency:       out.Currency,
	}, nil
}

// VerifyCallbackSignature implements Gateway: HMAC-SHA256(order_id|payment_id) with the key secret.
func (r *Razorpay) VerifyCallbackSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return verifyHMAC(r.keySecret, []byte(gatewayOrderID+"|"+gatewayPaymentID), signature)
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Currency         string `json:"currency"`
				Status           string `json:"status"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseWebhook implements Gateway for the X-Razorpay-Signature scheme.
func (r *Razorpay) ParseWebhook(body []byte, signature string) (WebhookEvent, error) {
	if !verifyHMAC(r.webhookSecret, body, signature) {
		return WebhookEvent{}, ErrSignatureMismatch
	}
	var payload razorpayWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("razorpay: decode webhook: %w", err)
	}
	entity := payload.Payload.Payment.Entity
	event := WebhookEvent{
		GatewayOrderID:   entity.OrderID,
		GatewayPaymentID: entity.ID,
		Amount:           fromMinor(entity.Amount),
		Reason:           entity.ErrorDescription,
	}
	switch payload.Event {
	case "payment.captured", "order.paid":
		event.Type = WebhookPaymentCaptured
	case "payment.failed":
		event.Type = WebhookPaymentFailed
	default:
		event.Type = WebhookIgnored
	}
	return event, nil
}

// IssueRefund implements Gateway. Razorpay has no idempotency header, so the
// key travels as the refund receipt and existing refunds on the payment are
// checked for it before a new one is created.
func (r *Razorpay) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	amount, err := refundAmount(req)
	if err != nil {
		return Refund{}, err
	}
	key := req.idempotencyKey()

	var existing razorpayRefundList
	if err := r.do(ctx, http.MethodGet, "/v1/payments/"+req.GatewayPaymentID+"/refunds", nil, &existing); err != nil {
		return Refund{}, fmt.Errorf("razorpay: list refunds: %w", err)
	}
	for _, prior := range existing.Items {
		if prior.Receipt == key {
			r.logger.Info("refund already issued",
				zap.String("order_id", req.OrderID),
				zap.String("refund_id", prior.ID),
			)
			return Refund{RefundID: prior.ID, Status: prior.Status, Amount: fromMinor(prior.Amount)}, nil
		}
	}

	body := razorpayRefundRequest{
		Amount:  toMinor(amount),
		Receipt: key,
		Notes:   map[string]string{"order_id": req.OrderID},
	}
	var out razorpayRefund
	path := "/v1/payments/" + req.GatewayPaymentID + "/refund"
	if err := r.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return Refund{}, fmt.Errorf("razorpay: refund payment: %w", err)
	}

	r.logger.Info("refund issued",
		zap.String("order_id", req.OrderID),
		zap.String("refund_id", out.ID),
		zap.String("status", out.Status),
	)

	return Refund{
		RefundID: out.ID,
		Status:   out.Status,
		Amount:   fromMinor(out.Amount),
	}, nil
}

func (r *Razorpay) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr razorpayError
		_ = json.Unmarshal(data, &apiErr)
		desc := apiErr.Error.Description
		if strings.Contains(strings.ToLower(desc), "refund amount") || strings.Contains(strings.ToLower(desc), "fully refunded") {
			return fmt.Errorf("%w: %s", ErrRefundExceedsCapture, desc)
		}
		return fmt.Errorf("status %d: %s %s", resp.StatusCode, apiErr.Error.Code, desc)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
