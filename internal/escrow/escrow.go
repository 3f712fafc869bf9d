// Package escrow talks to the payment provider and guards payment state.
package escrow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gigline/internal/apperr"
)

// Config holds provider credentials. KeySecret doubles as the HMAC secret for
// checkout signatures.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Currency  string
	Timeout   time.Duration
}

type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Client is a Razorpay-style orders client. Amounts cross the wire in the
// currency's subunit.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("escrow"),
	}
}

// Configured reports whether orders can be created.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.BaseURL) != "" && c.cfg.KeyID != "" && c.cfg.KeySecret != ""
}

type wireOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type wireErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if !c.Configured() {
		return Order{}, apperr.Unavailable("payment provider not configured", nil)
	}
	if req.Amount <= 0 {
		return Order{}, apperr.Validation("order amount must be positive")
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	body, err := json.Marshal(wireOrderRequest{
		Amount:   req.Amount * 100,
		Currency: currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return Order{}, err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/orders"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Order{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)

	start := time.Now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("create order failed", zap.String("receipt", req.Receipt), zap.Error(err))
		return Order{}, apperr.Unavailable("payment provider unreachable", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	c.logger.Debug("create order", zap.Int("status", res.StatusCode), zap.Duration("took", time.Since(start)))

	switch {
	case res.StatusCode >= 500:
		return Order{}, apperr.Unavailable("payment provider unavailable", fmt.Errorf("status %d", res.StatusCode))
	case res.StatusCode >= 400:
		var wireErr wireErrorBody
		_ = json.Unmarshal(data, &wireErr)
		msg := wireErr.Error.Description
		if msg == "" {
			msg = fmt.Sprintf("provider rejected order with status %d", res.StatusCode)
		}
		return Order{}, apperr.Wrap(apperr.KindValidation, "order_rejected", msg, nil)
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return Order{}, apperr.Unavailable("payment provider returned malformed order", err)
	}
	if order.ID == "" {
		return Order{}, apperr.Unavailable("payment provider returned no order id", nil)
	}
	order.Amount = order.Amount / 100
	return order, nil
}

// VerifyPayment checks a checkout signature against the configured secret.
func (c *Client) VerifyPayment(orderID, paymentID, signature string) error {
	if c.cfg.KeySecret == "" {
		return apperr.Unavailable("payment provider not configured", nil)
	}
	return VerifySignature(orderID, paymentID, signature, c.cfg.KeySecret)
}

// Sign returns hex(HMAC_SHA256(secret, orderID|paymentID)).
func Sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the checkout signature and compares it in
// constant time.
func VerifySignature(orderID, paymentID, signature, secret string) error {
	if orderID == "" || paymentID == "" || signature == "" {
		return apperr.InvalidSignature("order id, payment id and signature are required")
	}
	if secret == "" {
		return apperr.InvalidSignature("signature secret not configured")
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return apperr.InvalidSignature("signature is not hex encoded")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperr.InvalidSignature("payment signature mismatch")
	}
	return nil
}
