package epay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	serviceName         = "epay"
	instrumentationName = "esimpay/epay"

	// A cached service token is refreshed this long before it expires.
	serviceTokenBuffer = 120 * time.Second

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// Config holds Halyk ePay API configuration
type Config struct {
	OAuthURL          string
	APIURL            string
	ClientID          string
	ClientSecret      string
	TerminalID        string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client is the Halyk ePay API client. One instance per process; it owns the
// service-token cache.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zerolog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram
	now        func() time.Time

	// mu guards the cached token only and is never held across a request.
	mu                 sync.Mutex
	serviceToken       string
	serviceTokenExpiry time.Time
}

// NewClient creates a new ePay client
func NewClient(cfg Config, logger *zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if b := int(cfg.RequestsPerSecond); b > burst {
			burst = b
		}
	}

	latency, _ := otel.Meter(instrumentationName).Float64Histogram(
		"gateway.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of payment gateway calls"),
	)

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     logger,
		tracer:  otel.Tracer(instrumentationName),
		latency: latency,
		now:     time.Now,
	}
}

// TerminalID returns the merchant terminal the client charges against.
func (c *Client) TerminalID() string {
	return c.config.TerminalID
}

// ServiceToken returns the cached service-scoped token, fetching a new one
// when it is missing or about to expire.
func (c *Client) ServiceToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.serviceToken != "" && c.now().Before(c.serviceTokenExpiry.Add(-serviceTokenBuffer)) {
		token := c.serviceToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := c.baseTokenForm(scopeService)
	resp, err := c.requestToken(ctx, "service_token", form)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.serviceToken = resp.AccessToken
	c.serviceTokenExpiry = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()

	return resp.AccessToken, nil
}

func (c *Client) invalidateServiceToken() {
	c.mu.Lock()
	c.serviceToken = ""
	c.serviceTokenExpiry = time.Time{}
	c.mu.Unlock()
}

// PaymentToken obtains a short-lived token bound to one invoice and amount.
// Payment tokens are never cached.
func (c *Client) PaymentToken(ctx context.Context, req PaymentTokenRequest) (*TokenResponse, error) {
	form := c.baseTokenForm(scopePayment)
	form.Set("invoiceID", req.InvoiceID)
	form.Set("amount", formatAmount(req.Amount))
	form.Set("currency", req.Currency)
	form.Set("terminal", c.config.TerminalID)
	form.Set("postLink", req.PostLink)
	form.Set("failurePostLink", req.FailurePostLink)
	if req.SecretHash != "" {
		form.Set("secret_hash", req.SecretHash)
	}

	return c.requestToken(ctx, "payment_token", form)
}

// CardSaveToken obtains a zero-amount token used to tokenise a card.
func (c *Client) CardSaveToken(ctx context.Context, invoiceID, postLink string) (*TokenResponse, error) {
	return c.PaymentToken(ctx, PaymentTokenRequest{
		InvoiceID:       invoiceID,
		Amount:          0,
		Currency:        domain.CurrencyUSD,
		PostLink:        postLink,
		FailurePostLink: postLink,
	})
}

// CheckStatus queries the authoritative transaction status for an invoice.
func (c *Client) CheckStatus(ctx context.Context, invoiceID string) (*StatusResponse, error) {
	endpoint := c.apiURL("check-status", "payment", "transaction", invoiceID)

	body, err := c.authorized(ctx, "check_status", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := decode("check_status", body, &resp); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("invoice_id", invoiceID).
		Str("result_code", resp.ResultCode.String()).
		Str("result_message", resp.ResultMessage).
		Msg("ePay status checked")

	return &resp, nil
}

// PayWithSavedCard submits a card-on-file charge authorised by a payment token.
func (c *Client) PayWithSavedCard(ctx context.Context, req CardPaymentRequest, paymentToken string) (*CardPaymentResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal card payment: %w", err)
	}

	body, err := c.do(ctx, "card_payment", http.MethodPost, c.apiURL("payments", "cards", "auth"), payload, contentTypeJSON, paymentToken)
	if err != nil {
		return nil, err
	}

	var resp CardPaymentResponse
	if err := decode("card_payment", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Charge confirms (captures) an authorised operation, optionally partially.
func (c *Client) Charge(ctx context.Context, transactionID string, amount *float64) error {
	return c.operation(ctx, "charge", transactionID, amount)
}

// Refund returns funds of a captured operation, optionally partially.
func (c *Client) Refund(ctx context.Context, transactionID string, amount *float64) error {
	return c.operation(ctx, "refund", transactionID, amount)
}

func (c *Client) operation(ctx context.Context, action, transactionID string, amount *float64) error {
	var payload []byte
	if amount != nil {
		var err error
		payload, err = json.Marshal(map[string]float64{"amount": *amount})
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", action, err)
		}
	}

	_, err := c.authorized(ctx, action, http.MethodPost, c.apiURL("operation", transactionID, action), payload)
	return err
}

// SavedCards lists the cards stored for an account. The gateway answers an
// error-shaped object instead of an empty list when there are none.
func (c *Client) SavedCards(ctx context.Context, accountID string) ([]SavedCard, error) {
	body, err := c.authorized(ctx, "saved_cards", http.MethodGet, c.apiURL("cards", accountID), nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		var shape map[string]interface{}
		if len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, &shape); err != nil {
				return nil, invalidResponse("saved_cards", err)
			}
		}
		if code, ok := shape["code"]; ok {
			c.log.Debug().Str("account_id", accountID).Interface("code", code).Msg("ePay reports no saved cards")
		}
		return []SavedCard{}, nil
	}

	var cards []SavedCard
	if err := decode("saved_cards", trimmed, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// DeactivateCard removes a saved card at the gateway.
func (c *Client) DeactivateCard(ctx context.Context, cardID string) error {
	_, err := c.authorized(ctx, "deactivate_card", http.MethodPost, c.apiURL("card", "deactivate", cardID), nil)
	return err
}

func (c *Client) baseTokenForm(scope string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	return form
}

func (c *Client) requestToken(ctx context.Context, op string, form url.Values) (*TokenResponse, error) {
	body, err := c.do(ctx, op, http.MethodPost, c.config.OAuthURL, []byte(form.Encode()), contentTypeForm, "")
	if err != nil {
		return nil, err
	}

	var resp TokenResponse
	if err := decode(op, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &domain.GatewayError{Service: serviceName, Message: op + ": empty access token"}
	}
	return &resp, nil
}

// authorized performs a service-token call, refreshing the token once on 401.
func (c *Client) authorized(ctx context.Context, op, method, endpoint string, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.ServiceToken(ctx)
		if err != nil {
			return nil, err
		}

		body, err := c.do(ctx, op, method, endpoint, payload, contentTypeJSON, token)

		var gwErr *domain.GatewayError
		if attempt == 0 && errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnauthorized {
			c.log.Warn().Str("op", op).Msg("ePay rejected service token, refreshing")
			c.invalidateServiceToken()
			continue
		}
		return body, err
	}
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload []byte, contentType, bearer string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "epay."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("epay.operation", op),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: rate limiter: %v", op, err)}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentTypeJSON)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	c.log.Debug().Str("op", op).Str("method", method).Str("url", endpoint).Msg("ePay request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("status", statusCode),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		c.log.Error().Err(err).Str("op", op).Str("url", endpoint).Msg("ePay network error")
		return nil, &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: %v", op, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: failed to read response: %v", op, err)}
	}

	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if statusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
		c.log.Warn().Str("op", op).Int("status", statusCode).Str("body", truncate(string(body), 300)).Msg("ePay error response")
		return nil, &domain.GatewayError{Service: serviceName, StatusCode: statusCode, Message: errorMessage(body)}
	}

	return body, nil
}

func (c *Client) apiURL(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.config.APIURL, "/") + "/" + strings.Join(escaped, "/")
}

func decode(op string, body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return invalidResponse(op, err)
	}
	return nil
}

func invalidResponse(op string, err error) error {
	return &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: invalid response: %v", op, err)}
}

// errorMessage extracts the gateway's reason text from an error body.
func errorMessage(body []byte) string {
	var shaped struct {
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		switch {
		case shaped.Message != "":
			return shaped.Message
		case shaped.ErrorDescription != "":
			return shaped.ErrorDescription
		case shaped.Error != "":
			return shaped.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return truncate(msg, 200)
	}
	return "empty response"
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
