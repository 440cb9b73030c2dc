package imsi

import (
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
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "imsi"
	tokenBuffer = 60 * time.Second
)

// Config holds the wholesaler API configuration
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the IMSI wholesaler. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	log        *zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new wholesaler client
func NewClient(cfg Config, logger *zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
		tracer:     otel.Tracer("esimpay/imsi"),
		now:        time.Now,
	}
}

// Info returns the live profile (balance, last network) of an IMSI.
func (c *Client) Info(ctx context.Context, imsi string) (*Info, error) {
	var resp infoResponse
	if err := c.get(ctx, "imsi_info", &resp, "imsi", imsi); err != nil {
		return nil, err
	}
	return resp.toInfo(), nil
}

// TopUp adds amountMB of data to an IMSI.
func (c *Client) TopUp(ctx context.Context, imsi string, amountMB float64) (*TopUpResult, error) {
	var resp topUpResponse
	amount := strconv.FormatFloat(amountMB, 'f', -1, 64)
	if err := c.get(ctx, "topup", &resp, "topup", imsi, amount); err != nil {
		return nil, err
	}

	result := &TopUpResult{
		Before:   float64(resp.Before),
		Added:    float64(resp.Added),
		NotAdded: float64(resp.NotAdded),
		After:    float64(resp.After),
		Fuel:     float64(resp.Fuel),
		Reason:   resp.Reason,
	}
	if result.NotAdded > 0 && result.Added == 0 {
		return result, &domain.GatewayError{
			Service:    serviceName,
			StatusCode: http.StatusConflict,
			Message:    fmt.Sprintf("top-up not applied: %s", result.Reason),
		}
	}

	c.log.Info().
		Str("imsi", imsi).
		Float64("added_mb", result.Added).
		Float64("after_mb", result.After).
		Msg("IMSI topped up")
	return result, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenBuffer)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{}
	form.Set("username", c.config.Username)
	form.Set("password", c.config.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.send(ctx, "token", req)
	if err != nil {
		return "", err
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &domain.GatewayError{Service: serviceName, Message: "invalid token response"}
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return tok.AccessToken, nil
}

func (c *Client) get(ctx context.Context, op string, out interface{}, parts ...string) error {
	endpoint := c.endpoint(parts...)

	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		body, err := c.send(ctx, op, req)
		var gwErr *domain.GatewayError
		if attempt == 0 && errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnauthorized {
			c.log.Warn().Str("op", op).Msg("IMSI token expired, retrying")
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}

		// Some endpoints answer with a JSON document encoded as a JSON string.
		var quoted string
		if json.Unmarshal(body, &quoted) == nil {
			body = []byte(quoted)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: invalid response: %v", op, err)}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "imsi."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		c.log.Error().Err(err).Str("op", op).Msg("IMSI request failed")
		return nil, &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: %v", op, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.GatewayError{Service: serviceName, Message: fmt.Sprintf("%s: failed to read response: %v", op, err)}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Str("body", msg).Msg("IMSI error response")
		return nil, &domain.GatewayError{Service: serviceName, StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}
