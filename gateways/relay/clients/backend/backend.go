package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xilidan/relay/services/relay/entity"
)

const tokenTTL = 5 * time.Minute

type Config struct {
	ApiUrl     string
	ApiKey     string
	JWTSecret  string
	MaxRetries uint64
}

// Client notifies the backend API that a meeting has been processed.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

func New(cfg Config, log *slog.Logger) *Client {
	cfg.ApiUrl = strings.TrimRight(cfg.ApiUrl, "/")
	log.Debug("creating backend client",
		slog.String("base_url", cfg.ApiUrl),
		slog.Bool("api_key_set", cfg.ApiKey != ""),
		slog.Bool("jwt_secret_set", cfg.JWTSecret != ""))
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        log,
		now:        time.Now,
	}
}

// NotifyMeetingProcessed posts data to /zoom-meetings/processed and returns the decoded acknowledgement.
func (c *Client) NotifyMeetingProcessed(ctx context.Context, data *entity.MeetingData) (map[string]any, error) {
	c.log.Info("notifying backend about processed meeting", slog.String("stream_id", data.StreamID))

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal meeting data: %w", entity.ErrNotifyFailed, err)
	}

	var ack map[string]any
	op := func() error {
		var err error
		ack, err = c.post(ctx, data.ZoomUserID, body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		c.log.Error("backend API error", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", entity.ErrNotifyFailed, err)
	}

	c.log.Info("backend notified successfully", slog.String("stream_id", data.StreamID))
	return ack, nil
}

func (c *Client) post(ctx context.Context, subject string, body []byte) (map[string]any, error) {
	url := c.cfg.ApiUrl + "/zoom-meetings/processed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.bearer(subject)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("HTTP request failed", slog.String("error", err.Error()), slog.String("url", url))
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("backend API error: %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(respBody))
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	ack := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil && err != io.EOF {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return ack, nil
}

// bearer signs a short-lived HS256 token when a secret is configured and falls back to the static API key.
func (c *Client) bearer(subject string) (string, error) {
	if c.cfg.JWTSecret == "" {
		return c.cfg.ApiKey, nil
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "relay",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
