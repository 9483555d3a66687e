package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/xilidan/relay/services/relay/entity"
)

const maxKeyLength = 100

var (
	unsafeKeyChars = regexp.MustCompile(`[^\w\-.]`)
	repeatedDashes = regexp.MustCompile(`--+`)
)

type Config struct {
	Url        string
	AnonKey    string
	Bucket     string
	FilePrefix string
	OutExt     string
	MaxRetries uint64
}

// Client uploads artifacts to a Supabase storage bucket over its REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

type uploadResponse struct {
	Key string `json:"Key"`
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Url == "" || cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase configuration missing")
	}
	cfg.Url = strings.TrimRight(cfg.Url, "/")
	log.Debug("creating supabase storage client",
		slog.String("url", cfg.Url),
		slog.String("bucket", cfg.Bucket))
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        log,
	}, nil
}

// SanitizeKey replaces characters that are unsafe in object keys and bounds the length.
func SanitizeKey(key string) string {
	key = unsafeKeyChars.ReplaceAllString(key, "-")
	key = repeatedDashes.ReplaceAllString(key, "-")
	key = strings.Trim(key, "-")
	if len(key) > maxKeyLength {
		key = key[:maxKeyLength]
	}
	return key
}

func (c *Client) StorageKey(streamID string) string {
	name := fmt.Sprintf("%s_%s.%s", c.cfg.FilePrefix, streamID, c.cfg.OutExt)
	return "audio/" + SanitizeKey(name)
}

func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.cfg.Url, c.cfg.Bucket, key)
}

// UploadAudio uploads the file at path and returns its public URL.
func (c *Client) UploadAudio(ctx context.Context, path, streamID string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: audio file not found: %w", entity.ErrUploadFailed, err)
	}

	key := c.StorageKey(streamID)
	c.log.Info("uploading audio file", slog.String("key", key), slog.Int("size", len(data)))

	op := func() error {
		return c.upload(ctx, key, data)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		c.log.Error("audio upload error", slog.String("key", key), slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %w", entity.ErrUploadFailed, err)
	}

	url := c.PublicURL(key)
	c.log.Info("audio file uploaded successfully", slog.String("url", url))
	return url, nil
}

func (c *Client) upload(ctx context.Context, key string, data []byte) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.cfg.Url, c.cfg.Bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AnonKey)
	req.Header.Set("apikey", c.cfg.AnonKey)
	req.Header.Set("Content-Type", "audio/mp3")
	req.Header.Set("x-upsert", "false")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("upload request failed", slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("storage API request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Key != "" {
		c.log.Debug("storage accepted object", slog.String("storage_key", out.Key))
	}
	return nil
}
