// Package telegram is a minimal Bot API client covering the three calls the
// relay needs: paginated channel history, typed file uploads, and resolving
// a stored file reference to a direct download URL.
package telegram

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
	"time"

	"github.com/wolfeidau/media-relay/telemetry"
)

const (
	// DefaultBaseURL is the Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	// DefaultTimeout bounds history and file-resolution calls.
	DefaultTimeout = 30 * time.Second

	// DefaultUploadTimeout bounds upload calls, which move whole media files.
	DefaultUploadTimeout = 5 * time.Minute

	// HistoryPageLimit is the maximum page size the history API accepts.
	HistoryPageLimit = 100
)

// ErrNotFound is returned when the API reports a missing resource.
var ErrNotFound = errors.New("not found")

// ErrTooLarge is returned when the API rejects an upload as too large.
var ErrTooLarge = errors.New("file too large")

// ErrTimeout is returned when an upload exceeds its bounded timeout.
var ErrTimeout = errors.New("upload timeout")

// StatusError reports a non-2xx API response.
type StatusError struct {
	Status      int
	Description string
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram api returned %d: %s", e.Status, e.Description)
	}
	return fmt.Sprintf("telegram api returned %d", e.Status)
}

// Client calls the Bot API for a single bot token and channel.
type Client struct {
	baseURL       string
	token         string
	channel       string
	client        *http.Client
	uploadTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL. Used by tests to point at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithUploadTimeout sets the bounded timeout for upload calls.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.uploadTimeout = d
	}
}

// NewClient creates a Bot API client for the given token and channel.
// The channel may be a numeric chat ID or an @username.
func NewClient(token, channel string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		channel: channel,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "telegram"),
		},
		uploadTimeout: DefaultUploadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Channel returns the configured channel.
func (c *Client) Channel() string {
	return c.channel
}

// methodURL builds the URL for a Bot API method.
func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// History fetches one page of the channel history, newest first. A zero
// cursor fetches the most recent page; otherwise pagination continues from
// the given message reference.
func (c *Client) History(ctx context.Context, cursor int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > HistoryPageLimit {
		limit = HistoryPageLimit
	}

	params := url.Values{}
	params.Set("chat_id", c.channel)
	params.Set("limit", strconv.Itoa(limit))
	if cursor > 0 {
		params.Set("offset_id", strconv.FormatInt(cursor, 10))
	}

	raw, err := c.get(ctx, "getChatHistory", params)
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}

	return messages, nil
}

// FileURL resolves a stored file reference to a direct download URL.
func (c *Client) FileURL(ctx context.Context, fileRef string) (string, error) {
	params := url.Values{}
	params.Set("file_id", fileRef)

	raw, err := c.get(ctx, "getFile", params)
	if err != nil {
		return "", err
	}

	var stored storedFile
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", fmt.Errorf("decoding file info: %w", err)
	}
	if stored.FilePath == "" {
		return "", ErrNotFound
	}

	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, stored.FilePath), nil
}

// get performs a GET call and unwraps the API envelope.
func (c *Client) get(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	u := c.methodURL(method) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeEnvelope(resp)
}

// decodeEnvelope reads an API response and returns the inner result,
// mapping error statuses to typed errors.
func decodeEnvelope(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var envelope apiResponse
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decoding response: %w", jsonErr)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, ErrTooLarge
	case resp.StatusCode != http.StatusOK || !envelope.OK:
		return nil, &StatusError{Status: resp.StatusCode, Description: envelope.Description}
	}

	return envelope.Result, nil
}
