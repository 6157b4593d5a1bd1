// Package client implements the HTTP client side of the relay protocol.
//
// Transient network and server failures are retried with jittered backoff
// up to a bounded attempt count; authentication failures are never retried
// and surface as ErrUnauthorized so the caller can ask for a re-login.
package client

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

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/bradrf/atuin/internal/api"
)

// Errors returned by relay requests.
var (
	// ErrUnauthorized indicates the session token was rejected. Fatal to
	// the sync run; re-authentication is required.
	ErrUnauthorized = errors.New("client: unauthorized, please log in again")

	// ErrInvalidRequest indicates the relay rejected the request as
	// malformed.
	ErrInvalidRequest = errors.New("client: invalid request")

	// ErrProtocol indicates the relay returned a response that does not
	// match the protocol. Retried with the same backoff as network
	// failures; fatal once the attempts are exhausted.
	ErrProtocol = errors.New("client: malformed relay response")
)

// Config holds client construction parameters.
type Config struct {
	// Address is the relay base URL.
	Address string

	// Session is the bearer credential; empty for register/login calls.
	Session string

	// Timeout bounds each HTTP request, including retries' individual
	// attempts.
	Timeout time.Duration

	// MaxRetries bounds retry attempts per request; zero disables
	// retries.
	MaxRetries int

	// RetryWaitMin/Max bound the backoff delay between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to one relay on behalf of one account session.
type Client struct {
	baseURL *url.URL
	http    *retryablehttp.Client
	session string
	logger  *zap.Logger

	// Retry budget for malformed responses; the HTTP client handles
	// transport and 5xx retries itself.
	maxRetries   int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Opt customizes a Client.
type Opt func(*Client)

// WithLogger attaches a logger; request retries and failures are logged
// through it.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
		c.http.Logger = retryableLogger{inner: logger}
	}
}

// checkRetry retries on transport errors and 5xx responses. 4xx responses,
// including 401, are terminal: retrying a rejected credential cannot
// succeed.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// New creates a relay client. Defaults: 500ms..2s backoff, 30s request
// timeout. MaxRetries is honored as given so a zero from configuration
// really means no retries.
func New(cfg Config, opts ...Opt) (*Client, error) {
	baseURL, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: parsing relay address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 2 * time.Second
	}

	rc := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		RetryMax:     cfg.MaxRetries,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		Backoff:      retryablehttp.LinearJitterBackoff,
		CheckRetry:   checkRetry,
	}

	c := &Client{
		baseURL:      baseURL,
		http:         rc,
		session:      cfg.Session,
		logger:       zap.NewNop(),
		maxRetries:   cfg.MaxRetries,
		retryWaitMin: cfg.RetryWaitMin,
		retryWaitMax: cfg.RetryWaitMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetSession replaces the bearer credential, e.g. right after login.
func (c *Client) SetSession(session string) {
	c.session = session
}

// Register creates an account and returns the issued session token.
func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	var res api.SessionResponse
	req := api.RegisterRequest{Username: username, Password: password}
	if err := c.req(ctx, http.MethodPost, "/account/register", &req, &res); err != nil {
		return "", fmt.Errorf("registering account: %w", err)
	}
	return res.Session, nil
}

// Login authenticates and returns a fresh session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var res api.SessionResponse
	req := api.LoginRequest{Username: username, Password: password}
	if err := c.req(ctx, http.MethodPost, "/account/login", &req, &res); err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	return res.Session, nil
}

// Count returns the relay's total record count for the account.
func (c *Client) Count(ctx context.Context) (int64, error) {
	var res api.CountResponse
	if err := c.req(ctx, http.MethodGet, "/sync/count", nil, &res); err != nil {
		return 0, fmt.Errorf("fetching remote count: %w", err)
	}
	return res.Count, nil
}

// Page fetches up to limit records with seq > after, ascending by seq.
func (c *Client) Page(ctx context.Context, after int64, limit int) ([]api.SyncRecord, error) {
	path := "/sync/history?after=" + strconv.FormatInt(after, 10) +
		"&limit=" + strconv.Itoa(limit)
	var res pageResponse
	if err := c.req(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("fetching history page: %w", err)
	}
	return res.Records, nil
}

// Upload pushes a batch of encrypted records. Idempotent by id: the
// returned map holds api.StatusCreated or api.StatusAlreadyPresent per id,
// so a retried batch after a partial failure cannot create duplicates.
func (c *Client) Upload(ctx context.Context, records []api.SyncRecord) (map[string]string, error) {
	var res uploadResponse
	req := api.UploadRequest{Records: records}
	if err := c.req(ctx, http.MethodPost, "/sync/history", &req, &res); err != nil {
		return nil, fmt.Errorf("uploading records: %w", err)
	}
	return res.Results, nil
}

// validator lets response types check protocol invariants inside the
// retry loop, so a semantically malformed body is retried the same way an
// unparseable one is.
type validator interface {
	validate() error
}

type pageResponse struct {
	api.PageResponse
}

func (r pageResponse) validate() error {
	for i, rec := range r.Records {
		if rec.ID == "" {
			return fmt.Errorf("%w: page record %d has empty id", ErrProtocol, i)
		}
		if i > 0 && rec.Seq <= r.Records[i-1].Seq {
			return fmt.Errorf("%w: page not strictly ascending by seq", ErrProtocol)
		}
	}
	return nil
}

type uploadResponse struct {
	api.UploadResponse
}

func (r uploadResponse) validate() error {
	if r.Results == nil {
		return fmt.Errorf("%w: upload response missing results", ErrProtocol)
	}
	return nil
}

// Delete appends a tombstone for id on the relay. Idempotent.
func (c *Client) Delete(ctx context.Context, id string) error {
	path := "/sync/history/" + url.PathEscape(id) + "/delete"
	if err := c.req(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// req issues one logical request. Transport errors and 5xx responses are
// retried inside the HTTP client; malformed 200 bodies are retried here
// with the same backoff, so ErrProtocol reaches the caller only after
// repeated malformation.
func (c *Client) req(ctx context.Context, method, path string, reqBody, resBody any) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("client: marshaling request body: %w", err)
		}
	}

	u := c.baseURL.JoinPath(path)
	// JoinPath escapes the query string; carry it separately.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u = c.baseURL.JoinPath(path[:i])
		u.RawQuery = path[i+1:]
	}

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, method, u.String(), payload, resBody)
		if !errors.Is(err, ErrProtocol) || attempt >= c.maxRetries {
			return err
		}
		c.logger.Debug("malformed relay response, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))

		timer := time.NewTimer(retryablehttp.LinearJitterBackoff(
			c.retryWaitMin, c.retryWaitMax, attempt, nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, resBody any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("client: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set("Authorization", "Token "+c.session)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("client: reading response body: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, relayError(data, res.Status))
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, relayError(data, res.Status))
	default:
		return fmt.Errorf("client: unexpected status %s: %s", res.Status, relayError(data, res.Status))
	}

	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if v, ok := resBody.(validator); ok {
			if err := v.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// relayError extracts the error message from a relay error body, falling
// back to the HTTP status line.
func relayError(data []byte, status string) string {
	var er api.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return status
}

// retryableLogger adapts zap to retryablehttp's logger interface.
type retryableLogger struct {
	inner *zap.Logger
}

func (r retryableLogger) Printf(format string, args ...any) {
	r.inner.Sugar().Debugf(format, args...)
}
