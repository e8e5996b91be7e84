package userflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/ctxutil"
	"github.com/listkit/gtm-backend/internal/platform/envutil"
	"github.com/listkit/gtm-backend/internal/platform/httpx"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// Client reads users from the Userflow API. Userflow is the product
// analytics source: last-seen recency, login counts, onboarding flow
// progress, and per-feature usage counters land in user attributes.
type Client interface {
	ListUsers(ctx context.Context, startingAfter string) (*UsersPage, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	PageLimit  int
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     strings.TrimSpace(os.Getenv("USERFLOW_API_KEY")),
		BaseURL:    strings.TrimSpace(os.Getenv("USERFLOW_BASE_URL")),
		PageLimit:  envutil.Int("USERFLOW_PAGE_LIMIT", 100),
		Timeout:    time.Duration(envutil.Int("USERFLOW_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetries: envutil.Int("USERFLOW_MAX_RETRIES", 4),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: USERFLOW_API_KEY", pkgerrors.ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.userflow.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.PageLimit <= 0 || cfg.PageLimit > 100 {
		cfg.PageLimit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}

	return &client{
		log:        log.With("client", "UserflowClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	maxRetries int
}

// --- wire types ---

type User struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
	CreatedAt  *time.Time     `json:"created_at"`
	LastSeenAt *time.Time     `json:"last_seen_at"`
}

// Email pulls the email attribute, if present.
func (u *User) Email() string {
	if v, ok := u.Attributes["email"].(string); ok {
		return v
	}
	return ""
}

// AttrInt reads a numeric attribute, tolerating the float64 that JSON
// decoding produces.
func (u *User) AttrInt(key string) int {
	switch v := u.Attributes[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// AttrBool reads a boolean attribute.
func (u *User) AttrBool(key string) bool {
	v, _ := u.Attributes[key].(bool)
	return v
}

type UsersPage struct {
	Users        []User
	NextStarting string
	HasMore      bool
}

func (c *client) ListUsers(ctx context.Context, startingAfter string) (*UsersPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", c.cfg.PageLimit))
	q.Set("order_by", "created_at")
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}

	_, raw, err := c.do(ctx, http.MethodGet, "/users?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var out struct {
		Data    []User `json:"data"`
		HasMore bool   `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("userflow: decode users page: %w", err)
	}

	page := &UsersPage{Users: out.Data, HasMore: out.HasMore}
	if out.HasMore && len(out.Data) > 0 {
		page.NextStarting = out.Data[len(out.Data)-1].ID
	}
	return page, nil
}

// ---------- HTTP / retry helpers ----------

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "userflow: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("userflow http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) do(ctx context.Context, method, path string) (*http.Response, []byte, error) {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path)
		if err == nil {
			return resp, raw, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Userflow request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return nil, nil, errors.New("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, method, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Userflow-Version", "2020-01-03")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return resp, raw, nil
}
