package calendly

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

// Client reads scheduled events and invitees from the Calendly v2 API.
// Calendly paginates with opaque page tokens, not offsets.
type Client interface {
	CurrentOrganization(ctx context.Context) (string, error)
	ListEvents(ctx context.Context, organization, pageToken string, minStartTime *time.Time) (*EventsPage, error)
	ListInvitees(ctx context.Context, eventUUID, pageToken string) (*InviteesPage, error)
}

type Config struct {
	AccessToken string
	BaseURL     string
	PageCount   int
	Timeout     time.Duration
	MaxRetries  int
}

func ConfigFromEnv() Config {
	return Config{
		AccessToken: strings.TrimSpace(os.Getenv("CALENDLY_ACCESS_TOKEN")),
		BaseURL:     strings.TrimSpace(os.Getenv("CALENDLY_BASE_URL")),
		PageCount:   envutil.Int("CALENDLY_PAGE_COUNT", 100),
		Timeout:     time.Duration(envutil.Int("CALENDLY_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetries:  envutil.Int("CALENDLY_MAX_RETRIES", 4),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("%w: CALENDLY_ACCESS_TOKEN", pkgerrors.ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.calendly.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.PageCount <= 0 || cfg.PageCount > 100 {
		cfg.PageCount = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}

	return &client{
		log:        log.With("client", "CalendlyClient"),
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

type Event struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active, canceled
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UUID extracts the event uuid from the resource URI.
func (e *Event) UUID() string {
	parts := strings.Split(strings.TrimRight(e.URI, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

type Invitee struct {
	URI       string    `json:"uri"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active, canceled
	CreatedAt time.Time `json:"created_at"`
	NoShow    *struct {
		URI string `json:"uri"`
	} `json:"no_show"`
}

// UUID extracts the invitee uuid from the resource URI.
func (i *Invitee) UUID() string {
	parts := strings.Split(strings.TrimRight(i.URI, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

type pagination struct {
	NextPageToken string `json:"next_page_token"`
}

type EventsPage struct {
	Events        []Event
	NextPageToken string
}

type InviteesPage struct {
	Invitees      []Invitee
	NextPageToken string
}

func (c *client) CurrentOrganization(ctx context.Context) (string, error) {
	_, raw, err := c.do(ctx, http.MethodGet, "/users/me")
	if err != nil {
		return "", err
	}

	var out struct {
		Resource struct {
			CurrentOrganization string `json:"current_organization"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("calendly: decode current user: %w", err)
	}
	if out.Resource.CurrentOrganization == "" {
		return "", fmt.Errorf("calendly: current user has no organization")
	}
	return out.Resource.CurrentOrganization, nil
}

func (c *client) ListEvents(ctx context.Context, organization, pageToken string, minStartTime *time.Time) (*EventsPage, error) {
	q := url.Values{}
	q.Set("organization", organization)
	q.Set("count", fmt.Sprintf("%d", c.cfg.PageCount))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	if minStartTime != nil {
		q.Set("min_start_time", minStartTime.UTC().Format(time.RFC3339))
	}

	_, raw, err := c.do(ctx, http.MethodGet, "/scheduled_events?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var out struct {
		Collection []Event    `json:"collection"`
		Pagination pagination `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("calendly: decode events page: %w", err)
	}

	return &EventsPage{Events: out.Collection, NextPageToken: out.Pagination.NextPageToken}, nil
}

func (c *client) ListInvitees(ctx context.Context, eventUUID, pageToken string) (*InviteesPage, error) {
	q := url.Values{}
	q.Set("count", fmt.Sprintf("%d", c.cfg.PageCount))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	path := fmt.Sprintf("/scheduled_events/%s/invitees?%s", url.PathEscape(eventUUID), q.Encode())
	_, raw, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	var out struct {
		Collection []Invitee  `json:"collection"`
		Pagination pagination `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("calendly: decode invitees page: %w", err)
	}

	return &InviteesPage{Invitees: out.Collection, NextPageToken: out.Pagination.NextPageToken}, nil
}

// ---------- HTTP / retry helpers ----------

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "calendly: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("calendly http %d: %s", e.StatusCode, msg)
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

		c.log.Warn("Calendly request retrying",
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
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

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
