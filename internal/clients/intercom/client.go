package intercom

import (
	"bytes"
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

// Client reads contacts and conversations from the Intercom REST API.
type Client interface {
	ListContacts(ctx context.Context, startingAfter string, updatedSince *time.Time) (*ContactsPage, error)
	ListContactConversations(ctx context.Context, contactID, startingAfter string) (*ConversationsPage, error)
}

type Config struct {
	AccessToken string
	BaseURL     string
	PerPage     int
	Timeout     time.Duration
	MaxRetries  int
}

func ConfigFromEnv() Config {
	return Config{
		AccessToken: strings.TrimSpace(os.Getenv("INTERCOM_ACCESS_TOKEN")),
		BaseURL:     strings.TrimSpace(os.Getenv("INTERCOM_BASE_URL")),
		PerPage:     envutil.Int("INTERCOM_PER_PAGE", 150),
		Timeout:     time.Duration(envutil.Int("INTERCOM_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetries:  envutil.Int("INTERCOM_MAX_RETRIES", 4),
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
		return nil, fmt.Errorf("%w: INTERCOM_ACCESS_TOKEN", pkgerrors.ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.intercom.io"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.PerPage <= 0 || cfg.PerPage > 150 {
		cfg.PerPage = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}

	return &client{
		log:        log.With("client", "IntercomClient"),
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

type Contact struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Name             string         `json:"name"`
	SignedUpAt       *int64         `json:"signed_up_at"`
	LastSeenAt       *int64         `json:"last_seen_at"`
	UpdatedAt        *int64         `json:"updated_at"`
	Location         Location       `json:"location"`
	CustomAttributes map[string]any `json:"custom_attributes"`
	Companies        CompanyList    `json:"companies"`
}

type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

type CompanyList struct {
	Data []Company `json:"data"`
}

type Company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ContactsPage struct {
	Contacts     []Contact
	NextStarting string
	TotalCount   int
}

type Conversation struct {
	ID        string             `json:"id"`
	State     string             `json:"state"` // open, closed, snoozed
	CreatedAt int64              `json:"created_at"`
	UpdatedAt int64              `json:"updated_at"`
	Source    ConversationSource `json:"source"`
	Rating    *Rating            `json:"conversation_rating"`
	Contacts  struct {
		Contacts []struct {
			ID string `json:"id"`
		} `json:"contacts"`
	} `json:"contacts"`
}

type ConversationSource struct {
	Body   string `json:"body"`
	Author struct {
		Email string `json:"email"`
		Type  string `json:"type"`
	} `json:"author"`
}

type Rating struct {
	Rating    int    `json:"rating"` // 1-5
	Remark    string `json:"remark"`
	CreatedAt int64  `json:"created_at"`
}

type searchRequest struct {
	Query      searchQuery      `json:"query"`
	Pagination searchPagination `json:"pagination"`
}

type searchQuery struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type searchPagination struct {
	PerPage       int    `json:"per_page"`
	StartingAfter string `json:"starting_after,omitempty"`
}

type pages struct {
	Next *struct {
		StartingAfter string `json:"starting_after"`
	} `json:"next"`
	TotalPages int `json:"total_pages"`
}

// ListContacts pages the contact list. With updatedSince set it hits the
// search endpoint filtered on updated_at so incremental runs only see
// contacts touched since the last sync.
func (c *client) ListContacts(ctx context.Context, startingAfter string, updatedSince *time.Time) (*ContactsPage, error) {
	var raw []byte
	var err error

	if updatedSince != nil {
		body := searchRequest{
			Query: searchQuery{
				Field:    "updated_at",
				Operator: ">",
				Value:    updatedSince.Unix(),
			},
			Pagination: searchPagination{PerPage: c.cfg.PerPage, StartingAfter: startingAfter},
		}
		_, raw, err = c.do(ctx, http.MethodPost, "/contacts/search", body)
	} else {
		q := url.Values{}
		q.Set("per_page", fmt.Sprintf("%d", c.cfg.PerPage))
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}
		_, raw, err = c.do(ctx, http.MethodGet, "/contacts?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	var out struct {
		Data       []Contact `json:"data"`
		Pages      pages     `json:"pages"`
		TotalCount int       `json:"total_count"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("intercom: decode contacts page: %w", err)
	}

	page := &ContactsPage{Contacts: out.Data, TotalCount: out.TotalCount}
	if out.Pages.Next != nil {
		page.NextStarting = out.Pages.Next.StartingAfter
	}
	return page, nil
}

type ConversationsPage struct {
	Conversations []Conversation
	NextStarting  string
}

// ListContactConversations pages one contact's full conversation history
// through the search endpoint. Support aggregates are always recomputed
// over the whole history, so an incremental pass can never shrink them.
func (c *client) ListContactConversations(ctx context.Context, contactID, startingAfter string) (*ConversationsPage, error) {
	body := searchRequest{
		Query: searchQuery{
			Field:    "contact_ids",
			Operator: "=",
			Value:    contactID,
		},
		Pagination: searchPagination{PerPage: c.cfg.PerPage, StartingAfter: startingAfter},
	}
	_, raw, err := c.do(ctx, http.MethodPost, "/conversations/search", body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Conversations []Conversation `json:"conversations"`
		Pages         pages          `json:"pages"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("intercom: decode conversations page: %w", err)
	}

	page := &ConversationsPage{Conversations: out.Conversations}
	if out.Pages.Next != nil {
		page.NextStarting = out.Pages.Next.StartingAfter
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
		return "intercom: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("intercom http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return resp, raw, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Intercom request retrying",
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

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Intercom-Version", "2.11")

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
