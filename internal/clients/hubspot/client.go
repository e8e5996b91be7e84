package hubspot

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

// ContactProperties are the CRM fields we pull per contact.
var ContactProperties = []string{
	"email",
	"firstname",
	"lastname",
	"lifecyclestage",
	"hubspot_owner_id",
	"hs_lastmodifieddate",
}

// DealProperties are the deal fields we pull per deal.
var DealProperties = []string{
	"dealname",
	"dealstage",
	"amount",
	"pipeline",
	"closedate",
	"hs_lastmodifieddate",
}

// Client reads contacts, owners, and deals from the HubSpot CRM v3 API.
type Client interface {
	ListContacts(ctx context.Context, after string, modifiedSince *time.Time) (*ContactsPage, error)
	ListDeals(ctx context.Context, after string, modifiedSince *time.Time) (*DealsPage, error)
	ListOwners(ctx context.Context) ([]Owner, error)
}

type Config struct {
	AccessToken string
	BaseURL     string
	PageLimit   int
	Timeout     time.Duration
	MaxRetries  int
}

func ConfigFromEnv() Config {
	return Config{
		AccessToken: strings.TrimSpace(os.Getenv("HUBSPOT_ACCESS_TOKEN")),
		BaseURL:     strings.TrimSpace(os.Getenv("HUBSPOT_BASE_URL")),
		PageLimit:   envutil.Int("HUBSPOT_PAGE_LIMIT", 100),
		Timeout:     time.Duration(envutil.Int("HUBSPOT_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetries:  envutil.Int("HUBSPOT_MAX_RETRIES", 4),
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
		return nil, fmt.Errorf("%w: HUBSPOT_ACCESS_TOKEN", pkgerrors.ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.hubapi.com"
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
		log:        log.With("client", "HubspotClient"),
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
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type ContactsPage struct {
	Contacts []Contact
	After    string
}

type Deal struct {
	ID           string            `json:"id"`
	Properties   map[string]string `json:"properties"`
	Associations struct {
		Contacts struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		} `json:"contacts"`
	} `json:"associations"`
}

// ContactIDs lists the contact ids this deal is associated with.
func (d *Deal) ContactIDs() []string {
	var out []string
	for _, r := range d.Associations.Contacts.Results {
		out = append(out, r.ID)
	}
	return out
}

type DealsPage struct {
	Deals []Deal
	After string
}

type Owner struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (o Owner) FullName() string {
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

// ListContacts pages the contact list. With modifiedSince set it hits the
// search endpoint filtered on hs_lastmodifieddate.
func (c *client) ListContacts(ctx context.Context, after string, modifiedSince *time.Time) (*ContactsPage, error) {
	var raw []byte
	var err error

	if modifiedSince != nil {
		body := searchRequest{
			FilterGroups: []filterGroup{{Filters: []filter{{
				PropertyName: "hs_lastmodifieddate",
				Operator:     "GT",
				Value:        fmt.Sprintf("%d", modifiedSince.UnixMilli()),
			}}}},
			Properties: ContactProperties,
			Limit:      c.cfg.PageLimit,
			After:      after,
		}
		_, raw, err = c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/search", body)
	} else {
		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", c.cfg.PageLimit))
		q.Set("properties", strings.Join(ContactProperties, ","))
		if after != "" {
			q.Set("after", after)
		}
		_, raw, err = c.do(ctx, http.MethodGet, "/crm/v3/objects/contacts?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	var out struct {
		Results []Contact `json:"results"`
		Paging  paging    `json:"paging"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("hubspot: decode contacts page: %w", err)
	}

	page := &ContactsPage{Contacts: out.Results}
	if out.Paging.Next != nil {
		page.After = out.Paging.Next.After
	}
	return page, nil
}

func (c *client) ListDeals(ctx context.Context, after string, modifiedSince *time.Time) (*DealsPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", c.cfg.PageLimit))
	q.Set("properties", strings.Join(DealProperties, ","))
	q.Set("associations", "contacts")
	if after != "" {
		q.Set("after", after)
	}

	_, raw, err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Results []Deal `json:"results"`
		Paging  paging `json:"paging"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("hubspot: decode deals page: %w", err)
	}

	page := &DealsPage{Deals: out.Results}
	if out.Paging.Next != nil {
		page.After = out.Paging.Next.After
	}

	// The list endpoint cannot filter server-side on modification time;
	// drop stale deals here so incremental runs stay cheap downstream.
	if modifiedSince != nil {
		kept := page.Deals[:0]
		for _, d := range page.Deals {
			ts := d.Properties["hs_lastmodifieddate"]
			if ts == "" {
				kept = append(kept, d)
				continue
			}
			if mod, err := time.Parse(time.RFC3339, ts); err == nil && mod.After(*modifiedSince) {
				kept = append(kept, d)
			}
		}
		page.Deals = kept
	}

	return page, nil
}

func (c *client) ListOwners(ctx context.Context) ([]Owner, error) {
	var owners []Owner
	after := ""

	for {
		q := url.Values{}
		q.Set("limit", "100")
		if after != "" {
			q.Set("after", after)
		}

		_, raw, err := c.do(ctx, http.MethodGet, "/crm/v3/owners?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var out struct {
			Results []Owner `json:"results"`
			Paging  paging  `json:"paging"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("hubspot: decode owners page: %w", err)
		}

		owners = append(owners, out.Results...)
		if out.Paging.Next == nil || out.Paging.Next.After == "" {
			return owners, nil
		}
		after = out.Paging.Next.After
	}
}

// ---------- HTTP / retry helpers ----------

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "hubspot: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("hubspot http %d: %s", e.StatusCode, msg)
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

		c.log.Warn("Hubspot request retrying",
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
