package slackx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"

	types "github.com/listkit/gtm-backend/internal/domain"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/envutil"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type Config struct {
	BotToken   string
	Channel    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BotToken:   strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")),
		Channel:    strings.TrimSpace(os.Getenv("SLACK_ALERT_CHANNEL")),
		Timeout:    time.Duration(envutil.Int("SLACK_TIMEOUT_SECONDS", 15)) * time.Second,
		MaxRetries: envutil.Int("SLACK_MAX_RETRIES", 3),
	}
}

// Notifier posts customer alerts into a Slack channel.
type Notifier struct {
	api        *slack.Client
	channel    string
	maxRetries int
	log        *logger.Logger
}

func NewFromEnv(log *logger.Logger) (*Notifier, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (*Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: SLACK_BOT_TOKEN", pkgerrors.ErrMissingCredentials)
	}
	if cfg.Channel == "" {
		cfg.Channel = "#customer-alerts"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Notifier{
		api:        slack.New(cfg.BotToken),
		channel:    cfg.Channel,
		maxRetries: cfg.MaxRetries,
		log:        log.With("client", "SlackNotifier"),
	}, nil
}

var severityColor = map[string]string{
	types.SeverityCritical: "#d62728",
	types.SeverityHigh:     "#ff7f0e",
	types.SeverityMedium:   "#ffbf00",
	types.SeverityLow:      "#2ca02c",
}

var severityEmoji = map[string]string{
	types.SeverityCritical: ":rotating_light:",
	types.SeverityHigh:     ":warning:",
	types.SeverityMedium:   ":large_orange_diamond:",
	types.SeverityLow:      ":information_source:",
}

var alertTitle = map[string]string{
	types.AlertCancelMention: "Cancellation risk",
	types.AlertDelinquent:    "Payment delinquent",
	types.AlertHealthDrop:    "Health score drop",
	types.AlertStatusChange:  "Health status downgrade",
	types.AlertInactivity:    "Customer gone quiet",
}

// Send posts one alert. Slack rate limits are honored by retrying with the
// server-provided delay.
func (n *Notifier) Send(ctx context.Context, record *types.AlertRecord, c *types.UnifiedCustomer) error {
	attachment := slack.Attachment{
		Color:  severityColor[record.Severity],
		Fields: fields(record, c),
		Footer: "ListKit GTM",
	}

	title := alertTitle[record.AlertType]
	if title == "" {
		title = record.AlertType
	}
	text := fmt.Sprintf("%s *%s*: %s", severityEmoji[record.Severity], title, record.Message)

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionAttachments(attachment),
		)
		if err == nil {
			return nil
		}
		lastErr = err

		var rle *slack.RateLimitedError
		if errors.As(err, &rle) && attempt < n.maxRetries {
			n.log.Warn("Slack rate limited, retrying",
				"attempt", attempt+1,
				"retry_after", rle.RetryAfter.String(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rle.RetryAfter):
			}
			continue
		}
		break
	}
	return fmt.Errorf("slack post: %w", lastErr)
}

func fields(record *types.AlertRecord, c *types.UnifiedCustomer) []slack.AttachmentField {
	out := []slack.AttachmentField{
		{Title: "Customer", Value: c.Email, Short: true},
		{Title: "Severity", Value: record.Severity, Short: true},
	}

	if c.HealthScore != nil {
		out = append(out, slack.AttachmentField{Title: "Health score", Value: fmt.Sprintf("%.0f", *c.HealthScore), Short: true})
	}
	if c.ChurnRisk != nil {
		out = append(out, slack.AttachmentField{Title: "Churn risk", Value: fmt.Sprintf("%.0f", *c.ChurnRisk), Short: true})
	}
	if c.MRR != nil {
		out = append(out, slack.AttachmentField{Title: "MRR", Value: fmt.Sprintf("$%.0f", *c.MRR), Short: true})
	}
	if c.AssignedAM != nil && *c.AssignedAM != "" {
		out = append(out, slack.AttachmentField{Title: "Account manager", Value: *c.AssignedAM, Short: true})
	}
	if c.RecommendedAction != nil && *c.RecommendedAction != "" {
		out = append(out, slack.AttachmentField{Title: "Recommended action", Value: *c.RecommendedAction, Short: false})
	}

	return out
}
