package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/health"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// Notifier delivers one alert to the outside world. Delivery failures are
// retried on later evaluations via the undelivered record, never by
// re-creating the record.
type Notifier interface {
	Send(ctx context.Context, record *types.AlertRecord, c *types.UnifiedCustomer) error
}

// LogNotifier is the no-credentials fallback: alerts land in the log
// stream instead of a channel.
type LogNotifier struct {
	Log *logger.Logger
}

func (n *LogNotifier) Send(_ context.Context, record *types.AlertRecord, _ *types.UnifiedCustomer) error {
	n.Log.Warn("alert (log delivery)",
		"alert_type", record.AlertType,
		"severity", record.Severity,
		"email", record.Email,
		"message", record.Message,
	)
	return nil
}

// Throttle bounds outbound delivery rate. Wait blocks until a slot frees
// up; callers hold their alert until then rather than dropping it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Cooldowns are the per-rule minimum intervals between repeat alerts for
// the same customer. status_change ignores its cooldown when the status
// actually moves again.
type Cooldowns struct {
	CancelMention time.Duration
	Delinquent    time.Duration
	HealthDrop    time.Duration
	StatusChange  time.Duration
	Inactivity    time.Duration
}

func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		CancelMention: 168 * time.Hour,
		Delinquent:    72 * time.Hour,
		HealthDrop:    48 * time.Hour,
		StatusChange:  24 * time.Hour,
		Inactivity:    336 * time.Hour,
	}
}

// Previous carries the derived values a customer row held before the
// current scoring pass, read before the new assessment was persisted.
type Previous struct {
	Score  *float64
	Status *string
}

// Engine evaluates alert rules against a freshly scored customer and
// delivers whatever passes cooldown, dedupe, and the rate throttle.
type Engine struct {
	db        *gorm.DB
	repo      alertsrepo.AlertRepo
	notifier  Notifier
	throttle  Throttle
	cooldowns Cooldowns
	log       *logger.Logger

	// DropThreshold is the score decrease that trips a health_drop alert.
	DropThreshold float64
	// InactiveDays is the recency threshold for inactivity alerts.
	InactiveDays int

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewEngine(db *gorm.DB, repo alertsrepo.AlertRepo, notifier Notifier, throttle Throttle, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:            db,
		repo:          repo,
		notifier:      notifier,
		throttle:      throttle,
		cooldowns:     DefaultCooldowns(),
		log:           baseLog.With("component", "alerts"),
		DropThreshold: 20,
		InactiveDays:  30,
		locks:         make(map[uuid.UUID]*sync.Mutex),
	}
}

// WithCooldowns overrides the default rule cooldowns.
func (e *Engine) WithCooldowns(c Cooldowns) *Engine {
	e.cooldowns = c
	return e
}

func (e *Engine) customerLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// candidate is one rule's verdict for this evaluation.
type candidate struct {
	alertType string
	severity  string
	message   string
	stateHash string
	cooldown  time.Duration

	// newStatus / newValue update the rule's state machine after sending.
	newStatus string
	newValue  *float64
}

// ProcessCustomer runs every rule against the customer's new assessment
// and returns how many alerts were sent. Evaluations for the same customer
// serialize so a rule's state machine never races itself.
func (e *Engine) ProcessCustomer(ctx context.Context, c *types.UnifiedCustomer, prev Previous, a health.Assessment) (int, error) {
	lock := e.customerLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	now := a.CalculatedAt
	sent := 0

	for _, cand := range e.evaluate(c, prev, a, now) {
		ok, err := e.deliver(ctx, c, cand, now)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (e *Engine) evaluate(c *types.UnifiedCustomer, prev Previous, a health.Assessment, now time.Time) []candidate {
	var out []candidate

	if c.MentionedCancel {
		out = append(out, candidate{
			alertType: types.AlertCancelMention,
			severity:  types.SeverityCritical,
			message:   fmt.Sprintf("%s mentioned cancellation in a support conversation. Health score %.0f, churn risk %.0f.", c.Email, a.HealthScore, a.ChurnRisk),
			stateHash: stateHash(types.AlertCancelMention, "mentioned"),
			cooldown:  e.cooldowns.CancelMention,
		})
	}

	if c.IsDelinquent {
		out = append(out, candidate{
			alertType: types.AlertDelinquent,
			severity:  types.SeverityCritical,
			message:   fmt.Sprintf("Payment for %s is delinquent (%d failed payments in 90 days).", c.Email, c.PaymentFailures90d),
			stateHash: stateHash(types.AlertDelinquent, fmt.Sprintf("failures=%d", c.PaymentFailures90d)),
			cooldown:  e.cooldowns.Delinquent,
		})
	}

	if prev.Score != nil && *prev.Score-a.HealthScore >= e.DropThreshold {
		out = append(out, candidate{
			alertType: types.AlertHealthDrop,
			severity:  types.SeverityHigh,
			message:   fmt.Sprintf("Health score for %s dropped %.0f points (%.0f to %.0f).", c.Email, *prev.Score-a.HealthScore, *prev.Score, a.HealthScore),
			stateHash: stateHash(types.AlertHealthDrop, fmt.Sprintf("%.0f->%.0f", *prev.Score, a.HealthScore)),
			cooldown:  e.cooldowns.HealthDrop,
		})
	}

	downgraded := prev.Status != nil && types.StatusWorse(a.HealthStatus, *prev.Status)
	intoRisk := a.HealthStatus == types.StatusHighRisk || a.HealthStatus == types.StatusCritical
	if downgraded && intoRisk {
		out = append(out, candidate{
			alertType: types.AlertStatusChange,
			severity:  types.SeverityMedium,
			message:   fmt.Sprintf("%s moved from %s to %s (score %.0f).", c.Email, *prev.Status, a.HealthStatus, a.HealthScore),
			stateHash: stateHash(types.AlertStatusChange, *prev.Status+"->"+a.HealthStatus),
			cooldown:  e.cooldowns.StatusChange,
			newStatus: a.HealthStatus,
		})
	}

	if days := c.DaysSinceSeenAt(now); days != nil && *days > e.InactiveDays {
		v := float64(*days)
		out = append(out, candidate{
			alertType: types.AlertInactivity,
			severity:  types.SeverityMedium,
			message:   fmt.Sprintf("%s has had no product activity for %d days.", c.Email, *days),
			stateHash: stateHash(types.AlertInactivity, "inactive"),
			cooldown:  e.cooldowns.Inactivity,
			newValue:  &v,
		})
	}

	return out
}

// deliver applies cooldown and dedupe, persists the record, then attempts
// delivery. The record exists before the send so a crash mid-delivery can
// never duplicate the alert on retry.
func (e *Engine) deliver(ctx context.Context, c *types.UnifiedCustomer, cand candidate, now time.Time) (bool, error) {
	state, err := e.repo.GetState(ctx, nil, c.ID, cand.alertType)
	if err != nil {
		return false, err
	}

	if state != nil && state.LastSentAt != nil {
		inCooldown := now.Sub(*state.LastSentAt) < cand.cooldown

		switch cand.alertType {
		case types.AlertStatusChange:
			// A repeat downgrade to a genuinely new status bypasses cooldown.
			if inCooldown && state.LastStatus == cand.newStatus {
				return false, nil
			}
		case types.AlertInactivity:
			// Re-fires only when the customer came back and went quiet again:
			// the tracked value must have reset below the threshold.
			if inCooldown {
				return false, nil
			}
			if state.LastValue != nil && cand.newValue != nil && *cand.newValue >= *state.LastValue {
				return false, nil
			}
		default:
			if inCooldown {
				return false, nil
			}
		}
	}

	// The dedupe key folds in the send day so the unique index blocks
	// replays within a pass without blocking legitimate re-fires weeks
	// later for rules whose state string repeats.
	dedupeHash := saltHash(cand.stateHash, now)
	exists, err := e.repo.RecordExists(ctx, nil, c.ID, cand.alertType, dedupeHash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	record := &types.AlertRecord{
		ID:         uuid.New(),
		CustomerID: c.ID,
		Email:      c.Email,
		AlertType:  cand.alertType,
		Severity:   cand.severity,
		Message:    cand.message,
		StateHash:  dedupeHash,
		SentAt:     now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.repo.CreateRecord(ctx, tx, record); err != nil {
			return err
		}

		if state == nil {
			state = &types.AlertState{
				ID:         uuid.New(),
				CustomerID: c.ID,
				AlertType:  cand.alertType,
			}
		}
		sentAt := now
		state.LastSentAt = &sentAt
		state.LastStateHash = dedupeHash
		if cand.newStatus != "" {
			state.LastStatus = cand.newStatus
		}
		if cand.newValue != nil {
			state.LastValue = cand.newValue
		}
		return e.repo.SaveState(ctx, tx, state)
	})
	if err != nil {
		return false, err
	}

	if err := e.throttle.Wait(ctx); err != nil {
		return false, err
	}

	if err := e.notifier.Send(ctx, record, c); err != nil {
		e.log.Error("alert delivery failed",
			"alert_type", cand.alertType,
			"email", c.Email,
			"error", err,
		)
		return true, nil
	}

	if err := e.repo.MarkDelivered(ctx, nil, record.ID, time.Now().UTC()); err != nil {
		return true, err
	}
	return true, nil
}

func stateHash(alertType, state string) string {
	sum := sha256.Sum256([]byte(alertType + "|" + state))
	return hex.EncodeToString(sum[:8])
}

func saltHash(base string, at time.Time) string {
	sum := sha256.Sum256([]byte(base + "|" + at.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:8])
}
