package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bizinbox/internal/metrics"
	"bizinbox/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StatusSink records the outcome of a send on the message row.
type StatusSink interface {
	MarkSent(ctx context.Context, messageID uint, providerMessageID string) error
	MarkFailed(ctx context.Context, messageID uint, code, reason string) error
	ReplayParked(ctx context.Context, limit int) (int, error)
}

// Notifier tells a business that a message could not be delivered.
type Notifier interface {
	Notify(ctx context.Context, to, subject, html string) error
}

type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	Lease          time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
}

// Dispatcher drains the outbox. Delivery is at least once: a process that
// dies between the provider call and the commit re-sends once the lease
// expires.
type Dispatcher struct {
	db       *gorm.DB
	senders  map[string]Sender
	status   StatusSink
	notifier Notifier
	metrics  *metrics.Registry
	log      *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewDispatcher wires a dispatcher. senders is keyed by provider name.
func NewDispatcher(db *gorm.DB, senders map[string]Sender, status StatusSink, notifier Notifier, m *metrics.Registry, log *zap.Logger, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		db:       db,
		senders:  senders,
		status:   status,
		notifier: notifier,
		metrics:  m,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started", zap.Duration("poll_interval", d.opts.PollInterval))
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("outbox tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims one batch of due jobs and processes them, then replays status
// callbacks that arrived while their send was still in flight. It returns
// the number of jobs claimed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	jobs, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	d.metrics.OutboxPending.Set(float64(len(jobs)))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		d.process(ctx, job)
	}

	if _, err := d.status.ReplayParked(ctx, d.opts.BatchSize); err != nil && ctx.Err() == nil {
		d.log.Warn("replay parked status events", zap.Error(err))
	}
	return len(jobs), nil
}

// claim leases due jobs. The conditional update makes a job owned by at
// most one dispatcher until its lease runs out.
func (d *Dispatcher) claim(ctx context.Context) ([]models.OutboxJob, error) {
	now := d.now()
	var due []models.OutboxJob
	err := d.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at <= ? AND (locked_until IS NULL OR locked_until < ?)", models.OutboxPending, now, now).
		Order("next_attempt_at ASC, id ASC").
		Limit(d.opts.BatchSize).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	lease := now.Add(d.opts.Lease)
	claimed := make([]models.OutboxJob, 0, len(due))
	for _, job := range due {
		res := d.db.WithContext(ctx).Model(&models.OutboxJob{}).
			Where("id = ? AND state = ? AND (locked_until IS NULL OR locked_until < ?)", job.ID, models.OutboxPending, now).
			Update("locked_until", lease)
		if res.Error != nil {
			return claimed, fmt.Errorf("lease job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			job.LockedUntil = &lease
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

func (d *Dispatcher) process(ctx context.Context, job models.OutboxJob) {
	log := d.log.With(zap.Uint("job_id", job.ID), zap.Uint("message_id", job.MessageID), zap.String("business_id", job.BusinessID))

	var profile models.BusinessProfile
	if err := d.db.WithContext(ctx).First(&profile, "id = ?", job.BusinessID).Error; err != nil {
		err = fmt.Errorf("load business profile: %w", err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = backoff.Permanent(err)
		}
		d.fail(ctx, log, job, profile, err)
		return
	}
	provider := profile.Provider
	if provider == "" {
		provider = models.ProviderMeta
	}

	var payload models.OutboundPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		d.fail(ctx, log, job, profile, backoff.Permanent(fmt.Errorf("decode payload: %w", err)))
		return
	}
	sender, ok := d.senders[provider]
	if !ok {
		d.fail(ctx, log, job, profile, backoff.Permanent(fmt.Errorf("no sender for provider %q", provider)))
		return
	}

	providerID, err := sender.Send(ctx, profile, payload)
	if err != nil {
		d.metrics.OutboxAttempts.WithLabelValues(provider, "error").Inc()
		d.fail(ctx, log, job, profile, err)
		return
	}
	d.metrics.OutboxAttempts.WithLabelValues(provider, "sent").Inc()

	// The provider accepted the message; the job is done even if recording
	// the id fails, otherwise it would be sent twice.
	var lastErr string
	if err := d.status.MarkSent(ctx, job.MessageID, providerID); err != nil {
		log.Error("record sent status", zap.String("provider_message_id", providerID), zap.Error(err))
		lastErr = err.Error()
	}
	if err := d.db.WithContext(ctx).Model(&models.OutboxJob{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"state":        models.OutboxDone,
			"attempts":     job.Attempts + 1,
			"locked_until": nil,
			"last_error":   lastErr,
		}).Error; err != nil {
		log.Error("complete outbox job", zap.Error(err))
		return
	}
	log.Debug("message sent", zap.String("provider_message_id", providerID))
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, job models.OutboxJob, profile models.BusinessProfile, sendErr error) {
	attempts := job.Attempts + 1
	if !IsPermanent(sendErr) && attempts < d.opts.MaxAttempts {
		next := d.now().Add(Backoff(attempts, d.opts.InitialBackoff, d.opts.MaxBackoff))
		if err := d.db.WithContext(ctx).Model(&models.OutboxJob{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"attempts":        attempts,
				"next_attempt_at": next,
				"locked_until":    nil,
				"last_error":      sendErr.Error(),
			}).Error; err != nil {
			log.Error("reschedule outbox job", zap.Error(err))
			return
		}
		log.Warn("send failed, retrying", zap.Int("attempt", attempts), zap.Time("next_attempt_at", next), zap.Error(sendErr))
		return
	}

	if err := d.db.WithContext(ctx).Model(&models.OutboxJob{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"state":        models.OutboxDead,
			"attempts":     attempts,
			"locked_until": nil,
			"last_error":   sendErr.Error(),
		}).Error; err != nil {
		log.Error("dead-letter outbox job", zap.Error(err))
		return
	}
	log.Error("send failed permanently", zap.Int("attempts", attempts), zap.Error(sendErr))

	if err := d.status.MarkFailed(ctx, job.MessageID, errorCode(sendErr), sendErr.Error()); err != nil {
		log.Error("record failed status", zap.Error(err))
	}
	d.notifyOwner(ctx, log, job, profile, sendErr)
}

func (d *Dispatcher) notifyOwner(ctx context.Context, log *zap.Logger, job models.OutboxJob, profile models.BusinessProfile, sendErr error) {
	if d.notifier == nil {
		return
	}
	to := profile.NotifyEmail
	if to == "" {
		var owner models.User
		err := d.db.WithContext(ctx).
			Where("business_id = ? AND role = ?", job.BusinessID, models.RoleOwner).
			Order("created_at ASC").
			First(&owner).Error
		if err != nil {
			log.Warn("no owner to notify about failed message", zap.Error(err))
			return
		}
		to = owner.Email
	}

	var payload models.OutboundPayload
	_ = json.Unmarshal([]byte(job.Payload), &payload)
	subject := fmt.Sprintf("Message to %s could not be delivered", payload.To)
	body := fmt.Sprintf("<p>Message #%d to <b>%s</b> failed after %d attempt(s).</p><p>%s</p>",
		job.MessageID, payload.To, job.Attempts+1, sendErr.Error())
	if err := d.notifier.Notify(ctx, to, subject, body); err != nil {
		log.Warn("notify owner", zap.String("to", to), zap.Error(err))
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// initial doubled per attempt, capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.Reset()

	delay := initial
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

type statusCoder interface {
	HTTPStatus() int
}

// IsPermanent reports whether retrying cannot help: explicitly permanent
// errors and client errors other than timeouts and rate limiting.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return false
		}
		return code >= 400 && code < 500
	}
	return false
}

func errorCode(err error) string {
	var sc statusCoder
	if errors.As(err, &sc) {
		return strconv.Itoa(sc.HTTPStatus())
	}
	return ""
}
