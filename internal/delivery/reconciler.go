package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizinbox/internal/metrics"
	"bizinbox/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcomes of Apply.
const (
	OutcomeApplied   = "applied"
	OutcomeStale     = "stale"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
)

const maxVersionRetries = 5

var (
	ErrConflict        = errors.New("message changed concurrently")
	ErrMessageNotFound = errors.New("message not found")
)

// Publisher fans realtime events out to a tenant's dashboards.
type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

// Update is one provider delivery callback.
type Update struct {
	BusinessID        string
	Provider          string
	ProviderMessageID string
	Status            string
	OccurredAt        time.Time
	ErrorCode         string
	ErrorMessage      string
}

// StatusChange is published on every effective transition.
type StatusChange struct {
	MessageID         uint      `json:"message_id"`
	ContactWaID       string    `json:"contact_wa_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Status            string    `json:"status"`
	StatusAt          time.Time `json:"status_at"`
}

// Reconciler applies delivery statuses to messages. Events are recorded
// once per (provider, message, status); events for messages whose send has
// not committed yet are parked and replayed by MarkSent. ReplayParked
// sweeps up any event that raced past both.
type Reconciler struct {
	db      *gorm.DB
	pub     Publisher
	metrics *metrics.Registry
	log     *zap.Logger
}

func NewReconciler(db *gorm.DB, pub Publisher, m *metrics.Registry, log *zap.Logger) *Reconciler {
	return &Reconciler{db: db, pub: pub, metrics: m, log: log}
}

func (r *Reconciler) Apply(ctx context.Context, u Update) (string, error) {
	if u.OccurredAt.IsZero() {
		u.OccurredAt = time.Now()
	}

	var (
		outcome string
		changes []StatusChange
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ev := models.StatusEvent{
			BusinessID:        u.BusinessID,
			Provider:          u.Provider,
			ProviderMessageID: u.ProviderMessageID,
			Status:            u.Status,
			ErrorCode:         u.ErrorCode,
			ErrorMessage:      u.ErrorMessage,
			OccurredAt:        u.OccurredAt,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
		if res.Error != nil {
			return fmt.Errorf("record status event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		var msg models.Message
		err := tx.Where("business_id = ? AND provider_message_id = ?", u.BusinessID, u.ProviderMessageID).
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = OutcomeUnmatched
			return nil
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}

		applied, err := r.applyEvent(tx, &msg, ev)
		if err != nil {
			return err
		}
		changes = applied
		if len(applied) == 0 {
			outcome = OutcomeStale
		} else {
			outcome = OutcomeApplied
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.metrics.StatusTransition.WithLabelValues(u.Status, outcome).Inc()
	r.publish(u.BusinessID, changes)
	return outcome, nil
}

// MarkSent binds the provider id returned by a send to the message, moves
// it to sent and replays any callbacks that arrived before the send was
// recorded.
func (r *Reconciler) MarkSent(ctx context.Context, messageID uint, providerMessageID string) error {
	var (
		businessID string
		changes    []StatusChange
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.First(&msg, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		businessID = msg.BusinessID

		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).
			Updates(map[string]interface{}{
				"provider_message_id": providerMessageID,
				"version":             gorm.Expr("version + 1"),
			}).Error; err != nil {
			return fmt.Errorf("bind provider id: %w", err)
		}
		msg.ProviderMessageID = &providerMessageID
		msg.Version++

		if c, err := r.transition(tx, &msg, StatusSent, time.Now(), "", ""); err != nil {
			return err
		} else if c != nil {
			changes = append(changes, *c)
		}

		var parked []models.StatusEvent
		if err := tx.Where("business_id = ? AND provider_message_id = ? AND applied = ?", msg.BusinessID, providerMessageID, false).
			Order("occurred_at ASC, id ASC").
			Find(&parked).Error; err != nil {
			return fmt.Errorf("load parked events: %w", err)
		}
		for _, ev := range parked {
			applied, err := r.applyEvent(tx, &msg, ev)
			if err != nil {
				return err
			}
			changes = append(changes, applied...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(businessID, changes)
	return nil
}

// ReplayParked applies up to limit parked events whose provider id has
// since been bound to a message. It returns how many were applied.
func (r *Reconciler) ReplayParked(ctx context.Context, limit int) (int, error) {
	var parked []models.StatusEvent
	err := r.db.WithContext(ctx).
		Joins("JOIN messages ON messages.business_id = status_events.business_id AND messages.provider_message_id = status_events.provider_message_id").
		Where("status_events.applied = ?", false).
		Order("status_events.occurred_at ASC, status_events.id ASC").
		Limit(limit).
		Find(&parked).Error
	if err != nil {
		return 0, fmt.Errorf("load parked events: %w", err)
	}

	replayed := 0
	for _, ev := range parked {
		var changes []StatusChange
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.StatusEvent{}).
				Where("id = ? AND applied = ?", ev.ID, false).
				Update("applied", true)
			if res.Error != nil {
				return fmt.Errorf("claim parked event: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil
			}

			var msg models.Message
			if err := tx.Where("business_id = ? AND provider_message_id = ?", ev.BusinessID, ev.ProviderMessageID).
				First(&msg).Error; err != nil {
				return fmt.Errorf("load message: %w", err)
			}
			applied, err := r.applyEvent(tx, &msg, ev)
			if err != nil {
				return err
			}
			changes = applied
			replayed++
			return nil
		})
		if err != nil {
			return replayed, err
		}
		r.publish(ev.BusinessID, changes)
	}
	if replayed > 0 {
		r.log.Info("replayed parked status events", zap.Int("count", replayed))
	}
	return replayed, nil
}

// MarkFailed records a terminal send failure.
func (r *Reconciler) MarkFailed(ctx context.Context, messageID uint, code, reason string) error {
	var (
		businessID string
		change     *StatusChange
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.First(&msg, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		businessID = msg.BusinessID
		var err error
		change, err = r.transition(tx, &msg, StatusFailed, time.Now(), code, reason)
		return err
	})
	if err != nil {
		return err
	}
	if change != nil {
		r.publish(businessID, []StatusChange{*change})
	}
	return nil
}

// applyEvent moves msg to the event's status and marks the event consumed.
func (r *Reconciler) applyEvent(tx *gorm.DB, msg *models.Message, ev models.StatusEvent) ([]StatusChange, error) {
	var changes []StatusChange
	c, err := r.transition(tx, msg, ev.Status, ev.OccurredAt, ev.ErrorCode, ev.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if c != nil {
		changes = append(changes, *c)
	}

	if ev.Status == StatusRead && msg.Direction == models.DirectionOutbound {
		earlier, err := r.readThrough(tx, msg, ev.OccurredAt)
		if err != nil {
			return nil, err
		}
		changes = append(changes, earlier...)
	}

	if err := tx.Model(&models.StatusEvent{}).Where("id = ?", ev.ID).Update("applied", true).Error; err != nil {
		return nil, fmt.Errorf("mark event applied: %w", err)
	}
	return changes, nil
}

// transition performs a compare-and-swap on the message version. On a lost
// race the row is re-read and the rule re-evaluated against the fresh state.
func (r *Reconciler) transition(tx *gorm.DB, msg *models.Message, to string, at time.Time, code, reason string) (*StatusChange, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		if !CanTransition(msg.Status, to) {
			return nil, nil
		}
		updates := map[string]interface{}{
			"status":    to,
			"status_at": at,
			"version":   msg.Version + 1,
		}
		if to == StatusFailed {
			updates["error_code"] = code
			updates["error_message"] = reason
		}
		res := tx.Model(&models.Message{}).
			Where("id = ? AND version = ?", msg.ID, msg.Version).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("update message status: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			from := msg.Status
			msg.Status = to
			msg.StatusAt = &at
			msg.Version++
			r.log.Debug("message status changed",
				zap.Uint("message_id", msg.ID),
				zap.String("from", from),
				zap.String("to", to))
			return &StatusChange{
				MessageID:         msg.ID,
				ContactWaID:       msg.ContactWaID,
				ProviderMessageID: deref(msg.ProviderMessageID),
				Status:            to,
				StatusAt:          at,
			}, nil
		}
		if err := tx.First(msg, msg.ID).Error; err != nil {
			return nil, fmt.Errorf("reload message: %w", err)
		}
	}
	return nil, ErrConflict
}

// readThrough marks earlier outbound messages of the conversation read:
// a read receipt implies the customer saw everything before it.
func (r *Reconciler) readThrough(tx *gorm.DB, msg *models.Message, at time.Time) ([]StatusChange, error) {
	var earlier []models.Message
	err := tx.Where("business_id = ? AND contact_wa_id = ? AND direction = ? AND id < ? AND status IN ?",
		msg.BusinessID, msg.ContactWaID, models.DirectionOutbound, msg.ID,
		[]string{StatusSent, StatusDelivered}).
		Find(&earlier).Error
	if err != nil {
		return nil, fmt.Errorf("load earlier messages: %w", err)
	}

	var changes []StatusChange
	for i := range earlier {
		c, err := r.transition(tx, &earlier[i], StatusRead, at, "", "")
		if err != nil {
			return nil, err
		}
		if c != nil {
			changes = append(changes, *c)
		}
	}
	return changes, nil
}

func (r *Reconciler) publish(businessID string, changes []StatusChange) {
	if r.pub == nil {
		return
	}
	for _, c := range changes {
		r.pub.Publish(businessID, "message.status", c)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
