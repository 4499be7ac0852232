package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bizinbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const StatusPending = "pending"

var ErrEmptyRecipient = errors.New("outbound message has no recipient")

// Sender delivers one message through a provider and returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, profile models.BusinessProfile, p models.OutboundPayload) (string, error)
}

// Enqueue stores msg as pending together with its send job. tx must be the
// caller's transaction so the message and the job commit together.
//
// When msg carries an IdempotencyKey that was already used by the business,
// msg is overwritten with the stored message and created is false.
func Enqueue(ctx context.Context, tx *gorm.DB, msg *models.Message, p models.OutboundPayload) (created bool, err error) {
	if p.To == "" {
		return false, ErrEmptyRecipient
	}
	tx = tx.WithContext(ctx)

	msg.Direction = models.DirectionOutbound
	msg.Status = StatusPending
	msg.ContactWaID = p.To
	if msg.Type == "" {
		msg.Type = p.Type
	}
	msg.Version = 1

	if msg.IdempotencyKey != nil {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
		if res.Error != nil {
			return false, fmt.Errorf("insert message: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			businessID, key := msg.BusinessID, *msg.IdempotencyKey
			*msg = models.Message{}
			if err := tx.Where("business_id = ? AND idempotency_key = ?", businessID, key).First(msg).Error; err != nil {
				return false, fmt.Errorf("load idempotent message: %w", err)
			}
			return false, nil
		}
	} else if err := tx.Create(msg).Error; err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	job := models.OutboxJob{
		BusinessID:    msg.BusinessID,
		MessageID:     msg.ID,
		Payload:       string(payload),
		State:         models.OutboxPending,
		NextAttemptAt: time.Now(),
	}
	if err := tx.Create(&job).Error; err != nil {
		return false, fmt.Errorf("insert outbox job: %w", err)
	}
	return true, nil
}
