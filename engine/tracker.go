package engine

import (
	"fmt"
	"log"
	"time"

	"coldpilot/models"

	"gorm.io/gorm"
)

// UnsubscribedFailureReason marks queued mail killed by an unsubscribe
const UnsubscribedFailureReason = "Recipient unsubscribed"

// TrackingRecorder turns external signals (pixel hits, link clicks,
// detected replies, bounces, unsubscribes) into idempotent state
// transitions plus reputation and counter side effects.
//
// Every Record* method resolves the message by its tracking ID and returns
// (false, nil) when the ID is unknown: tracking endpoints must never error
// visibly to recipients. Re-delivered events are absorbed as no-ops; the
// boolean reports whether this call actually applied the event.
type TrackingRecorder struct {
	DB     *gorm.DB
	Config Config
	Logger *log.Logger
}

func NewTrackingRecorder(db *gorm.DB, cfg Config, logger *log.Logger) *TrackingRecorder {
	return &TrackingRecorder{DB: db, Config: cfg, Logger: logger}
}

func (tr *TrackingRecorder) findByTrackingID(trackingID string) (*models.SentMessage, error) {
	var msg models.SentMessage
	err := tr.DB.Where("tracking_id = ?", trackingID).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tracking id: %w", err)
	}
	return &msg, nil
}

// RecordOpen stamps opened_at exactly once and bumps the open counters
func (tr *TrackingRecorder) RecordOpen(trackingID string) (bool, error) {
	msg, err := tr.findByTrackingID(trackingID)
	if err != nil || msg == nil {
		return false, err
	}
	return tr.applyOpen(tr.DB, msg)
}

// applyOpen is shared between opens and the open a click implies
func (tr *TrackingRecorder) applyOpen(db *gorm.DB, msg *models.SentMessage) (bool, error) {
	res := db.Model(&models.SentMessage{}).
		Where("id = ? AND opened_at IS NULL", msg.ID).
		Updates(map[string]interface{}{
			"opened_at": time.Now(),
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				models.MessageStatusSent, models.MessageStatusOpened),
		})
	if res.Error != nil {
		return false, fmt.Errorf("record open: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := tr.bumpCounters(db, msg, "total_opened", "opened_count"); err != nil {
		return true, err
	}
	return true, nil
}

// RecordClick stamps clicked_at exactly once. A click implies an open, so
// an unset opened_at is back-filled first, with its own single counter bump.
func (tr *TrackingRecorder) RecordClick(trackingID string) (bool, error) {
	msg, err := tr.findByTrackingID(trackingID)
	if err != nil || msg == nil {
		return false, err
	}

	if _, err := tr.applyOpen(tr.DB, msg); err != nil {
		return false, err
	}

	res := tr.DB.Model(&models.SentMessage{}).
		Where("id = ? AND clicked_at IS NULL", msg.ID).
		Updates(map[string]interface{}{
			"clicked_at": time.Now(),
			"status": gorm.Expr("CASE WHEN status IN (?, ?) THEN ? ELSE status END",
				models.MessageStatusSent, models.MessageStatusOpened, models.MessageStatusClicked),
		})
	if res.Error != nil {
		return false, fmt.Errorf("record click: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	return true, tr.bumpCounters(tr.DB, msg, "total_clicked", "clicked_count")
}

// RecordReply stamps replied_at exactly once and rewards the sender's
// reputation
func (tr *TrackingRecorder) RecordReply(trackingID string) (bool, error) {
	msg, err := tr.findByTrackingID(trackingID)
	if err != nil || msg == nil {
		return false, err
	}

	res := tr.DB.Model(&models.SentMessage{}).
		Where("id = ? AND replied_at IS NULL", msg.ID).
		Updates(map[string]interface{}{
			"replied_at": time.Now(),
			"status": gorm.Expr("CASE WHEN status IN (?, ?, ?) THEN ? ELSE status END",
				models.MessageStatusSent, models.MessageStatusOpened, models.MessageStatusClicked,
				models.MessageStatusReplied),
		})
	if res.Error != nil {
		return false, fmt.Errorf("record reply: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := tr.bumpCounters(tr.DB, msg, "total_replied", "replied_count"); err != nil {
		return true, err
	}
	return true, tr.adjustReputation(tr.DB, msg.SenderID, tr.Config.ReplyDelta)
}

// RecordBounce stamps bounced_at exactly once, degrades the sender's
// reputation, and flags the lead so it is never resolved again
func (tr *TrackingRecorder) RecordBounce(trackingID string) (bool, error) {
	msg, err := tr.findByTrackingID(trackingID)
	if err != nil || msg == nil {
		return false, err
	}

	res := tr.DB.Model(&models.SentMessage{}).
		Where("id = ? AND bounced_at IS NULL", msg.ID).
		Updates(map[string]interface{}{
			"bounced_at": time.Now(),
			"status": gorm.Expr("CASE WHEN status IN (?, ?, ?) THEN ? ELSE status END",
				models.MessageStatusSent, models.MessageStatusOpened, models.MessageStatusClicked,
				models.MessageStatusBounced),
		})
	if res.Error != nil {
		return false, fmt.Errorf("record bounce: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := tr.DB.Model(&models.Campaign{}).Where("id = ?", msg.CampaignID).
		Update("total_bounced", gorm.Expr("total_bounced + 1")).Error; err != nil {
		return true, err
	}
	if err := tr.DB.Model(&models.Lead{}).Where("id = ?", msg.LeadID).
		Update("is_bounced", true).Error; err != nil {
		return true, err
	}
	return true, tr.adjustReputation(tr.DB, msg.SenderID, tr.Config.BounceDelta)
}

// RecordUnsubscribe stamps unsubscribed_at exactly once and cancels every
// other queued message to the same recipient across all campaigns. The
// cascade is a compliance requirement: if any part of it fails the whole
// unsubscribe is rolled back and reported failed rather than half-applied.
func (tr *TrackingRecorder) RecordUnsubscribe(trackingID string) (bool, error) {
	msg, err := tr.findByTrackingID(trackingID)
	if err != nil || msg == nil {
		return false, err
	}

	applied := false
	err = tr.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SentMessage{}).
			Where("id = ? AND unsubscribed_at IS NULL", msg.ID).
			Update("unsubscribed_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if err := tx.Model(&models.Campaign{}).Where("id = ?", msg.CampaignID).
			Update("total_unsubscribed", gorm.Expr("total_unsubscribed + 1")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Lead{}).Where("email = ?", msg.Recipient).
			Update("is_unsubscribed", true).Error; err != nil {
			return err
		}

		return tx.Model(&models.SentMessage{}).
			Where("recipient = ? AND status = ?", msg.Recipient, models.MessageStatusQueued).
			Updates(map[string]interface{}{
				"status":        models.MessageStatusFailed,
				"error_message": UnsubscribedFailureReason,
			}).Error
	})
	if err != nil {
		return false, fmt.Errorf("record unsubscribe: %w", err)
	}

	if applied {
		tr.Logger.Printf("recipient %s unsubscribed, queued mail cancelled", msg.Recipient)
	}
	return applied, nil
}

// bumpCounters increments one campaign-level and one step-level counter
func (tr *TrackingRecorder) bumpCounters(db *gorm.DB, msg *models.SentMessage, campaignCol, stepCol string) error {
	if err := db.Model(&models.Campaign{}).Where("id = ?", msg.CampaignID).
		Update(campaignCol, gorm.Expr(campaignCol+" + 1")).Error; err != nil {
		return fmt.Errorf("bump campaign counter: %w", err)
	}
	if err := db.Model(&models.SequenceStep{}).Where("id = ?", msg.StepID).
		Update(stepCol, gorm.Expr(stepCol+" + 1")).Error; err != nil {
		return fmt.Errorf("bump step counter: %w", err)
	}
	return nil
}

// adjustReputation applies a clamped 0-100 delta in a single statement
func (tr *TrackingRecorder) adjustReputation(db *gorm.DB, senderID uint, delta int) error {
	return db.Model(&models.Sender{}).Where("id = ?", senderID).
		Update("reputation_score", gorm.Expr(
			"CASE WHEN reputation_score + ? > 100 THEN 100 WHEN reputation_score + ? < 0 THEN 0 ELSE reputation_score + ? END",
			delta, delta, delta)).Error
}
