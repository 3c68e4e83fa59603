package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"coldpilot/models"

	"gorm.io/gorm"
)

// CancelledFailureReason marks queued mail killed by a campaign cancel
const CancelledFailureReason = "Campaign cancelled"

// OutboundEmail is what the transport collaborator gets to dispatch.
// Tracking pixel and rewritten links are already baked into HTML.
type OutboundEmail struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	ReplyTo   string
	MessageID string
	Headers   map[string]string
}

// Transport dispatches one rendered email through the sender's mailbox
// and returns the provider's message ID when it has one.
type Transport interface {
	Dispatch(sender *models.Sender, email OutboundEmail) (string, error)
}

// BatchResult summarizes one batch run
type BatchResult struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// BatchSender drains a campaign's queued messages through its sender,
// respecting the daily quota and humane pacing
type BatchSender struct {
	DB        *gorm.DB
	Transport Transport
	Warmup    *WarmupTracker
	Sequences *SequenceEngine
	Logger    *log.Logger
}

func NewBatchSender(db *gorm.DB, transport Transport, warmup *WarmupTracker, sequences *SequenceEngine, logger *log.Logger) *BatchSender {
	return &BatchSender{DB: db, Transport: transport, Warmup: warmup, Sequences: sequences, Logger: logger}
}

// ProcessCampaignBatch sends up to the sender's remaining daily quota of
// queued messages, oldest first. Messages are dispatched sequentially with
// a jittered inter-send delay; a transport failure marks that one message
// failed and moves on. The quota is reserved per message through an atomic
// conditional update, so concurrent batch runs sharing a sender cannot
// jointly exceed the limit.
func (bs *BatchSender) ProcessCampaignBatch(ctx context.Context, campaignID uint) (BatchResult, error) {
	var result BatchResult

	var campaign models.Campaign
	if err := bs.DB.First(&campaign, campaignID).Error; err != nil {
		return result, fmt.Errorf("fetch campaign %d: %w", campaignID, err)
	}
	if campaign.Status != models.CampaignStatusActive {
		return result, nil
	}
	if !withinSendWindow(&campaign, time.Now()) {
		return result, nil
	}

	decision, err := bs.Warmup.CanSendNow(campaign.SenderID)
	if err != nil {
		return result, err
	}
	if !decision.CanSend {
		bs.Logger.Printf("campaign %d batch skipped: %s", campaignID, decision.Reason)
		return result, nil
	}

	var sender models.Sender
	if err := bs.DB.First(&sender, campaign.SenderID).Error; err != nil {
		return result, fmt.Errorf("fetch sender %d: %w", campaign.SenderID, err)
	}

	var batch []models.SentMessage
	err = bs.DB.
		Where("campaign_id = ? AND status = ? AND scheduled_at <= ?",
			campaignID, models.MessageStatusQueued, time.Now()).
		Order("scheduled_at ASC").
		Limit(decision.RemainingToday).
		Find(&batch).Error
	if err != nil {
		return result, fmt.Errorf("fetch queued batch: %w", err)
	}

	for i := range batch {
		msg := &batch[i]

		// cooperative cancellation: a pause or cancel that lands mid-batch
		// stops us before the next send
		if ctx.Err() != nil {
			break
		}
		if status, err := bs.campaignStatus(campaignID); err != nil || status != models.CampaignStatusActive {
			break
		}

		if campaign.DelayBetweenEmails > 0 {
			if err := sleepContext(ctx, jitteredDelay(campaign.DelayBetweenEmails)); err != nil {
				break
			}
		}

		// claim the row; an unsubscribe cascade or concurrent run may have
		// taken it already
		claim := bs.DB.Model(&models.SentMessage{}).
			Where("id = ? AND status = ?", msg.ID, models.MessageStatusQueued).
			Update("status", models.MessageStatusSending)
		if claim.Error != nil {
			return result, fmt.Errorf("claim message %d: %w", msg.ID, claim.Error)
		}
		if claim.RowsAffected == 0 {
			continue
		}

		reserved, err := bs.Warmup.ConsumeSendSlot(campaign.SenderID)
		if err != nil {
			bs.requeue(msg.ID)
			return result, err
		}
		if !reserved {
			// quota exhausted, leave the rest for the next window
			bs.requeue(msg.ID)
			break
		}

		if err := bs.dispatchOne(&sender, msg); err != nil {
			if slotErr := bs.Warmup.ReleaseSendSlot(campaign.SenderID); slotErr != nil {
				bs.Logger.Printf("release send slot for sender %d: %v", campaign.SenderID, slotErr)
			}
			result.Failed++
			continue
		}
		result.Sent++
	}

	var remaining int64
	err = bs.DB.Model(&models.SentMessage{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.MessageStatusQueued).
		Count(&remaining).Error
	if err != nil {
		return result, fmt.Errorf("count remaining: %w", err)
	}
	result.Remaining = int(remaining)

	if remaining == 0 {
		pending, err := bs.Sequences.PendingFollowUps(campaignID)
		if err != nil {
			return result, err
		}
		if pending == 0 {
			err = bs.DB.Model(&models.Campaign{}).
				Where("id = ? AND status = ?", campaignID, models.CampaignStatusActive).
				Updates(map[string]interface{}{
					"status":       models.CampaignStatusCompleted,
					"completed_at": time.Now(),
				}).Error
			if err != nil {
				return result, fmt.Errorf("complete campaign %d: %w", campaignID, err)
			}
		}
	}

	return result, nil
}

// dispatchOne pushes a single claimed message through the transport and
// records the outcome on the message, sender, campaign and step
func (bs *BatchSender) dispatchOne(sender *models.Sender, msg *models.SentMessage) error {
	messageID := buildMessageID(sender.FromEmail)

	providerID, err := bs.Transport.Dispatch(sender, OutboundEmail{
		To:        msg.Recipient,
		ToName:    msg.RecipientName,
		Subject:   msg.Subject,
		HTML:      msg.Body,
		ReplyTo:   sender.FromEmail,
		MessageID: messageID,
	})
	if err != nil {
		bs.Logger.Printf("dispatch to %s failed: %v", msg.Recipient, err)
		bs.DB.Model(&models.SentMessage{}).Where("id = ?", msg.ID).
			Updates(map[string]interface{}{
				"status":        models.MessageStatusFailed,
				"error_message": err.Error(),
			})
		bs.DB.Model(&models.Sender{}).Where("id = ?", sender.ID).
			Update("last_error", err.Error())
		return err
	}
	if providerID != "" {
		messageID = providerID
	}

	now := time.Now()
	if err := bs.DB.Model(&models.SentMessage{}).Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"status":              models.MessageStatusSent,
			"sent_at":             now,
			"provider_message_id": messageID,
		}).Error; err != nil {
		return fmt.Errorf("mark message %d sent: %w", msg.ID, err)
	}

	bs.DB.Model(&models.Campaign{}).Where("id = ?", msg.CampaignID).
		Update("total_sent", gorm.Expr("total_sent + 1"))
	bs.DB.Model(&models.SequenceStep{}).Where("id = ?", msg.StepID).
		Update("sent_count", gorm.Expr("sent_count + 1"))
	bs.DB.Model(&models.Sender{}).Where("id = ?", sender.ID).
		Updates(map[string]interface{}{
			"total_sent": gorm.Expr("total_sent + 1"),
			"last_error": nil,
		})
	bs.DB.Model(&models.Lead{}).Where("id = ?", msg.LeadID).
		Update("last_contact", now)

	return nil
}

func (bs *BatchSender) campaignStatus(campaignID uint) (string, error) {
	var status string
	err := bs.DB.Model(&models.Campaign{}).Where("id = ?", campaignID).
		Pluck("status", &status).Error
	return status, err
}

func (bs *BatchSender) requeue(msgID uint) {
	bs.DB.Model(&models.SentMessage{}).
		Where("id = ? AND status = ?", msgID, models.MessageStatusSending).
		Update("status", models.MessageStatusQueued)
}

// jitteredDelay spreads the configured pacing by +-30% so the cadence
// does not look robotic to spam filters
func jitteredDelay(baseSeconds int) time.Duration {
	factor := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(baseSeconds) * factor * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withinSendWindow checks the campaign's local send window. An empty or
// degenerate window (start == end) means the campaign may send at any hour.
func withinSendWindow(campaign *models.Campaign, now time.Time) bool {
	start, okStart := parseClock(campaign.SendStartTime)
	end, okEnd := parseClock(campaign.SendEndTime)
	if !okStart || !okEnd || start == end {
		return true
	}

	loc, err := time.LoadLocation(campaign.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	// overnight window, e.g. 22:00 - 06:00
	return minute >= start || minute < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
