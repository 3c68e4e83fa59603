package engine

import (
	"fmt"
	"log"
	"time"

	"coldpilot/models"

	"gorm.io/gorm"
)

const (
	ReasonSenderInactive   = "sender is inactive"
	ReasonSenderUnverified = "sender is not verified"
	ReasonDailyLimitHit    = "daily send limit reached"
)

// dailyWindow is the rolling quota window
const dailyWindow = 24 * time.Hour

// WarmupTracker owns each sender's daily quota and the multi-week
// reputation ramp
type WarmupTracker struct {
	DB     *gorm.DB
	Config Config
	Logger *log.Logger
}

func NewWarmupTracker(db *gorm.DB, cfg Config, logger *log.Logger) *WarmupTracker {
	return &WarmupTracker{DB: db, Config: cfg, Logger: logger}
}

// SendDecision is the answer to "may this sender dispatch right now?"
type SendDecision struct {
	CanSend        bool   `json:"can_send"`
	Reason         string `json:"reason,omitempty"`
	RemainingToday int    `json:"remaining_today"`
}

// CanSendNow reports whether the sender may dispatch and how much of the
// daily quota is left. An expired 24h window counts as zero used, but the
// persisted reset is deferred to the atomic increment in ConsumeSendSlot;
// this check alone never mutates state.
func (wt *WarmupTracker) CanSendNow(senderID uint) (SendDecision, error) {
	var sender models.Sender
	if err := wt.DB.First(&sender, senderID).Error; err != nil {
		return SendDecision{}, fmt.Errorf("fetch sender %d: %w", senderID, err)
	}

	if !sender.IsActive {
		return SendDecision{Reason: ReasonSenderInactive}, nil
	}
	if !sender.IsVerified {
		return SendDecision{Reason: ReasonSenderUnverified}, nil
	}

	used := sender.DailySentCount
	if time.Since(sender.DailyResetAt) >= dailyWindow {
		used = 0
	}

	remaining := sender.DailySendLimit - used
	if remaining <= 0 {
		return SendDecision{Reason: ReasonDailyLimitHit}, nil
	}

	return SendDecision{CanSend: true, RemainingToday: remaining}, nil
}

// ConsumeSendSlot reserves one unit of the sender's daily quota as a single
// conditional update, folding the lazy window reset and the increment into
// one statement so concurrent batch runs sharing the sender cannot jointly
// exceed the limit. Returns false when the quota is exhausted.
func (wt *WarmupTracker) ConsumeSendSlot(senderID uint) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-dailyWindow)

	res := wt.DB.Model(&models.Sender{}).
		Where("id = ? AND (daily_sent_count < daily_send_limit OR daily_reset_at <= ?)", senderID, cutoff).
		Updates(map[string]interface{}{
			"daily_sent_count": gorm.Expr("CASE WHEN daily_reset_at <= ? THEN 1 ELSE daily_sent_count + 1 END", cutoff),
			"daily_reset_at":   gorm.Expr("CASE WHEN daily_reset_at <= ? THEN ? ELSE daily_reset_at END", cutoff, now),
		})
	if res.Error != nil {
		return false, fmt.Errorf("consume send slot for sender %d: %w", senderID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSendSlot hands a reserved slot back after a failed dispatch
func (wt *WarmupTracker) ReleaseSendSlot(senderID uint) error {
	return wt.DB.Model(&models.Sender{}).
		Where("id = ? AND daily_sent_count > 0", senderID).
		Update("daily_sent_count", gorm.Expr("daily_sent_count - 1")).Error
}

// AdvanceDay moves a warmup-enabled sender one day along the ramp:
// increments the day counter, recomputes phase and limit, resets the
// daily window, and nudges reputation (+clean / -error) based on whether
// the previous day recorded a send error. Invoked once per elapsed day
// per sender by the warmup worker.
func (wt *WarmupTracker) AdvanceDay(senderID uint) error {
	var sender models.Sender
	if err := wt.DB.First(&sender, senderID).Error; err != nil {
		return fmt.Errorf("fetch sender %d: %w", senderID, err)
	}

	if !sender.WarmupEnabled {
		return nil
	}

	day := sender.WarmupDay + 1
	rule := wt.Config.ruleFor(day)

	delta := wt.Config.CleanDayDelta
	if sender.LastError != nil {
		delta = wt.Config.ErrorDayDelta
	}

	now := time.Now()
	updates := map[string]interface{}{
		"warmup_day":         day,
		"warmup_phase":       rule.Phase,
		"daily_send_limit":   rule.DailyLimit,
		"daily_sent_count":   0,
		"daily_reset_at":     now,
		"warmup_advanced_at": now,
		"reputation_score":   clampScore(sender.ReputationScore + delta),
	}

	if err := wt.DB.Model(&sender).Updates(updates).Error; err != nil {
		return fmt.Errorf("advance warmup day for sender %d: %w", senderID, err)
	}

	wt.Logger.Printf("sender %d advanced to warmup day %d (phase %d, limit %d)",
		senderID, day, rule.Phase, rule.DailyLimit)
	return nil
}

// StartWarmup puts the sender at the beginning of the ramp
func (wt *WarmupTracker) StartWarmup(senderID uint) error {
	first := wt.Config.Ramp[0]
	now := time.Now()
	return wt.DB.Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"warmup_enabled":     true,
			"warmup_day":         1,
			"warmup_phase":       first.Phase,
			"daily_send_limit":   first.DailyLimit,
			"daily_sent_count":   0,
			"daily_reset_at":     now,
			"warmup_advanced_at": now,
		}).Error
}

// SkipWarmup jumps straight to the mature phase and disables further
// auto-advance, for accounts that bring their own reputation
func (wt *WarmupTracker) SkipWarmup(senderID uint) error {
	last := wt.Config.lastRule()
	return wt.DB.Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"warmup_enabled":   false,
			"warmup_day":       last.FromDay,
			"warmup_phase":     last.Phase,
			"daily_send_limit": last.DailyLimit,
			"daily_sent_count": 0,
			"daily_reset_at":   time.Now(),
		}).Error
}

// PauseWarmup stops the daily ramp without touching day or phase
func (wt *WarmupTracker) PauseWarmup(senderID uint) error {
	return wt.DB.Model(&models.Sender{}).Where("id = ?", senderID).
		Update("warmup_enabled", false).Error
}

// ResumeWarmup picks the ramp back up where it left off
func (wt *WarmupTracker) ResumeWarmup(senderID uint) error {
	return wt.DB.Model(&models.Sender{}).Where("id = ?", senderID).
		Update("warmup_enabled", true).Error
}
