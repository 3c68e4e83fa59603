package worker

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"coldpilot/engine"
	"coldpilot/models"
)

// WarmupWorker drives the daily ramp: every tick it finds warmup-enabled
// senders whose last advancement is at least a day old and moves each one
// forward.
type WarmupWorker struct {
	DB       *gorm.DB
	Warmup   *engine.WarmupTracker
	Interval time.Duration
	Logger   *log.Logger
}

func NewWarmupWorker(db *gorm.DB, warmup *engine.WarmupTracker, interval time.Duration, logger *log.Logger) *WarmupWorker {
	return &WarmupWorker{
		DB:       db,
		Warmup:   warmup,
		Interval: interval,
		Logger:   logger,
	}
}

func (ww *WarmupWorker) Start(ctx context.Context) {
	ww.Logger.Println("Warmup worker started")

	ticker := time.NewTicker(ww.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ww.Logger.Println("Warmup worker shutting down...")
			return
		case <-ticker.C:
			ww.advanceDueSenders()
		}
	}
}

func (ww *WarmupWorker) advanceDueSenders() {
	cutoff := time.Now().Add(-24 * time.Hour)

	var senders []models.Sender
	err := ww.DB.
		Where("warmup_enabled = ? AND (warmup_advanced_at IS NULL OR warmup_advanced_at <= ?)", true, cutoff).
		Find(&senders).Error
	if err != nil {
		ww.Logger.Printf("Error fetching due senders: %v", err)
		return
	}

	for _, sender := range senders {
		if err := ww.Warmup.AdvanceDay(sender.ID); err != nil {
			ww.Logger.Printf("Error advancing warmup for sender %d: %v", sender.ID, err)
		}
	}
}
