package worker

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"coldpilot/engine"
	"coldpilot/models"
)

// CampaignWorker owns campaign delivery. Explicit starts arrive through
// Enqueue; a periodic sweep picks up due follow-ups and anything the queue
// dropped, so no campaign depends on a fire-and-forget goroutine.
type CampaignWorker struct {
	DB        *gorm.DB
	Batch     *engine.BatchSender
	Sequences *engine.SequenceEngine
	Interval  time.Duration
	Logger    *log.Logger

	queue chan uint
}

func NewCampaignWorker(db *gorm.DB, batch *engine.BatchSender, sequences *engine.SequenceEngine, interval time.Duration, logger *log.Logger) *CampaignWorker {
	return &CampaignWorker{
		DB:        db,
		Batch:     batch,
		Sequences: sequences,
		Interval:  interval,
		Logger:    logger,
		queue:     make(chan uint, 64),
	}
}

// Enqueue requests prompt processing of a campaign. It never blocks; a
// full queue is fine because the sweep revisits every active campaign.
func (cw *CampaignWorker) Enqueue(campaignID uint) {
	select {
	case cw.queue <- campaignID:
	default:
		cw.Logger.Printf("CAMPAIGN: queue full, campaign %d deferred to sweep", campaignID)
	}
}

func (cw *CampaignWorker) Start(ctx context.Context) {
	cw.Logger.Println("Campaign worker started")

	ticker := time.NewTicker(cw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.Logger.Println("Campaign worker shutting down...")
			return
		case campaignID := <-cw.queue:
			cw.process(ctx, campaignID)
		case <-ticker.C:
			cw.sweep(ctx)
		}
	}
}

// sweep schedules due follow-ups and flushes the queued backlog for every
// active campaign
func (cw *CampaignWorker) sweep(ctx context.Context) {
	var ids []uint
	err := cw.DB.Model(&models.Campaign{}).
		Where("status = ?", models.CampaignStatusActive).
		Pluck("id", &ids).Error
	if err != nil {
		cw.Logger.Printf("Error fetching active campaigns: %v", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		cw.process(ctx, id)
	}
}

func (cw *CampaignWorker) process(ctx context.Context, campaignID uint) {
	scheduled, err := cw.Sequences.ScheduleNextStep(campaignID)
	if err != nil {
		cw.Logger.Printf("Error scheduling follow-ups for campaign %d: %v", campaignID, err)
	} else if scheduled > 0 {
		cw.Logger.Printf("campaign %d: scheduled %d follow-up messages", campaignID, scheduled)
	}

	result, err := cw.Batch.ProcessCampaignBatch(ctx, campaignID)
	if err != nil {
		cw.Logger.Printf("Error processing batch for campaign %d: %v", campaignID, err)
		return
	}
	if result.Sent > 0 || result.Failed > 0 {
		cw.Logger.Printf("campaign %d: sent %d, failed %d, %d remaining",
			campaignID, result.Sent, result.Failed, result.Remaining)
	}
}
