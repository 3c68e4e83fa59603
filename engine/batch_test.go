package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldpilot/models"
)

// fakeTransport records dispatches and can be told to fail for specific
// recipients
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: map[string]error{}}
}

func (ft *fakeTransport) Dispatch(sender *models.Sender, email OutboundEmail) (string, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if err, ok := ft.failFor[email.To]; ok {
		return "", err
	}
	ft.sent = append(ft.sent, email.To)
	return email.MessageID, nil
}

func (ft *fakeTransport) sentCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.sent)
}

type batchFixture struct {
	db        *gorm.DB
	transport *fakeTransport
	warmup    *WarmupTracker
	batch     *BatchSender
	runner    *CampaignRunner
	sender    *models.Sender
	campaign  *models.Campaign
}

// newBatchFixture starts a one-step campaign over the given recipients so
// its step-1 messages sit queued and due
func newBatchFixture(t *testing.T, limit int, emails ...string) *batchFixture {
	t.Helper()

	db := newTestDB(t)
	sender := newVerifiedSender(t, db, limit)
	list := newLeadList(t, db, emails...)

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hello {first_name}", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	transport := newFakeTransport()
	warmup := NewWarmupTracker(db, DefaultConfig(), discardLogger())
	sequences := NewSequenceEngine(db, "http://track.test", discardLogger())
	batch := NewBatchSender(db, transport, warmup, sequences, discardLogger())
	runner := NewCampaignRunner(db, warmup, NewLeadResolver(db), nil, "http://track.test", discardLogger())

	require.NoError(t, runner.StartCampaign(campaign.ID))

	return &batchFixture{
		db:        db,
		transport: transport,
		warmup:    warmup,
		batch:     batch,
		runner:    runner,
		sender:    sender,
		campaign:  campaign,
	}
}

func TestProcessCampaignBatchDrainsQueueAndCompletes(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test", "b@x.test", "c@x.test")

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 3, f.transport.sentCount())

	campaign := reloadCampaign(t, f.db, f.campaign.ID)
	assert.Equal(t, models.CampaignStatusCompleted, campaign.Status)
	assert.NotNil(t, campaign.CompletedAt)
	assert.Equal(t, 3, campaign.TotalSent)

	sender := reloadSender(t, f.db, f.sender.ID)
	assert.Equal(t, 3, sender.DailySentCount)
	assert.Equal(t, 3, sender.TotalSent)
	assert.Nil(t, sender.LastError)

	var msgs []models.SentMessage
	require.NoError(t, f.db.Where("campaign_id = ?", f.campaign.ID).Find(&msgs).Error)
	for _, m := range msgs {
		assert.Equal(t, models.MessageStatusSent, m.Status)
		assert.NotNil(t, m.SentAt)
		assert.NotEqual(t, "", m.ProviderMessageID)
	}
}

func TestProcessCampaignBatchRespectsQuota(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test", "b@x.test", "c@x.test")
	require.NoError(t, f.db.Model(f.sender).Update("daily_sent_count", 4).Error)

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, result.Remaining)

	// hard invariant: the counter never exceeds the limit
	sender := reloadSender(t, f.db, f.sender.ID)
	assert.Equal(t, 5, sender.DailySentCount)

	campaign := reloadCampaign(t, f.db, f.campaign.ID)
	assert.Equal(t, models.CampaignStatusActive, campaign.Status)
}

func TestProcessCampaignBatchSkipsExhaustedSender(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test")
	require.NoError(t, f.db.Model(f.sender).Update("daily_sent_count", 5).Error)

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 0, f.transport.sentCount())
}

func TestProcessCampaignBatchTransportFailure(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test", "b@x.test", "c@x.test")
	f.transport.failFor["b@x.test"] = errors.New("550 mailbox unavailable")

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)

	var failed models.SentMessage
	require.NoError(t, f.db.
		Where("campaign_id = ? AND status = ?", f.campaign.ID, models.MessageStatusFailed).
		First(&failed).Error)
	assert.Equal(t, "b@x.test", failed.Recipient)
	assert.Contains(t, failed.ErrorMessage, "550")

	// the failed dispatch hands its quota slot back
	sender := reloadSender(t, f.db, f.sender.ID)
	assert.Equal(t, 2, sender.DailySentCount)
	require.NotNil(t, sender.LastError)
	assert.Contains(t, *sender.LastError, "550")
}

func TestProcessCampaignBatchFailedSendIsNotRetried(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test")
	f.transport.failFor["a@x.test"] = errors.New("552 message too large")

	_, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, f.transport.sentCount())
}

func TestProcessCampaignBatchIgnoresPausedCampaign(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test")
	require.NoError(t, f.runner.PauseCampaign(f.campaign.ID))

	result, err := f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 0, f.transport.sentCount())

	// queued mail survives a pause untouched
	var queued int64
	require.NoError(t, f.db.Model(&models.SentMessage{}).
		Where("campaign_id = ? AND status = ?", f.campaign.ID, models.MessageStatusQueued).
		Count(&queued).Error)
	assert.EqualValues(t, 1, queued)
}

func TestProcessCampaignBatchStopsOnCancelledContext(t *testing.T) {
	f := newBatchFixture(t, 5, "a@x.test", "b@x.test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.batch.ProcessCampaignBatch(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, models.CampaignStatusActive, reloadCampaign(t, f.db, f.campaign.ID).Status)
}

func TestProcessCampaignBatchNotCompletedWhileFollowUpsPending(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db, "a@x.test")

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{
			{Subject: "hello", Body: "<p>hi</p>", SendIfNoReply: true},
			{Subject: "bump", Body: "<p>still there?</p>", DelayDays: 3, SendIfNoReply: true},
		},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	transport := newFakeTransport()
	warmup := NewWarmupTracker(db, DefaultConfig(), discardLogger())
	sequences := NewSequenceEngine(db, "http://track.test", discardLogger())
	batch := NewBatchSender(db, transport, warmup, sequences, discardLogger())
	runner := NewCampaignRunner(db, warmup, NewLeadResolver(db), nil, "http://track.test", discardLogger())

	require.NoError(t, runner.StartCampaign(campaign.ID))

	result, err := batch.ProcessCampaignBatch(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 0, result.Remaining)

	// the follow-up is still three days out, so the campaign stays active
	assert.Equal(t, models.CampaignStatusActive, reloadCampaign(t, db, campaign.ID).Status)
}

func TestConcurrentBatchesShareQuota(t *testing.T) {
	var emails []string
	for i := 0; i < 10; i++ {
		emails = append(emails, fmt.Sprintf("lead%d@x.test", i))
	}
	f := newBatchFixture(t, 4, emails...)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.batch.ProcessCampaignBatch(context.Background(), f.campaign.ID)
		}()
	}
	wg.Wait()

	sender := reloadSender(t, f.db, f.sender.ID)
	assert.LessOrEqual(t, sender.DailySentCount, 4)
	assert.LessOrEqual(t, f.transport.sentCount(), 4)
}

func TestWithinSendWindow(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}
	campaign := func(start, end string) *models.Campaign {
		return &models.Campaign{SendStartTime: start, SendEndTime: end, Timezone: "UTC"}
	}

	assert.True(t, withinSendWindow(campaign("08:00", "18:00"), at(10, 0)))
	assert.False(t, withinSendWindow(campaign("08:00", "18:00"), at(19, 0)))
	assert.False(t, withinSendWindow(campaign("08:00", "18:00"), at(7, 59)))
	assert.True(t, withinSendWindow(campaign("08:00", "18:00"), at(8, 0)))

	// overnight window
	assert.True(t, withinSendWindow(campaign("22:00", "06:00"), at(23, 0)))
	assert.True(t, withinSendWindow(campaign("22:00", "06:00"), at(5, 0)))
	assert.False(t, withinSendWindow(campaign("22:00", "06:00"), at(12, 0)))

	// degenerate and unparsable windows never block
	assert.True(t, withinSendWindow(campaign("00:00", "00:00"), at(3, 0)))
	assert.True(t, withinSendWindow(campaign("", ""), at(3, 0)))
	assert.True(t, withinSendWindow(campaign("noon", "18:00"), at(3, 0)))
}

func TestJitteredDelayStaysWithinBounds(t *testing.T) {
	base := 60
	min := time.Duration(float64(base)*0.7) * time.Second
	max := time.Duration(float64(base)*1.3) * time.Second

	for i := 0; i < 200; i++ {
		d := jitteredDelay(base)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, max)
	}
}
