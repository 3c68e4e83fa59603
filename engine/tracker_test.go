package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldpilot/models"
	"coldpilot/utils"
)

type trackerFixture struct {
	db       *gorm.DB
	recorder *TrackingRecorder
	sender   *models.Sender
	campaign *models.Campaign
	step     models.SequenceStep
	lead     models.Lead
	msg      models.SentMessage
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hello {first_name}", Body: "<p>hi</p>"}},
	})
	list := newLeadList(t, db, "ada@lovelace.test")

	var lead models.Lead
	require.NoError(t, db.Where("lead_list_id = ?", list.ID).First(&lead).Error)

	now := time.Now()
	msg := models.SentMessage{
		CampaignID:  campaign.ID,
		StepID:      campaign.Steps[0].ID,
		SenderID:    sender.ID,
		LeadID:      lead.ID,
		Recipient:   lead.Email,
		Subject:     "hello Ada",
		Body:        "<p>hi</p>",
		TrackingID:  utils.NewTrackingID(),
		Status:      models.MessageStatusSent,
		ScheduledAt: now,
		SentAt:      &now,
	}
	require.NoError(t, db.Create(&msg).Error)

	return &trackerFixture{
		db:       db,
		recorder: NewTrackingRecorder(db, DefaultConfig(), discardLogger()),
		sender:   sender,
		campaign: campaign,
		step:     campaign.Steps[0],
		lead:     lead,
		msg:      msg,
	}
}

func TestRecordOpenIsIdempotent(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordOpen(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	for i := 0; i < 3; i++ {
		applied, err = f.recorder.RecordOpen(f.msg.TrackingID)
		require.NoError(t, err)
		assert.False(t, applied)
	}

	got := reloadMessage(t, f.db, f.msg.ID)
	assert.Equal(t, models.MessageStatusOpened, got.Status)
	require.NotNil(t, got.OpenedAt)

	assert.Equal(t, 1, reloadCampaign(t, f.db, f.campaign.ID).TotalOpened)

	var step models.SequenceStep
	require.NoError(t, f.db.First(&step, f.step.ID).Error)
	assert.Equal(t, 1, step.OpenedCount)
}

func TestRecordOpenUnknownID(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordOpen("no-such-token")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRecordClickBackfillsOpen(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordClick(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	got := reloadMessage(t, f.db, f.msg.ID)
	assert.Equal(t, models.MessageStatusClicked, got.Status)
	require.NotNil(t, got.OpenedAt)
	require.NotNil(t, got.ClickedAt)

	campaign := reloadCampaign(t, f.db, f.campaign.ID)
	assert.Equal(t, 1, campaign.TotalOpened)
	assert.Equal(t, 1, campaign.TotalClicked)

	// a second click changes nothing
	applied, err = f.recorder.RecordClick(f.msg.TrackingID)
	require.NoError(t, err)
	assert.False(t, applied)
	campaign = reloadCampaign(t, f.db, f.campaign.ID)
	assert.Equal(t, 1, campaign.TotalOpened)
	assert.Equal(t, 1, campaign.TotalClicked)
}

func TestRecordReplyRewardsSender(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordReply(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	got := reloadMessage(t, f.db, f.msg.ID)
	assert.Equal(t, models.MessageStatusReplied, got.Status)
	assert.Equal(t, 52, reloadSender(t, f.db, f.sender.ID).ReputationScore)
	assert.Equal(t, 1, reloadCampaign(t, f.db, f.campaign.ID).TotalReplied)

	// replays do not stack the reward
	applied, err = f.recorder.RecordReply(f.msg.TrackingID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 52, reloadSender(t, f.db, f.sender.ID).ReputationScore)
}

func TestRecordBounceFlagsLead(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordBounce(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, models.MessageStatusBounced, reloadMessage(t, f.db, f.msg.ID).Status)
	assert.Equal(t, 47, reloadSender(t, f.db, f.sender.ID).ReputationScore)
	assert.Equal(t, 1, reloadCampaign(t, f.db, f.campaign.ID).TotalBounced)

	var lead models.Lead
	require.NoError(t, f.db.First(&lead, f.lead.ID).Error)
	assert.True(t, lead.IsBounced)
	assert.False(t, lead.Contactable())

	applied, err = f.recorder.RecordBounce(f.msg.TrackingID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 47, reloadSender(t, f.db, f.sender.ID).ReputationScore)
}

func TestRecordUnsubscribeCancelsAllQueuedMail(t *testing.T) {
	f := newTrackerFixture(t)

	// queued mail to the same recipient in a different campaign must be
	// cancelled too
	other := newCampaign(t, f.db, f.sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "other", Body: "<p>x</p>"}},
	})
	queued := models.SentMessage{
		CampaignID:  other.ID,
		StepID:      other.Steps[0].ID,
		SenderID:    f.sender.ID,
		LeadID:      f.lead.ID,
		Recipient:   f.lead.Email,
		Subject:     "other",
		Body:        "<p>x</p>",
		TrackingID:  utils.NewTrackingID(),
		Status:      models.MessageStatusQueued,
		ScheduledAt: time.Now(),
	}
	require.NoError(t, f.db.Create(&queued).Error)

	applied, err := f.recorder.RecordUnsubscribe(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	var lead models.Lead
	require.NoError(t, f.db.First(&lead, f.lead.ID).Error)
	assert.True(t, lead.IsUnsubscribed)

	got := reloadMessage(t, f.db, queued.ID)
	assert.Equal(t, models.MessageStatusFailed, got.Status)
	assert.Equal(t, UnsubscribedFailureReason, got.ErrorMessage)

	assert.Equal(t, 1, reloadCampaign(t, f.db, f.campaign.ID).TotalUnsubscribed)

	// a second hit on the link is a no-op
	applied, err = f.recorder.RecordUnsubscribe(f.msg.TrackingID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, reloadCampaign(t, f.db, f.campaign.ID).TotalUnsubscribed)
}

func TestRecordUnsubscribeAlreadySentMailUntouched(t *testing.T) {
	f := newTrackerFixture(t)

	applied, err := f.recorder.RecordUnsubscribe(f.msg.TrackingID)
	require.NoError(t, err)
	assert.True(t, applied)

	// the already-delivered message keeps its state
	got := reloadMessage(t, f.db, f.msg.ID)
	assert.Equal(t, models.MessageStatusSent, got.Status)
	require.NotNil(t, got.UnsubscribedAt)
}
