package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldpilot/models"
	"coldpilot/utils"
)

type fakeDispatcher struct {
	enqueued []uint
}

func (fd *fakeDispatcher) Enqueue(campaignID uint) {
	fd.enqueued = append(fd.enqueued, campaignID)
}

func newRunner(db *gorm.DB, dispatcher Dispatcher) *CampaignRunner {
	warmup := NewWarmupTracker(db, DefaultConfig(), discardLogger())
	return NewCampaignRunner(db, warmup, NewLeadResolver(db), dispatcher, "http://track.test", discardLogger())
}

func TestStartCampaignEnqueuesFirstStep(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db, "ada@x.test", "bob@x.test")
	require.NoError(t, db.Create(&models.Lead{
		LeadListID: list.ID, UserID: 1, Email: "gone@x.test", IsUnsubscribed: true,
	}).Error)

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi {first_name} from {company}", Body: "<p>hello {first_name}</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	dispatcher := &fakeDispatcher{}
	runner := newRunner(db, dispatcher)
	require.NoError(t, runner.StartCampaign(campaign.ID))

	reloaded := reloadCampaign(t, db, campaign.ID)
	assert.Equal(t, models.CampaignStatusActive, reloaded.Status)
	assert.NotNil(t, reloaded.StartedAt)
	assert.Equal(t, 2, reloaded.TotalRecipients)
	assert.Equal(t, []uint{campaign.ID}, dispatcher.enqueued)

	var msgs []models.SentMessage
	require.NoError(t, db.Where("campaign_id = ?", campaign.ID).Order("recipient ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2)

	ada := msgs[0]
	assert.Equal(t, "ada@x.test", ada.Recipient)
	assert.Equal(t, models.MessageStatusQueued, ada.Status)
	assert.Equal(t, "hi Ada from Acme", ada.Subject)
	assert.Contains(t, ada.Body, "hello Ada")
	assert.NotEqual(t, "", ada.TrackingID)
	assert.Contains(t, ada.Body, utils.TrackingPixelURL("http://track.test", ada.TrackingID))
	assert.Contains(t, ada.Body, utils.UnsubscribeURL("http://track.test", ada.TrackingID))
	assert.NotEqual(t, ada.TrackingID, msgs[1].TrackingID)
}

func TestStartCampaignRejectsTerminal(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("status", models.CampaignStatusCancelled).Error)

	err := newRunner(db, nil).StartCampaign(campaign.ID)
	assert.ErrorIs(t, err, ErrCampaignFinished)
}

func TestStartCampaignRejectsEmptySequence(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	campaign := newCampaign(t, db, sender, campaignOpts{})

	err := newRunner(db, nil).StartCampaign(campaign.ID)
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestStartCampaignRejectsUnverifiedSender(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	require.NoError(t, db.Model(sender).Update("is_verified", false).Error)

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})

	err := newRunner(db, nil).StartCampaign(campaign.ID)
	assert.ErrorIs(t, err, ErrSenderUnavailable)
	assert.Contains(t, err.Error(), ReasonSenderUnverified)
	assert.Equal(t, models.CampaignStatusDraft, reloadCampaign(t, db, campaign.ID).Status)
}

func TestStartCampaignRejectsEmptyRecipients(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db) // no leads

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	err := newRunner(db, nil).StartCampaign(campaign.ID)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestStartCampaignExplicitLeadsWinOverList(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db, "listed@x.test")

	picked := &models.Lead{LeadListID: list.ID, UserID: 1, Email: "picked@x.test", FirstName: "Pia"}
	require.NoError(t, db.Create(picked).Error)

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)
	require.NoError(t, db.Create(&models.CampaignLead{CampaignID: campaign.ID, LeadID: picked.ID}).Error)

	require.NoError(t, newRunner(db, nil).StartCampaign(campaign.ID))

	var msgs []models.SentMessage
	require.NoError(t, db.Where("campaign_id = ?", campaign.ID).Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, "picked@x.test", msgs[0].Recipient)
}

func TestStartCampaignResumeDoesNotRequeue(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db, "ada@x.test", "bob@x.test")

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	runner := newRunner(db, nil)
	require.NoError(t, runner.StartCampaign(campaign.ID))
	require.NoError(t, runner.PauseCampaign(campaign.ID))
	require.NoError(t, runner.StartCampaign(campaign.ID))

	var count int64
	require.NoError(t, db.Model(&models.SentMessage{}).
		Where("campaign_id = ?", campaign.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)
	assert.Equal(t, models.CampaignStatusActive, reloadCampaign(t, db, campaign.ID).Status)
}

func TestPauseCampaignRequiresActive(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})

	err := newRunner(db, nil).PauseCampaign(campaign.ID)
	assert.ErrorIs(t, err, ErrCampaignNotActive)
}

func TestCancelCampaignFailsQueuedMail(t *testing.T) {
	db := newTestDB(t)
	sender := newVerifiedSender(t, db, 50)
	list := newLeadList(t, db, "ada@x.test", "bob@x.test")

	campaign := newCampaign(t, db, sender, campaignOpts{
		steps: []models.SequenceStep{{Subject: "hi", Body: "<p>hi</p>", SendIfNoReply: true}},
	})
	require.NoError(t, db.Model(campaign).Update("lead_list_id", list.ID).Error)

	runner := newRunner(db, nil)
	require.NoError(t, runner.StartCampaign(campaign.ID))

	// one message already went out before the cancel
	var first models.SentMessage
	require.NoError(t, db.Where("campaign_id = ?", campaign.ID).Order("id ASC").First(&first).Error)
	now := time.Now()
	require.NoError(t, db.Model(&first).Updates(map[string]interface{}{
		"status": models.MessageStatusSent, "sent_at": now,
	}).Error)

	require.NoError(t, runner.CancelCampaign(campaign.ID))

	reloaded := reloadCampaign(t, db, campaign.ID)
	assert.Equal(t, models.CampaignStatusCancelled, reloaded.Status)
	assert.NotNil(t, reloaded.CompletedAt)

	assert.Equal(t, models.MessageStatusSent, reloadMessage(t, db, first.ID).Status)

	var failed []models.SentMessage
	require.NoError(t, db.Where("campaign_id = ? AND status = ?",
		campaign.ID, models.MessageStatusFailed).Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Equal(t, CancelledFailureReason, failed[0].ErrorMessage)

	// a cancelled campaign stays cancelled
	assert.ErrorIs(t, runner.CancelCampaign(campaign.ID), ErrCampaignFinished)
	assert.ErrorIs(t, runner.StartCampaign(campaign.ID), ErrCampaignFinished)
}

func TestLeadResolverDropsMalformedAddresses(t *testing.T) {
	db := newTestDB(t)
	list := newLeadList(t, db, "good@x.test")
	require.NoError(t, db.Create(&models.Lead{LeadListID: list.ID, UserID: 1, Email: "not-an-address"}).Error)

	campaign := &models.Campaign{LeadListID: &list.ID}
	leads, err := NewLeadResolver(db).Resolve(campaign)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "good@x.test", leads[0].Email)
}

func TestBuildMessageIDUsesSenderDomain(t *testing.T) {
	id := buildMessageID("jane@acme.test")
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@acme.test>"))

	// malformed addresses still yield a usable Message-ID
	assert.True(t, strings.HasSuffix(buildMessageID("nodomain"), "@localhost>"))
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{ErrCampaignFinished, ErrCampaignNotActive, ErrNoSteps, ErrNoRecipients, ErrSenderUnavailable}
	for i, a := range all {
		for j, b := range all {
			if i != j {
				assert.False(t, errors.Is(a, b))
			}
		}
	}
}
