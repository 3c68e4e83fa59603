package engine

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"coldpilot/config"
	"coldpilot/models"
)

// newTestDB gives each test its own in-memory database. The pool is
// pinned to one connection because every sqlite :memory: connection is a
// separate database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newVerifiedSender(t *testing.T, db *gorm.DB, limit int) *models.Sender {
	t.Helper()

	sender := &models.Sender{
		UserID:          1,
		Name:            "primary",
		FromEmail:       "jane@acme.test",
		FromName:        "Jane",
		SMTPHost:        "smtp.acme.test",
		SMTPPort:        587,
		SMTPUsername:    "jane@acme.test",
		SMTPPassword:    "sealed",
		Encryption:      "STARTTLS",
		IsActive:        true,
		IsVerified:      true,
		DailySendLimit:  limit,
		DailyResetAt:    time.Now(),
		ReputationScore: 50,
	}
	require.NoError(t, db.Create(sender).Error)
	return sender
}

type campaignOpts struct {
	delaySeconds int
	steps        []models.SequenceStep
}

// newCampaign creates a draft campaign with its steps. The send window is
// left open around the clock so test runs do not depend on the wall clock.
func newCampaign(t *testing.T, db *gorm.DB, sender *models.Sender, opts campaignOpts) *models.Campaign {
	t.Helper()

	campaign := &models.Campaign{
		UserID:             1,
		SenderID:           sender.ID,
		Name:               "spring outreach",
		Status:             models.CampaignStatusDraft,
		SendStartTime:      "00:00",
		SendEndTime:        "00:00",
		Timezone:           "UTC",
		DelayBetweenEmails: opts.delaySeconds,
	}
	require.NoError(t, db.Create(campaign).Error)

	for i := range opts.steps {
		opts.steps[i].CampaignID = campaign.ID
		opts.steps[i].StepOrder = i + 1
		require.NoError(t, db.Create(&opts.steps[i]).Error)
	}
	require.NoError(t, db.Preload("Steps", func(q *gorm.DB) *gorm.DB {
		return q.Order("step_order ASC")
	}).First(campaign, campaign.ID).Error)
	return campaign
}

func newLeadList(t *testing.T, db *gorm.DB, emails ...string) *models.LeadList {
	t.Helper()

	list := &models.LeadList{UserID: 1, Name: "prospects"}
	require.NoError(t, db.Create(list).Error)
	for _, email := range emails {
		require.NoError(t, db.Create(&models.Lead{
			LeadListID: list.ID,
			UserID:     1,
			Email:      email,
			FirstName:  "Ada",
			Company:    "Acme",
		}).Error)
	}
	return list
}

func reloadSender(t *testing.T, db *gorm.DB, id uint) models.Sender {
	t.Helper()
	var s models.Sender
	require.NoError(t, db.First(&s, id).Error)
	return s
}

func reloadCampaign(t *testing.T, db *gorm.DB, id uint) models.Campaign {
	t.Helper()
	var c models.Campaign
	require.NoError(t, db.First(&c, id).Error)
	return c
}

func reloadMessage(t *testing.T, db *gorm.DB, id uint) models.SentMessage {
	t.Helper()
	var m models.SentMessage
	require.NoError(t, db.First(&m, id).Error)
	return m
}
