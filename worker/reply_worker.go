package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"gorm.io/gorm"

	"coldpilot/engine"
	"coldpilot/models"
	"coldpilot/utils"
)

// ReplyWorker polls each sender's IMAP inbox and matches incoming mail
// against the Message-IDs we sent, feeding confirmed replies into the
// tracking recorder. It only flags replies; it does not store mail.
type ReplyWorker struct {
	DB       *gorm.DB
	Recorder *engine.TrackingRecorder
	Interval time.Duration
	Logger   *log.Logger
}

func NewReplyWorker(db *gorm.DB, recorder *engine.TrackingRecorder, interval time.Duration, logger *log.Logger) *ReplyWorker {
	return &ReplyWorker{
		DB:       db,
		Recorder: recorder,
		Interval: interval,
		Logger:   logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Println("Reply worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply worker shutting down...")
			return
		case <-ticker.C:
			rw.scanAllSenders(ctx)
		}
	}
}

func (rw *ReplyWorker) scanAllSenders(ctx context.Context) {
	var senders []models.Sender
	err := rw.DB.
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&senders).Error
	if err != nil {
		rw.Logger.Printf("Error fetching senders: %v", err)
		return
	}

	for _, sender := range senders {
		if ctx.Err() != nil {
			return
		}
		if err := rw.scanSender(&sender); err != nil {
			rw.Logger.Printf("Error scanning inbox for sender %d: %v", sender.ID, err)
		}
	}
}

func (rw *ReplyWorker) scanSender(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %v", err)
	}

	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	var imapClient *client.Client
	if sender.IMAPPort == 993 {
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			ServerName: sender.IMAPHost,
		})
	} else {
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: sender.IMAPHost,
			})
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	username := sender.IMAPUsername
	if username == "" {
		username = sender.SMTPUsername
	}
	if err := imapClient.Login(username, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		if err := rw.matchReply(sender.ID, msg.Envelope.InReplyTo); err != nil {
			rw.Logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

// matchReply resolves an In-Reply-To header to one of our sent messages.
// Recording is idempotent, so rescanning the same mail is harmless.
func (rw *ReplyWorker) matchReply(senderID uint, inReplyTo string) error {
	candidates := strings.Fields(inReplyTo)
	if len(candidates) == 0 {
		return nil
	}

	var sent models.SentMessage
	err := rw.DB.
		Where("sender_id = ? AND provider_message_id IN ?", senderID, candidates).
		First(&sent).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	applied, err := rw.Recorder.RecordReply(sent.TrackingID)
	if err != nil {
		return err
	}
	if applied {
		rw.Logger.Printf("reply detected for message %d (campaign %d)", sent.ID, sent.CampaignID)
	}
	return nil
}
