package mailer

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"coldpilot/engine"
	"coldpilot/models"
	"coldpilot/utils"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPTransport implements engine.Transport over each sender's own SMTP
// credentials. One dialer per dispatch keeps connection state out of the
// hot path; providers aggressively drop idle cold-email connections anyway.
type SMTPTransport struct{}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{}
}

func (st *SMTPTransport) Dispatch(sender *models.Sender, email engine.OutboundEmail) (string, error) {
	password, err := utils.Decrypt(sender.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("decrypt SMTP password: %w", err)
	}

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(sender.FromEmail, sender.FromName))
	m.SetHeader("To", m.FormatAddress(email.To, email.ToName))
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", email.MessageID)
	if email.ReplyTo != "" {
		m.SetHeader("Reply-To", email.ReplyTo)
	}
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", email.HTML)

	if err := dialer.DialAndSend(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"sender_id": sender.ID,
			"smtp_host": sender.SMTPHost,
			"to":        email.To,
			"temporary": isTemporaryError(err),
		}).WithError(err).Warn("smtp dispatch failed")
		return "", fmt.Errorf("send failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"sender_id":  sender.ID,
		"to":         email.To,
		"message_id": email.MessageID,
	}).Info("email dispatched")

	return email.MessageID, nil
}

// Test dials the sender's SMTP server without sending anything; used by
// the sender verification endpoint
func (st *SMTPTransport) Test(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.SMTPPassword)
	if err != nil {
		return fmt.Errorf("decrypt SMTP password: %w", err)
	}

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}

	closer, err := dialer.Dial()
	if err != nil {
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	return closer.Close()
}

// isTemporaryError classifies SMTP/network failures; 4xx codes and
// transient network errors may succeed on a later campaign sweep
func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	tempErrors := []string{
		"try again",
		"temporary",
		"421",
		"450",
		"451",
		"452",
	}
	for _, tempErr := range tempErrors {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}
	return false
}
