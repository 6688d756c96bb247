package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"outreachly/config"
	"outreachly/engine"
	"outreachly/models"
	"outreachly/store"
)

// ReplyWorker polls the outreach mailbox over IMAP and feeds every reply to
// a sent campaign email into the reply handler. Messages that do not thread
// back to a campaign send are left alone.
type ReplyWorker struct {
	cfg      config.IMAPConfig
	store    store.Store
	handler  *engine.ReplyHandler
	interval time.Duration
	logger   *logrus.Entry
}

func NewReplyWorker(cfg config.IMAPConfig, st store.Store, handler *engine.ReplyHandler, interval time.Duration, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{
		cfg:      cfg,
		store:    st,
		handler:  handler,
		interval: interval,
		logger:   logger,
	}
}

// Start polls until ctx is cancelled.
func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.WithField("interval", rw.interval.String()).Info("reply worker started")
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reply worker stopped")
			return
		case <-ticker.C:
			if err := rw.poll(ctx); err != nil {
				rw.logger.WithError(err).Error("reply poll failed")
			}
		}
	}
}

func (rw *ReplyWorker) poll(ctx context.Context) error {
	host := rw.cfg.Address
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	imapClient, err := client.DialTLS(rw.cfg.Address, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.cfg.Username, rw.cfg.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := rw.cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(ctx, msg, section); err != nil {
			rw.logger.WithError(err).WithField("seq", msg.SeqNum).Error("failed to process inbound message")
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}
	return nil
}

func (rw *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message, section *imap.BodySectionName) error {
	if msg.Envelope == nil {
		return fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}

	inReplyTo := msg.Envelope.InReplyTo
	if inReplyTo == "" {
		return nil // not a reply
	}

	sent, err := rw.store.FindActivityByMessageID(ctx, inReplyTo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // reply to something we did not send
		}
		return err
	}
	if sent.ActivityType != models.ActivitySent {
		return nil
	}

	body, err := extractTextBody(msg, section)
	if err != nil {
		return err
	}

	receivedAt := msg.Envelope.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return rw.handler.HandleReply(ctx, engine.ReplyEvent{
		CampaignID: sent.CampaignID,
		LeadID:     sent.LeadID,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		Body:       body,
		ReceivedAt: receivedAt,
	})
}

// extractTextBody walks the MIME parts and returns the plain-text body,
// falling back to HTML when that is all the sender gave us.
func extractTextBody(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	literal, ok := msg.Body[section]
	if !ok || literal == nil {
		return "", fmt.Errorf("message body not found")
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", fmt.Errorf("failed to create message reader: %w", err)
	}

	var bodyText, bodyHTML string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("failed to read body: %w", err)
			}
			if strings.Contains(contentType, "text/plain") {
				bodyText = string(b)
			} else if strings.Contains(contentType, "text/html") {
				bodyHTML = string(b)
			}
		}
	}

	if bodyText != "" {
		return bodyText, nil
	}
	return bodyHTML, nil
}
