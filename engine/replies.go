package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

// ReplyEvent is one inbound reply, already resolved to a campaign and lead.
// MessageID is the reply's own Message-ID header and deduplicates redelivery.
type ReplyEvent struct {
	CampaignID uint
	LeadID     uint
	MessageID  string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// ReplyHandler classifies inbound replies and applies the resulting
// transition: booking a meeting, unsubscribing, re-arming an out-of-office
// lead, or retiring the sequence.
type ReplyHandler struct {
	store    store.Store
	analyzer *utils.ResponseAnalyzer
	meetings utils.MeetingScheduler
	locks    *KeyedLocks
	events   *Broadcaster
	logger   *logrus.Entry

	now func() time.Time
}

func NewReplyHandler(
	st store.Store,
	analyzer *utils.ResponseAnalyzer,
	meetings utils.MeetingScheduler,
	locks *KeyedLocks,
	events *Broadcaster,
	logger *logrus.Entry,
) *ReplyHandler {
	if locks == nil {
		locks = NewKeyedLocks()
	}
	return &ReplyHandler{
		store:    st,
		analyzer: analyzer,
		meetings: meetings,
		locks:    locks,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleReply processes one inbound reply end to end. Delivery is
// at-least-once; a reply already recorded is a silent no-op.
func (h *ReplyHandler) HandleReply(ctx context.Context, ev ReplyEvent) error {
	log := h.logger.WithFields(logrus.Fields{
		"campaign_id": ev.CampaignID,
		"lead_id":     ev.LeadID,
		"message_id":  ev.MessageID,
	})

	if ev.MessageID != "" {
		seen, err := h.store.HasActivity(ctx, ev.MessageID)
		if err != nil {
			return err
		}
		if seen {
			log.Debug("reply already processed, skipping")
			return nil
		}
	}

	unlock := h.locks.Lock(StateKey(ev.CampaignID, ev.LeadID))
	defer unlock()

	campaign, err := h.store.GetCampaign(ctx, ev.CampaignID)
	if err != nil {
		return err
	}
	lead, err := h.store.GetLead(ctx, ev.LeadID)
	if err != nil {
		return err
	}
	state, err := h.store.GetSequenceState(ctx, ev.CampaignID, ev.LeadID)
	if err != nil {
		return err
	}

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}
	if err := h.store.RecordActivity(ctx, &models.EmailActivity{
		CampaignID:   ev.CampaignID,
		LeadID:       ev.LeadID,
		ActivityType: models.ActivityReply,
		StepNumber:   state.CurrentStepIndex,
		MessageID:    ev.MessageID,
		Subject:      ev.Subject,
		Body:         ev.Body,
		ReceivedAt:   &receivedAt,
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Redelivery raced past the HasActivity check.
			log.Debug("reply already recorded, skipping")
			return nil
		}
		return err
	}

	cls := h.analyzer.Classify(ctx, ev.Body)
	log = log.WithFields(logrus.Fields{
		"sentiment":  cls.Sentiment,
		"intent":     cls.Intent,
		"confidence": cls.Confidence,
	})

	switch cls.Intent {
	case utils.IntentUnsubscribe:
		return h.handleUnsubscribe(ctx, campaign, lead, state, log)
	case utils.IntentOutOfOffice:
		return h.handleOutOfOffice(ctx, state, log)
	case utils.IntentNotInterested:
		return h.handleNotInterested(ctx, campaign, state, cls, log)
	default:
		return h.handleInterested(ctx, campaign, lead, state, cls, log)
	}
}

func (h *ReplyHandler) handleUnsubscribe(ctx context.Context, campaign *models.Campaign, lead *models.Lead, state *models.SequenceState, log *logrus.Entry) error {
	if err := Advance(state, campaign, Outcome{Kind: OutcomeUnsubscribed}, h.now()); err != nil {
		return err
	}
	// The opt-out flag is honored even when the sequence already settled.
	lead.IsUnsubscribed = true
	if err := h.store.SaveLead(ctx, lead); err != nil {
		return err
	}
	if state.Status != models.StatusUnsubscribed {
		log.Debug("late unsubscribe against a settled sequence")
		return nil
	}
	if err := h.store.SaveSequenceState(ctx, state); err != nil {
		return err
	}
	if err := h.store.IncrCampaignStat(ctx, campaign.ID, "unsubscribe_count", 1); err != nil {
		log.WithError(err).Warn("failed to bump unsubscribe count")
	}
	h.events.Publish(Event{
		Type:       EventUnsubscribed,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
	})
	log.Info("lead unsubscribed")
	return nil
}

// handleOutOfOffice restarts the step's silence window from the reply so the
// lead is not chased while away; no follow-up slot is consumed.
func (h *ReplyHandler) handleOutOfOffice(ctx context.Context, state *models.SequenceState, log *logrus.Entry) error {
	if !ReArm(state, h.now()) {
		log.WithField("status", state.Status).Debug("out-of-office reply in non-waiting status, ignoring")
		return nil
	}
	if err := h.store.SaveSequenceState(ctx, state); err != nil {
		return err
	}
	log.Info("out-of-office reply, silence window restarted")
	return nil
}

func (h *ReplyHandler) handleNotInterested(ctx context.Context, campaign *models.Campaign, state *models.SequenceState, cls utils.ReplyClassification, log *logrus.Entry) error {
	now := h.now()
	if err := Advance(state, campaign, Outcome{Kind: OutcomeReplyReceived, Sentiment: cls.Sentiment}, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.WithError(err).Warn("reply in unexpected status, ignoring")
			return nil
		}
		return err
	}
	if state.Status != models.StatusReplied {
		log.Debug("late reply against a settled sequence, ignoring")
		return nil
	}
	if cls.ManualReview {
		state.ManualReview = true
		state.ManualReviewReason = fmt.Sprintf("low-confidence classification (%s/%.2f)", cls.Intent, cls.Confidence)
	} else {
		// A clear rejection ends the sequence.
		MarkDead(state, now)
	}
	if err := h.store.SaveSequenceState(ctx, state); err != nil {
		return err
	}
	if err := h.bumpReplyStats(ctx, campaign, state); err != nil {
		log.WithError(err).Warn("failed to bump reply counters")
	}
	h.events.Publish(Event{
		Type:       EventReply,
		CampaignID: campaign.ID,
		LeadID:     state.LeadID,
		Message:    cls.Intent,
	})
	log.Info("negative reply processed")
	return nil
}

func (h *ReplyHandler) handleInterested(ctx context.Context, campaign *models.Campaign, lead *models.Lead, state *models.SequenceState, cls utils.ReplyClassification, log *logrus.Entry) error {
	now := h.now()
	if err := Advance(state, campaign, Outcome{Kind: OutcomeReplyReceived, Sentiment: cls.Sentiment}, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.WithError(err).Warn("reply in unexpected status, ignoring")
			return nil
		}
		return err
	}
	if state.Status != models.StatusReplied {
		log.Debug("late reply against a settled sequence, ignoring")
		return nil
	}
	if cls.ManualReview {
		state.ManualReview = true
		state.ManualReviewReason = fmt.Sprintf("low-confidence classification (%s/%.2f)", cls.Intent, cls.Confidence)
	}
	if err := h.store.SaveSequenceState(ctx, state); err != nil {
		return err
	}
	if err := h.bumpReplyStats(ctx, campaign, state); err != nil {
		log.WithError(err).Warn("failed to bump reply counters")
	}
	h.events.Publish(Event{
		Type:       EventReply,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		Message:    cls.Intent,
	})

	if state.ManualReview {
		log.Info("interested reply held for manual review")
		return nil
	}

	h.bookMeeting(ctx, campaign, lead, state, log)
	return nil
}

// bookMeeting attempts the scheduling-link booking for an interested lead.
// A booking failure keeps the lead in Replied and flags it for manual
// follow-up; the reply itself is already fully processed.
func (h *ReplyHandler) bookMeeting(ctx context.Context, campaign *models.Campaign, lead *models.Lead, state *models.SequenceState, log *logrus.Entry) {
	if h.meetings == nil {
		return
	}
	url, err := h.meetings.BookMeeting(ctx, lead.Email, lead.FullName())
	if err != nil {
		log.WithError(err).Warn("meeting booking failed, flagging for manual review")
		state.ManualReview = true
		state.ManualReviewReason = "meeting booking failed"
		if saveErr := h.store.SaveSequenceState(ctx, state); saveErr != nil {
			log.WithError(saveErr).Error("failed to save manual-review flag")
		}
		return
	}

	if err := Advance(state, campaign, Outcome{Kind: OutcomeMeetingBooked}, h.now()); err != nil {
		log.WithError(err).Warn("booking succeeded but state could not advance")
		return
	}
	if err := h.store.SaveSequenceState(ctx, state); err != nil {
		log.WithError(err).Error("failed to save booked state")
		return
	}
	if err := h.store.IncrCampaignStat(ctx, campaign.ID, "booked_count", 1); err != nil {
		log.WithError(err).Warn("failed to bump booked count")
	}
	h.events.Publish(Event{
		Type:       EventBooked,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		Message:    url,
	})
	log.WithField("booking_url", url).Info("meeting booked")
}

func (h *ReplyHandler) bumpReplyStats(ctx context.Context, campaign *models.Campaign, state *models.SequenceState) error {
	if err := h.store.IncrCampaignStat(ctx, campaign.ID, "reply_count", 1); err != nil {
		return err
	}
	if state.CurrentStepIndex >= 0 && state.CurrentStepIndex < len(campaign.Steps) {
		return h.store.IncrStepStat(ctx, campaign.Steps[state.CurrentStepIndex].ID, "reply_count", 1)
	}
	return nil
}
