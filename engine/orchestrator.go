package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

type OrchestratorConfig struct {
	TickInterval        time.Duration
	WorkerPoolSize      int
	SendMaxRetries      int
	ExternalCallTimeout time.Duration
	FromEmail           string
	FromName            string
}

// Orchestrator drives every active campaign: each tick it pauses invalid
// campaigns, retires leads with nothing left to send, dispatches due sends
// through a bounded worker pool, and detects completion.
type Orchestrator struct {
	store     store.Store
	scheduler *Scheduler
	cache     *utils.ContentCache
	generator utils.ContentGenerator
	sender    utils.MessageSender
	locks     *KeyedLocks
	events    *Broadcaster
	cfg       OrchestratorConfig
	logger    *logrus.Entry

	// inFlight guards each campaign against overlapping ticks; a slow pass
	// is skipped on the next tick rather than doubled up.
	inFlight sync.Map

	// sendFailures counts consecutive transient send failures per state key.
	// Deliberately in-memory: a restart resets the count and the lead simply
	// gets a fresh retry budget.
	failMu       sync.Mutex
	sendFailures map[string]int

	now func() time.Time
}

func NewOrchestrator(
	st store.Store,
	scheduler *Scheduler,
	cache *utils.ContentCache,
	generator utils.ContentGenerator,
	sender utils.MessageSender,
	locks *KeyedLocks,
	events *Broadcaster,
	cfg OrchestratorConfig,
	logger *logrus.Entry,
) *Orchestrator {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	if locks == nil {
		locks = NewKeyedLocks()
	}
	return &Orchestrator{
		store:        st,
		scheduler:    scheduler,
		cache:        cache,
		generator:    generator,
		sender:       sender,
		locks:        locks,
		events:       events,
		cfg:          cfg,
		logger:       logger,
		sendFailures: make(map[string]int),
		now:          time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.WithField("interval", o.cfg.TickInterval.String()).Info("campaign orchestrator started")
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("campaign orchestrator stopped")
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass over every active campaign. Campaigns are
// processed concurrently and independently: one campaign's failure never
// stalls another's pass.
func (o *Orchestrator) Tick(ctx context.Context) {
	campaigns, err := o.store.ListActiveCampaigns(ctx)
	if err != nil {
		o.logger.WithError(err).Error("failed to list active campaigns")
		return
	}

	var wg sync.WaitGroup
	for i := range campaigns {
		campaign := campaigns[i]
		if _, running := o.inFlight.LoadOrStore(campaign.ID, struct{}{}); running {
			o.logger.WithField("campaign_id", campaign.ID).Debug("previous pass still running, skipping")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.inFlight.Delete(campaign.ID)
			o.processCampaign(ctx, &campaign)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) processCampaign(ctx context.Context, campaign *models.Campaign) {
	log := o.logger.WithField("campaign_id", campaign.ID)

	if err := campaign.Validate(); err != nil {
		o.pauseCampaign(ctx, campaign, err)
		return
	}

	now := o.now()

	o.retireExhausted(ctx, campaign, now)

	due, err := o.scheduler.DueWork(ctx, campaign, now)
	if err != nil {
		log.WithError(err).Error("scheduling pass failed")
		return
	}

	if len(due) > 0 {
		// The scheduler's cap check is a snapshot; the claim here is the
		// atomic one, so concurrent campaigns split the remaining volume.
		granted, err := o.scheduler.ReserveDaily(ctx, now, len(due))
		if err != nil {
			log.WithError(err).Error("failed to reserve daily send volume")
			granted = 0
		}
		if granted < len(due) {
			log.WithFields(logrus.Fields{
				"due":     len(due),
				"granted": granted,
			}).Debug("daily volume cap reached, deferring remainder")
			due = due[:granted]
		}

		var delivered atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.WorkerPoolSize)
		for i := range due {
			item := due[i]
			g.Go(func() error {
				sent, err := o.processLead(gctx, campaign, item)
				if err != nil {
					// Lead failures are isolated; log and keep the pool going.
					log.WithError(err).WithField("lead_id", item.Lead.ID).Error("lead processing failed")
				}
				if sent {
					delivered.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if unused := granted - int(delivered.Load()); unused > 0 {
			if err := o.scheduler.ReleaseDaily(context.WithoutCancel(ctx), now, unused); err != nil {
				log.WithError(err).Warn("failed to release unused send reservation")
			}
		}
	}

	o.checkCompletion(ctx, campaign)
}

// pauseCampaign flips an invalid campaign to Paused so a broken sequence
// definition cannot keep half-sending.
func (o *Orchestrator) pauseCampaign(ctx context.Context, campaign *models.Campaign, cause error) {
	err := utils.Permanent(cause)
	o.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("campaign definition invalid, pausing")
	sentry.CaptureException(err)

	campaign.Status = models.CampaignPaused
	if saveErr := o.store.SaveCampaign(ctx, campaign); saveErr != nil {
		o.logger.WithError(saveErr).WithField("campaign_id", campaign.ID).Error("failed to pause campaign")
		return
	}
	o.events.Publish(Event{
		Type:       EventCampaignPaused,
		CampaignID: campaign.ID,
		Message:    cause.Error(),
	})
}

// retireExhausted marks Dead every lead whose silence window elapsed with no
// send left to make.
func (o *Orchestrator) retireExhausted(ctx context.Context, campaign *models.Campaign, now time.Time) {
	exhausted, err := o.scheduler.Exhausted(ctx, campaign, now)
	if err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to list exhausted states")
		return
	}

	for i := range exhausted {
		stale := exhausted[i]
		unlock := o.locks.Lock(StateKey(campaign.ID, stale.LeadID))
		o.retireOne(ctx, campaign, stale.LeadID, now)
		unlock()
	}
}

func (o *Orchestrator) retireOne(ctx context.Context, campaign *models.Campaign, leadID uint, now time.Time) {
	state, err := o.store.GetSequenceState(ctx, campaign.ID, leadID)
	if err != nil {
		o.logger.WithError(err).WithField("lead_id", leadID).Error("failed to reload state for retirement")
		return
	}
	// Re-check under the lock: a reply may have landed since the scan.
	if state.Status != models.StatusAwaitingReply || state.ManualReview {
		return
	}
	if !MarkDead(state, now) {
		return
	}
	if err := o.store.SaveSequenceState(ctx, state); err != nil {
		o.logger.WithError(err).WithField("lead_id", leadID).Error("failed to save dead state")
		return
	}
	if err := o.store.IncrCampaignStat(ctx, campaign.ID, "dead_count", 1); err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Warn("failed to bump dead count")
	}
	o.events.Publish(Event{
		Type:       EventDead,
		CampaignID: campaign.ID,
		LeadID:     leadID,
		Message:    "sequence exhausted without a reply",
	})
}

// processLead generates (or re-uses) content for one due lead, sends it, and
// advances the sequence state. It holds the lead's keyed lock for the whole
// pass so reply handling cannot interleave.
func (o *Orchestrator) processLead(ctx context.Context, campaign *models.Campaign, item WorkItem) (bool, error) {
	lead := item.Lead
	log := o.logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"lead_id":     lead.ID,
		"step":        item.StepIndex,
	})

	unlock := o.locks.Lock(StateKey(campaign.ID, lead.ID))
	defer unlock()

	// Reload under the lock; the snapshot the scheduler saw may be stale.
	state, err := o.store.GetSequenceState(ctx, campaign.ID, lead.ID)
	if err != nil {
		return false, err
	}
	if state.Terminal() || state.ManualReview || state.Status == models.StatusReplied {
		log.WithField("status", state.Status).Debug("state moved on since scheduling, skipping")
		return false, nil
	}
	if state.CurrentStepIndex != item.State.CurrentStepIndex {
		log.Debug("step index moved since scheduling, skipping")
		return false, nil
	}

	step := item.Step
	fingerprint := utils.ContentFingerprint(&lead, step.TemplateID, item.StepIndex)
	content, err := o.cache.GetOrGenerate(ctx, fingerprint, func(genCtx context.Context) (utils.GeneratedContent, error) {
		callCtx, cancel := context.WithTimeout(genCtx, o.cfg.ExternalCallTimeout)
		defer cancel()
		return o.generator.Generate(callCtx, utils.PromptContext{
			Lead:           &lead,
			Step:           &step,
			StepIndex:      item.StepIndex,
			FollowUpNumber: state.FollowUpCount,
		})
	})
	if err != nil {
		if errors.Is(err, utils.ErrRateLimited) {
			// Not a failure: the lead stays due and is picked up next tick.
			log.Debug("generation deferred by rate limiter")
			return false, nil
		}
		return false, o.recordSendFailure(ctx, campaign, state, err, log)
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.ExternalCallTimeout)
	messageID, err := o.sender.Send(sendCtx, utils.Email{
		From:     o.cfg.FromEmail,
		FromName: o.cfg.FromName,
		To:       lead.Email,
		Subject:  content.Subject,
		Body:     content.Body,
	})
	cancel()
	if err != nil {
		return false, o.recordSendFailure(ctx, campaign, state, err, log)
	}

	// The message is on the wire; finish bookkeeping even if the tick's
	// context is cancelled mid-save.
	saveCtx := context.WithoutCancel(ctx)
	now := o.now()

	if err := o.store.RecordActivity(saveCtx, &models.EmailActivity{
		CampaignID:   campaign.ID,
		LeadID:       lead.ID,
		ActivityType: models.ActivitySent,
		StepNumber:   item.StepIndex,
		MessageID:    messageID,
		Subject:      content.Subject,
		Body:         content.Body,
		SentAt:       &now,
	}); err != nil && !errors.Is(err, store.ErrDuplicate) {
		log.WithError(err).Error("failed to record send activity")
	}

	if err := Advance(state, campaign, Outcome{Kind: OutcomeSendSucceeded}, now); err != nil {
		return true, err
	}
	if err := o.store.SaveSequenceState(saveCtx, state); err != nil {
		return true, err
	}
	o.clearSendFailures(StateKey(campaign.ID, lead.ID))

	if err := o.store.IncrCampaignStat(saveCtx, campaign.ID, "sent_count", 1); err != nil {
		log.WithError(err).Warn("failed to bump campaign sent count")
	}
	if err := o.store.IncrStepStat(saveCtx, step.ID, "sent_count", 1); err != nil {
		log.WithError(err).Warn("failed to bump step sent count")
	}

	o.events.Publish(Event{
		Type:       EventSent,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		Step:       item.StepIndex,
		Message:    content.Subject,
	})
	log.WithField("message_id", messageID).Info("step sent")
	return true, nil
}

// recordSendFailure applies the retry policy for one failed attempt. The
// step index never moves on failure; a permanent error or an exhausted
// retry budget retires the lead.
func (o *Orchestrator) recordSendFailure(ctx context.Context, campaign *models.Campaign, state *models.SequenceState, cause error, log *logrus.Entry) error {
	key := StateKey(campaign.ID, state.LeadID)

	if utils.IsPermanent(cause) {
		log.WithError(cause).Warn("permanent delivery failure, retiring lead")
		o.clearSendFailures(key)
		o.retireFailed(ctx, campaign, state)
		return nil
	}

	o.failMu.Lock()
	o.sendFailures[key]++
	attempts := o.sendFailures[key]
	o.failMu.Unlock()

	// SendMaxRetries counts additional attempts after the first, so a bound
	// of 3 allows four deliveries in total before the lead is retired.
	if attempts > o.cfg.SendMaxRetries {
		log.WithError(cause).WithField("attempts", attempts).Warn("transient failures exhausted retries, retiring lead")
		o.clearSendFailures(key)
		o.retireFailed(ctx, campaign, state)
		return nil
	}

	log.WithError(cause).WithField("attempts", attempts).Warn("transient failure, will retry next tick")
	return nil
}

func (o *Orchestrator) retireFailed(ctx context.Context, campaign *models.Campaign, state *models.SequenceState) {
	if !MarkDead(state, o.now()) {
		return
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveSequenceState(saveCtx, state); err != nil {
		o.logger.WithError(err).WithField("lead_id", state.LeadID).Error("failed to save dead state")
		return
	}
	if err := o.store.IncrCampaignStat(saveCtx, campaign.ID, "dead_count", 1); err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Warn("failed to bump dead count")
	}
	o.events.Publish(Event{
		Type:       EventDead,
		CampaignID: campaign.ID,
		LeadID:     state.LeadID,
		Message:    "delivery failed",
	})
}

func (o *Orchestrator) clearSendFailures(key string) {
	o.failMu.Lock()
	delete(o.sendFailures, key)
	o.failMu.Unlock()
}

// checkCompletion marks a campaign Completed once every enrolled lead has
// reached a terminal status.
func (o *Orchestrator) checkCompletion(ctx context.Context, campaign *models.Campaign) {
	if campaign.Status != models.CampaignActive || campaign.EnrolledCount == 0 {
		return
	}
	open, err := o.store.CountNonTerminalStates(ctx, campaign.ID)
	if err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to count open states")
		return
	}
	if open > 0 {
		return
	}

	// Reload before saving: counters moved under this campaign during the
	// tick and the snapshot we scheduled from is stale.
	fresh, err := o.store.GetCampaign(ctx, campaign.ID)
	if err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to reload campaign for completion")
		return
	}
	if fresh.Status != models.CampaignActive {
		return
	}

	now := o.now()
	fresh.Status = models.CampaignCompleted
	fresh.CompletedAt = &now
	if err := o.store.SaveCampaign(ctx, fresh); err != nil {
		o.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("failed to mark campaign completed")
		return
	}
	o.events.Publish(Event{Type: EventCampaignDone, CampaignID: fresh.ID})
	o.logger.WithField("campaign_id", campaign.ID).Info("campaign completed")
}
