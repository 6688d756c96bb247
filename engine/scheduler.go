package engine

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

// SendQuota tracks the global daily send volume. Record adjusts the counter
// by n, which may be negative to hand back a reservation. Reserve atomically
// claims up to n sends without pushing the counter past limit and returns
// how many were granted, so concurrent claimants can never overshoot.
type SendQuota interface {
	Used(ctx context.Context, day time.Time) (int, error)
	Record(ctx context.Context, day time.Time, n int) error
	Reserve(ctx context.Context, day time.Time, n, limit int) (int, error)
}

type SchedulerConfig struct {
	BusinessHoursStart  int
	BusinessHoursEnd    int
	Location            *time.Location
	DailySendLimit      int
	CampaignConcurrency int
}

// WorkItem is one due (lead, step) pair.
type WorkItem struct {
	State     models.SequenceState
	Lead      models.Lead
	Step      models.SequenceStep
	StepIndex int
	FollowUp  bool
}

// Scheduler decides what is due now for a campaign. It never mutates state:
// invoking it twice without an intervening mutation yields the same due set.
type Scheduler struct {
	store  store.Store
	quota  SendQuota
	cfg    SchedulerConfig
	logger *logrus.Entry
}

func NewScheduler(st store.Store, quota SendQuota, cfg SchedulerConfig, logger *logrus.Entry) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{store: st, quota: quota, cfg: cfg, logger: logger}
}

// DueWork returns the leads due for a send right now, ordered Hot before
// Warm before Cold and oldest-first within a bucket, truncated to the
// campaign concurrency cap and the remaining daily volume. Work that falls
// outside the business-hours window is deferred, not dropped: it simply
// shows up on a later pass.
func (s *Scheduler) DueWork(ctx context.Context, campaign *models.Campaign, now time.Time) ([]WorkItem, error) {
	if campaign.Status != models.CampaignActive {
		return nil, nil
	}
	if !s.InBusinessHours(now) {
		return nil, nil
	}

	states, err := s.store.ListSequenceStates(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	due := filterDue(campaign, states, now)
	orderDue(due)

	limit := s.cfg.CampaignConcurrency
	used, err := s.quota.Used(ctx, now.In(s.cfg.Location))
	if err != nil {
		return nil, err
	}
	if remaining := s.cfg.DailySendLimit - used; remaining < limit {
		limit = remaining
	}
	if limit < 0 {
		limit = 0
	}
	if len(due) > limit {
		s.logger.WithFields(logrus.Fields{
			"campaign_id": campaign.ID,
			"due":         len(due),
			"limit":       limit,
		}).Debug("deferring due leads past cap to next pass")
		due = due[:limit]
	}
	return due, nil
}

// ReserveDaily claims up to n sends against the daily volume cap and returns
// how many were granted. The truncation in DueWork is only a snapshot read;
// campaigns run concurrently, so the claim itself has to be atomic.
func (s *Scheduler) ReserveDaily(ctx context.Context, now time.Time, n int) (int, error) {
	return s.quota.Reserve(ctx, now.In(s.cfg.Location), n, s.cfg.DailySendLimit)
}

// ReleaseDaily hands back reserved slots that went unused, so a deferred or
// failed send does not burn daily volume.
func (s *Scheduler) ReleaseDaily(ctx context.Context, now time.Time, n int) error {
	if n <= 0 {
		return nil
	}
	return s.quota.Record(ctx, now.In(s.cfg.Location), -n)
}

// Exhausted returns the states whose silence window has elapsed but that
// have no send left to make: either the sequence ran out of steps or the
// follow-up budget is spent. The orchestrator marks these Dead.
func (s *Scheduler) Exhausted(ctx context.Context, campaign *models.Campaign, now time.Time) ([]models.SequenceState, error) {
	states, err := s.store.ListSequenceStates(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	var out []models.SequenceState
	for _, state := range states {
		if state.Status != models.StatusAwaitingReply || state.ManualReview {
			continue
		}
		if state.CurrentStepIndex < 0 || state.CurrentStepIndex >= len(campaign.Steps) {
			continue
		}
		if !silenceElapsed(&state, campaign.Steps[state.CurrentStepIndex], now) {
			continue
		}
		next := state.CurrentStepIndex + 1
		if next >= len(campaign.Steps) || state.FollowUpCount >= campaign.MaxFollowUps {
			out = append(out, state)
		}
	}
	return out, nil
}

// InBusinessHours reports whether t falls inside the configured send window,
// evaluated in the configured timezone.
func (s *Scheduler) InBusinessHours(t time.Time) bool {
	h := t.In(s.cfg.Location).Hour()
	return h >= s.cfg.BusinessHoursStart && h < s.cfg.BusinessHoursEnd
}

func filterDue(campaign *models.Campaign, states []models.SequenceState, now time.Time) []WorkItem {
	var due []WorkItem
	for _, state := range states {
		if state.Terminal() || state.ManualReview || state.Status == models.StatusReplied {
			continue
		}
		if state.Lead.IsUnsubscribed || state.Lead.IsDoNotContact {
			continue
		}

		next := state.CurrentStepIndex + 1
		if next >= len(campaign.Steps) {
			continue
		}
		step := campaign.Steps[next]

		switch state.Status {
		case models.StatusPending:
			anchor := state.CreatedAt
			if state.LastActionAt != nil {
				anchor = *state.LastActionAt
			}
			if now.Sub(anchor) >= time.Duration(step.DelayHours)*time.Hour {
				due = append(due, WorkItem{State: state, Lead: state.Lead, Step: step, StepIndex: next})
			}

		case models.StatusAwaitingReply:
			if state.FollowUpCount >= campaign.MaxFollowUps {
				continue
			}
			if state.CurrentStepIndex < 0 || state.CurrentStepIndex >= len(campaign.Steps) {
				continue
			}
			if waitElapsed(&state, followUpWait(campaign.Steps[state.CurrentStepIndex], step), now) {
				due = append(due, WorkItem{State: state, Lead: state.Lead, Step: step, StepIndex: next, FollowUp: true})
			}
		}
	}
	return due
}

// followUpWait is how long a lead waits in AwaitingReply before the next
// step goes out: the sent step's no-reply window, stretched by the next
// step's own delay when that is longer.
func followUpWait(sentStep, nextStep models.SequenceStep) time.Duration {
	wait := time.Duration(sentStep.SilenceHours) * time.Hour
	if d := time.Duration(nextStep.DelayHours) * time.Hour; d > wait {
		wait = d
	}
	return wait
}

// silenceElapsed reports whether the no-reply window of the step that was
// last sent has fully passed.
func silenceElapsed(state *models.SequenceState, sentStep models.SequenceStep, now time.Time) bool {
	return waitElapsed(state, time.Duration(sentStep.SilenceHours)*time.Hour, now)
}

func waitElapsed(state *models.SequenceState, wait time.Duration, now time.Time) bool {
	if state.LastActionAt == nil {
		return false
	}
	return now.Sub(*state.LastActionAt) >= wait
}

// orderDue sorts hottest first, then oldest last action for fairness.
func orderDue(due []WorkItem) {
	sort.SliceStable(due, func(i, j int) bool {
		ri, rj := utils.ScoreRank(due[i].Lead.Score), utils.ScoreRank(due[j].Lead.Score)
		if ri != rj {
			return ri < rj
		}
		ti := actionTime(&due[i].State)
		tj := actionTime(&due[j].State)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return due[i].State.LeadID < due[j].State.LeadID
	})
}

func actionTime(state *models.SequenceState) time.Time {
	if state.LastActionAt != nil {
		return *state.LastActionAt
	}
	return state.CreatedAt
}
