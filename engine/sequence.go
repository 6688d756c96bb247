package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"outreachly/models"
)

// Outcome kinds consumed by Advance.
type OutcomeKind int

const (
	OutcomeSendSucceeded OutcomeKind = iota
	OutcomeSendFailed
	OutcomeReplyReceived
	OutcomeMeetingBooked
	OutcomeUnsubscribed
)

// Outcome is the result of an external interaction for one lead.
type Outcome struct {
	Kind      OutcomeKind
	Sentiment string // set for OutcomeReplyReceived
}

var (
	ErrInvalidTransition  = errors.New("invalid sequence transition")
	ErrFollowUpsExhausted = errors.New("follow-up limit reached")
	ErrStepsExhausted     = errors.New("no sequence steps remain")
)

// Advance applies an outcome to a sequence state in place. Callers must hold
// the state's keyed lock: transitions for one (lead, campaign) pair are
// exclusive with respect to concurrent scheduling passes.
//
// Duplicate reply and unsubscribe outcomes against an already-settled state
// are no-ops rather than errors; reply delivery is at-least-once.
func Advance(state *models.SequenceState, campaign *models.Campaign, out Outcome, now time.Time) error {
	if state.Terminal() {
		switch out.Kind {
		case OutcomeReplyReceived, OutcomeUnsubscribed, OutcomeSendFailed:
			return nil
		}
		return fmt.Errorf("%w: %v in terminal status %s", ErrInvalidTransition, out.Kind, state.Status)
	}

	switch out.Kind {
	case OutcomeSendSucceeded:
		next := state.CurrentStepIndex + 1
		if next >= len(campaign.Steps) {
			return fmt.Errorf("%w: step %d of %d", ErrStepsExhausted, next, len(campaign.Steps))
		}
		if state.Status == models.StatusAwaitingReply {
			// A send out of AwaitingReply is a follow-up and consumes a slot.
			if state.FollowUpCount >= campaign.MaxFollowUps {
				return fmt.Errorf("%w: %d", ErrFollowUpsExhausted, state.FollowUpCount)
			}
			state.FollowUpCount++
		}
		state.CurrentStepIndex = next
		// Sent is a pure bookkeeping transition; the observable state
		// after a successful send is AwaitingReply.
		state.Status = models.StatusAwaitingReply
		state.LastActionAt = &now
		return nil

	case OutcomeSendFailed:
		// The step index does not move; the transient retry counter lives
		// outside persisted state.
		return nil

	case OutcomeReplyReceived:
		if state.Status == models.StatusReplied {
			return nil // duplicate delivery
		}
		if state.Status != models.StatusAwaitingReply && state.Status != models.StatusPending {
			return fmt.Errorf("%w: reply in status %s", ErrInvalidTransition, state.Status)
		}
		state.Status = models.StatusReplied
		state.LastActionAt = &now
		return nil

	case OutcomeMeetingBooked:
		if state.Status != models.StatusReplied {
			return fmt.Errorf("%w: booking in status %s", ErrInvalidTransition, state.Status)
		}
		state.Status = models.StatusBooked
		state.LastActionAt = &now
		return nil

	case OutcomeUnsubscribed:
		state.Status = models.StatusUnsubscribed
		state.LastActionAt = &now
		return nil
	}
	return fmt.Errorf("%w: unknown outcome %v", ErrInvalidTransition, out.Kind)
}

// MarkDead forces a non-terminal state to Dead: the sequence ran out of
// steps or retries without a reply, or the recipient is permanently
// unreachable.
func MarkDead(state *models.SequenceState, now time.Time) bool {
	if state.Terminal() {
		return false
	}
	state.Status = models.StatusDead
	state.LastActionAt = &now
	return true
}

// ReArm pushes the silence window out without consuming a follow-up slot.
// Used for out-of-office replies.
func ReArm(state *models.SequenceState, at time.Time) bool {
	if state.Status != models.StatusAwaitingReply {
		return false
	}
	state.LastActionAt = &at
	return true
}

// StateKey is the exclusive-mutation key for one (lead, campaign) pair.
func StateKey(campaignID, leadID uint) string {
	return fmt.Sprintf("%d:%d", campaignID, leadID)
}

// KeyedLocks serializes state mutations per key. Leads are independent, so
// there is no cross-key ordering.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *KeyedLocks) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
