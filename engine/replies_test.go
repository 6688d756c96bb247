package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreachly/models"
	"outreachly/utils"
)

type replyFixture struct {
	handler  *ReplyHandler
	store    *memStore
	gen      *fakeContentGen
	meetings *fakeMeetings
	events   *Broadcaster
	clock    time.Time
}

func newReplyFixture(t *testing.T) *replyFixture {
	t.Helper()

	st := newMemStore()
	gen := &fakeContentGen{}
	meetings := &fakeMeetings{}
	events := NewBroadcaster()
	analyzer := utils.NewResponseAnalyzer(gen, time.Second, testLogger())

	f := &replyFixture{
		store:    st,
		gen:      gen,
		meetings: meetings,
		events:   events,
		clock:    inHours,
	}
	f.handler = NewReplyHandler(st, analyzer, meetings, NewKeyedLocks(), events, testLogger())
	f.handler.now = func() time.Time { return f.clock }
	return f
}

// awaiting seeds a campaign with one lead that has received the first step.
func (f *replyFixture) awaiting(t *testing.T) {
	t.Helper()
	campaign := activeCampaign(1)
	campaign.EnrolledCount = 1
	f.store.addCampaign(campaign)

	lead := &models.Lead{Email: "ana@x.io", FirstName: "Ana"}
	lead.ID = 10
	f.store.addLead(lead)

	sentAt := f.clock.Add(-2 * time.Hour)
	f.store.addState(&models.SequenceState{
		CampaignID:       1,
		LeadID:           10,
		CurrentStepIndex: 0,
		Status:           models.StatusAwaitingReply,
		LastActionAt:     &sentAt,
	})
}

func replyEvent(body string) ReplyEvent {
	return ReplyEvent{
		CampaignID: 1,
		LeadID:     10,
		MessageID:  "<reply-1@their-mail>",
		Subject:    "Re: Quick question",
		Body:       body,
	}
}

func TestInterestedReplyBooksMeeting(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentPositive, Intent: utils.IntentInterested, Confidence: 0.9}

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("sounds great, let's talk")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooked, state.Status)
	assert.Equal(t, 1, f.meetings.calls)

	campaign, err := f.store.GetCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.ReplyCount)
	assert.Equal(t, 1, campaign.BookedCount)
	assert.Equal(t, 1, campaign.Steps[0].ReplyCount)
	assert.Equal(t, 1, f.store.activityCount(models.ActivityReply))
}

func TestDuplicateReplyIsProcessedOnce(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentPositive, Intent: utils.IntentInterested, Confidence: 0.9}

	ev := replyEvent("adding you to my calendar")
	require.NoError(t, f.handler.HandleReply(context.Background(), ev))
	require.NoError(t, f.handler.HandleReply(context.Background(), ev))
	require.NoError(t, f.handler.HandleReply(context.Background(), ev))

	campaign, err := f.store.GetCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.ReplyCount)
	assert.Equal(t, 1, campaign.BookedCount)
	assert.Equal(t, 1, f.meetings.calls)
	assert.Equal(t, 1, f.store.activityCount(models.ActivityReply))
}

func TestUnsubscribeReplyStopsEverything(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentNegative, Intent: utils.IntentUnsubscribe, Confidence: 0.95}

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("take me off this list")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnsubscribed, state.Status)

	lead, err := f.store.GetLead(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, lead.IsUnsubscribed)

	campaign, err := f.store.GetCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.UnsubscribeCount)
	assert.Equal(t, 0, f.meetings.calls)
}

func TestOutOfOfficeRestartsSilenceWindow(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentNeutral, Intent: utils.IntentOutOfOffice, Confidence: 0.9}

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("I am out of office until the 20th")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingReply, state.Status, "state stays armed")
	assert.Equal(t, 0, state.FollowUpCount, "no follow-up slot consumed")
	require.NotNil(t, state.LastActionAt)
	// The window restarts from the reply, never from a point in the future:
	// a future timestamp would stack on top of the step's silence hours and
	// distort oldest-first ordering.
	assert.True(t, state.LastActionAt.Equal(f.clock), "window restarts at the reply time")
}

func TestNotInterestedReplyRetiresLead(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentNegative, Intent: utils.IntentNotInterested, Confidence: 0.85}

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("not a fit for us, thanks")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDead, state.Status)
	assert.False(t, state.ManualReview)
	assert.Equal(t, 0, f.meetings.calls)
}

func TestLowConfidenceReplyParksForManualReview(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentNeutral, Intent: utils.IntentInterested, Confidence: 0.3}

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("hmm, possibly?")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReplied, state.Status)
	assert.True(t, state.ManualReview)
	assert.NotEmpty(t, state.ManualReviewReason)
	assert.Equal(t, 0, f.meetings.calls, "no automatic booking on a review-flagged reply")
}

func TestAnalyzerOutageFallsBackToKeywords(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.err = utils.Transient(errors.New("model down"))

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("please unsubscribe me")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnsubscribed, state.Status)
}

func TestBookingFailureKeepsRepliedAndFlags(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentPositive, Intent: utils.IntentInterested, Confidence: 0.9}
	f.meetings.err = utils.Transient(errors.New("calendly 502"))

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("yes, book it")))

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReplied, state.Status, "reply itself is fully processed")
	assert.True(t, state.ManualReview)

	campaign, err := f.store.GetCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.ReplyCount)
	assert.Equal(t, 0, campaign.BookedCount)
}

func TestReplyAfterTerminalStateIsSwallowed(t *testing.T) {
	f := newReplyFixture(t)
	f.awaiting(t)
	f.gen.cls = utils.Classification{Sentiment: utils.SentimentPositive, Intent: utils.IntentInterested, Confidence: 0.9}

	state, err := f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	state.Status = models.StatusDead
	require.NoError(t, f.store.SaveSequenceState(context.Background(), state))

	require.NoError(t, f.handler.HandleReply(context.Background(), replyEvent("actually, interested")))

	state, err = f.store.GetSequenceState(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDead, state.Status)
	assert.Equal(t, 0, f.meetings.calls)
}
