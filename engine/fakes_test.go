package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// memStore is an in-memory store.Store used by the engine tests. It returns
// copies so callers observe the same reload semantics as the database-backed
// store.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[uint]*models.Campaign
	leads      map[uint]*models.Lead
	states     map[string]*models.SequenceState
	activities map[string]*models.EmailActivity

	failListStates error
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[uint]*models.Campaign),
		leads:      make(map[uint]*models.Lead),
		states:     make(map[string]*models.SequenceState),
		activities: make(map[string]*models.EmailActivity),
	}
}

func stateMapKey(campaignID, leadID uint) string {
	return fmt.Sprintf("%d/%d", campaignID, leadID)
}

func (m *memStore) addCampaign(c *models.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

func (m *memStore) addLead(l *models.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = l
}

func (m *memStore) addState(s *models.SequenceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[stateMapKey(s.CampaignID, s.LeadID)] = &cp
}

func (m *memStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Campaign
	for _, c := range m.campaigns {
		if c.Status == models.CampaignActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) IncrCampaignStat(ctx context.Context, id uint, column string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	switch column {
	case "enrolled_count":
		c.EnrolledCount += delta
	case "sent_count":
		c.SentCount += delta
	case "reply_count":
		c.ReplyCount += delta
	case "booked_count":
		c.BookedCount += delta
	case "unsubscribe_count":
		c.UnsubscribeCount += delta
	case "dead_count":
		c.DeadCount += delta
	default:
		return fmt.Errorf("unknown column %q", column)
	}
	return nil
}

func (m *memStore) IncrStepStat(ctx context.Context, stepID uint, column string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		for i := range c.Steps {
			if c.Steps[i].ID != stepID {
				continue
			}
			switch column {
			case "sent_count":
				c.Steps[i].SentCount += delta
			case "reply_count":
				c.Steps[i].ReplyCount += delta
			default:
				return fmt.Errorf("unknown column %q", column)
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) SaveLead(ctx context.Context, l *models.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.leads[l.ID] = &cp
	return nil
}

func (m *memStore) GetSequenceState(ctx context.Context, campaignID, leadID uint) (*models.SequenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateMapKey(campaignID, leadID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSequenceStates(ctx context.Context, campaignID uint) ([]models.SequenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failListStates != nil {
		return nil, m.failListStates
	}
	var out []models.SequenceState
	for _, s := range m.states {
		if s.CampaignID != campaignID {
			continue
		}
		cp := *s
		if lead, ok := m.leads[s.LeadID]; ok {
			cp.Lead = *lead
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) SaveSequenceState(ctx context.Context, s *models.SequenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[stateMapKey(s.CampaignID, s.LeadID)] = &cp
	return nil
}

func (m *memStore) CountNonTerminalStates(ctx context.Context, campaignID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.states {
		if s.CampaignID == campaignID && !s.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) RecordActivity(ctx context.Context, a *models.EmailActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activities[a.MessageID]; exists {
		return store.ErrDuplicate
	}
	cp := *a
	m.activities[a.MessageID] = &cp
	return nil
}

func (m *memStore) HasActivity(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activities[messageID]
	return ok, nil
}

func (m *memStore) FindActivityByMessageID(ctx context.Context, messageID string) (*models.EmailActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) activityCount(activityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, a := range m.activities {
		if a.ActivityType == activityType {
			n++
		}
	}
	return n
}

// fakeSender records sends and fails on request.
type fakeSender struct {
	mu    sync.Mutex
	sent  []utils.Email
	errs  []error // consumed in order; nil entry = success
	seq   int
	calls int
}

func (f *fakeSender) Send(ctx context.Context, email utils.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.seq++
	f.sent = append(f.sent, email)
	return fmt.Sprintf("<msg-%d@test>", f.seq), nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeContentGen returns canned content and counts calls.
type fakeContentGen struct {
	mu    sync.Mutex
	calls int
	err   error
	cls   utils.Classification
}

func (f *fakeContentGen) Generate(ctx context.Context, pc utils.PromptContext) (utils.GeneratedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return utils.GeneratedContent{}, f.err
	}
	return utils.GeneratedContent{
		Subject: fmt.Sprintf("step-%d for %s", pc.StepIndex, pc.Lead.Email),
		Body:    "generated body",
	}, nil
}

func (f *fakeContentGen) Analyze(ctx context.Context, replyText string) (utils.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return utils.Classification{}, f.err
	}
	return f.cls, nil
}

// fakeMeetings books deterministically or fails.
type fakeMeetings struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeMeetings) BookMeeting(ctx context.Context, leadEmail, leadName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://calendly.com/d/test-link", nil
}

// fakeQuota is an in-memory SendQuota that honors the reserve/release
// protocol the way the Redis counter does.
type fakeQuota struct {
	mu   sync.Mutex
	used int
}

func (f *fakeQuota) Used(ctx context.Context, day time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used, nil
}

func (f *fakeQuota) Record(ctx context.Context, day time.Time, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used += n
	return nil
}

func (f *fakeQuota) Reserve(ctx context.Context, day time.Time, n, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail := limit - f.used
	if avail < 0 {
		avail = 0
	}
	if n > avail {
		n = avail
	}
	f.used += n
	return n, nil
}

func (f *fakeQuota) usedNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}
