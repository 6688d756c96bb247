package engine

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	EventSent           = "sent"
	EventReply          = "reply"
	EventBooked         = "booked"
	EventUnsubscribed   = "unsubscribed"
	EventDead           = "dead"
	EventCampaignPaused = "campaign_paused"
	EventCampaignDone   = "campaign_completed"
)

// Event is one observable engine action, streamed to websocket clients.
type Event struct {
	Type       string    `json:"type"`
	CampaignID uint      `json:"campaign_id"`
	LeadID     uint      `json:"lead_id,omitempty"`
	Step       int       `json:"step,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Broadcaster fans engine events out to subscribers. Slow subscribers drop
// events instead of blocking the engine.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and its cancel func.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
