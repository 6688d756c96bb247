package controller

import (
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"outreachly/engine"
)

// CampaignEventsWS streams live engine events (sends, replies, bookings,
// completions) to a websocket client. A campaign_id of 0 subscribes to
// every campaign.
func CampaignEventsWS(events *engine.Broadcaster, logger *logrus.Entry) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		var input struct {
			CampaignID uint `json:"campaign_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			logger.WithError(err).Debug("websocket subscribe message unreadable")
			return
		}

		ch, cancel := events.Subscribe()
		defer cancel()

		for ev := range ch {
			if input.CampaignID != 0 && ev.CampaignID != input.CampaignID {
				continue
			}
			if err := c.WriteJSON(ev); err != nil {
				logger.WithError(err).Debug("websocket client gone")
				return
			}
		}
	}
}
