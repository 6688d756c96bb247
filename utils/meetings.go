package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MeetingScheduler books a meeting slot for an interested lead and returns
// the scheduling link to include in the confirmation.
type MeetingScheduler interface {
	BookMeeting(ctx context.Context, leadEmail, leadName string) (string, error)
}

// CalendlyClient creates single-use scheduling links through the Calendly API.
type CalendlyClient struct {
	Token        string
	BaseURL      string
	EventTypeURI string
	HTTPClient   *http.Client
}

func NewCalendlyClient(token, baseURL, eventTypeURI string, timeout time.Duration) *CalendlyClient {
	return &CalendlyClient{
		Token:        token,
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		EventTypeURI: eventTypeURI,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

func (c *CalendlyClient) BookMeeting(ctx context.Context, leadEmail, leadName string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"max_event_count": 1,
		"owner":           c.EventTypeURI,
		"owner_type":      "EventType",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/scheduling_links", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", Transient(fmt.Errorf("calendly returned %d", resp.StatusCode))
	default:
		return "", Permanent(fmt.Errorf("calendly returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var parsed struct {
		Resource struct {
			BookingURL string `json:"booking_url"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", Permanent(fmt.Errorf("calendly response parse: %v", err))
	}
	if parsed.Resource.BookingURL == "" {
		return "", Permanent(fmt.Errorf("calendly response missing booking_url"))
	}
	return parsed.Resource.BookingURL, nil
}
