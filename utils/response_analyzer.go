package utils

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Sentiment and intent values produced by reply classification.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"

	IntentInterested    = "interested"
	IntentNotInterested = "not_interested"
	IntentUnsubscribe   = "unsubscribe"
	IntentOutOfOffice   = "out_of_office"
)

// minConfidence is the floor under which a classification is routed to
// manual review instead of driving an automatic transition.
const minConfidence = 0.5

// ReplyClassification is a Classification plus the manual-review decision.
type ReplyClassification struct {
	Classification
	ManualReview bool
}

// ResponseAnalyzer classifies inbound replies through the AI analysis call,
// with a deterministic keyword fallback when the model output is unusable.
type ResponseAnalyzer struct {
	generator ContentGenerator
	timeout   time.Duration
	logger    *logrus.Entry
}

func NewResponseAnalyzer(generator ContentGenerator, timeout time.Duration, logger *logrus.Entry) *ResponseAnalyzer {
	return &ResponseAnalyzer{
		generator: generator,
		timeout:   timeout,
		logger:    logger,
	}
}

// Classify returns the sentiment/intent classification for replyText.
// Unclassifiable or low-confidence results take the conservative path: no
// escalation, flagged for manual review.
func (ra *ResponseAnalyzer) Classify(ctx context.Context, replyText string) ReplyClassification {
	ctx, cancel := context.WithTimeout(ctx, ra.timeout)
	defer cancel()

	cls, err := ra.generator.Analyze(ctx, replyText)
	if err != nil || !validClassification(cls) {
		if err != nil {
			ra.logger.WithError(err).Warn("AI analysis unavailable, using keyword fallback")
		}
		return fallbackClassify(replyText)
	}

	return ReplyClassification{
		Classification: cls,
		ManualReview:   cls.Confidence < minConfidence,
	}
}

func validClassification(cls Classification) bool {
	switch cls.Sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
	default:
		return false
	}
	switch cls.Intent {
	case IntentInterested, IntentNotInterested, IntentUnsubscribe, IntentOutOfOffice:
	default:
		return false
	}
	return cls.Confidence >= 0 && cls.Confidence <= 1
}

var (
	unsubscribePhrases = []string{"unsubscribe", "remove me", "opt out", "stop emailing", "take me off"}
	oooPhrases         = []string{"out of office", "on vacation", "annual leave", "parental leave", "auto-reply", "automatic reply"}
	positivePhrases    = []string{"interested", "sounds good", "let's talk", "tell me more", "schedule a call", "book a meeting", "yes"}
	negativePhrases    = []string{"not interested", "no thanks", "not a fit", "no budget", "not right now"}
)

// fallbackClassify is the keyword classifier used when the AI analysis is
// unavailable or returns something outside the schema. Deterministic for
// identical input.
func fallbackClassify(replyText string) ReplyClassification {
	text := strings.ToLower(replyText)

	for _, p := range unsubscribePhrases {
		if strings.Contains(text, p) {
			return ReplyClassification{
				Classification: Classification{Sentiment: SentimentNegative, Intent: IntentUnsubscribe, Confidence: 0.9},
			}
		}
	}
	for _, p := range oooPhrases {
		if strings.Contains(text, p) {
			return ReplyClassification{
				Classification: Classification{Sentiment: SentimentNeutral, Intent: IntentOutOfOffice, Confidence: 0.9},
			}
		}
	}

	// Negative phrases win over positive: "not interested" contains
	// "interested".
	for _, p := range negativePhrases {
		if strings.Contains(text, p) {
			return ReplyClassification{
				Classification: Classification{Sentiment: SentimentNegative, Intent: IntentNotInterested, Confidence: 0.6},
			}
		}
	}
	for _, p := range positivePhrases {
		if strings.Contains(text, p) {
			return ReplyClassification{
				Classification: Classification{Sentiment: SentimentPositive, Intent: IntentInterested, Confidence: 0.6},
			}
		}
	}

	// Nothing matched: conservative path, flagged for a human.
	return ReplyClassification{
		Classification: Classification{Sentiment: SentimentNeutral, Intent: IntentNotInterested, Confidence: 0.3},
		ManualReview:   true,
	}
}
