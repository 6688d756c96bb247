package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreachly/models"
)

func geminiTextResponse(text string) string {
	resp := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{
				"parts": []map[string]string{{"text": text}},
			}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func testPromptContext() PromptContext {
	return PromptContext{
		Lead: &models.Lead{
			Email:      "ana@acme.io",
			FirstName:  "Ana",
			Company:    "Acme",
			Position:   "CTO",
			PainPoints: []string{"churn"},
		},
		Step:      &models.SequenceStep{TemplateID: "tpl-intro", Prompt: "Introduce our analytics product."},
		StepIndex: 0,
	}
}

func TestGenerateParsesModelOutput(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(geminiTextResponse(`{"subject": "Quick question", "body": "Hi Ana"}`)))
	}))
	defer srv.Close()

	client := NewGeminiClient("test-key", "gemini-pro", srv.URL, time.Second)
	content, err := client.Generate(context.Background(), testPromptContext())

	require.NoError(t, err)
	assert.Equal(t, "Quick question", content.Subject)
	assert.Equal(t, "Hi Ana", content.Body)
	assert.Equal(t, "gemini-pro", content.Model)
	assert.Equal(t, "/v1beta/models/gemini-pro:generateContent", gotPath)
}

func TestGenerateToleratesMarkdownFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiTextResponse("```json\n{\"subject\": \"S\", \"body\": \"B\"}\n```")))
	}))
	defer srv.Close()

	client := NewGeminiClient("k", "m", srv.URL, time.Second)
	content, err := client.Generate(context.Background(), testPromptContext())

	require.NoError(t, err)
	assert.Equal(t, "S", content.Subject)
}

func TestGenerateRejectsIncompleteOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiTextResponse(`{"subject": "only a subject"}`)))
	}))
	defer srv.Close()

	client := NewGeminiClient("k", "m", srv.URL, time.Second)
	_, err := client.Generate(context.Background(), testPromptContext())

	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestGenerateClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewGeminiClient("k", "m", srv.URL, time.Second)
			_, err := client.Generate(context.Background(), testPromptContext())

			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestAnalyzeParsesClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiTextResponse(`{"sentiment": "positive", "intent": "interested", "confidence": 0.88}`)))
	}))
	defer srv.Close()

	client := NewGeminiClient("k", "m", srv.URL, time.Second)
	cls, err := client.Analyze(context.Background(), "yes, let's talk")

	require.NoError(t, err)
	assert.Equal(t, SentimentPositive, cls.Sentiment)
	assert.Equal(t, IntentInterested, cls.Intent)
	assert.InDelta(t, 0.88, cls.Confidence, 0.001)
}

func TestBuildEmailPromptIncludesFollowUpContext(t *testing.T) {
	pc := testPromptContext()
	pc.FollowUpNumber = 2

	prompt := buildEmailPrompt(pc)
	assert.Contains(t, prompt, "follow-up #2")
	assert.Contains(t, prompt, "Acme")
	assert.Contains(t, prompt, "churn")
}
