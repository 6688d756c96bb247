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

	"outreachly/models"
)

// GeneratedContent is the immutable artifact produced for one fingerprint.
type GeneratedContent struct {
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PromptContext carries everything the generator needs to personalize one
// sequence step for one lead.
type PromptContext struct {
	Lead           *models.Lead
	Step           *models.SequenceStep
	StepIndex      int
	FollowUpNumber int
}

// Classification is the structured result of analyzing an inbound reply.
type Classification struct {
	Sentiment  string  `json:"sentiment"`  // positive, neutral, negative
	Intent     string  `json:"intent"`     // interested, not_interested, unsubscribe, out_of_office
	Confidence float64 `json:"confidence"` // 0..1
}

// ContentGenerator is the external AI content/analysis service.
type ContentGenerator interface {
	Generate(ctx context.Context, pc PromptContext) (GeneratedContent, error)
	Analyze(ctx context.Context, replyText string) (Classification, error)
}

// GeminiClient talks to the Gemini generateContent API.
type GeminiClient struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewGeminiClient(apiKey, model, baseURL string, timeout time.Duration) *GeminiClient {
	return &GeminiClient{
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate produces subject/body content for one step of one lead. The model
// is instructed to answer with a strict JSON object; anything that does not
// match the schema is a GenerationFailed, not a crash.
func (g *GeminiClient) Generate(ctx context.Context, pc PromptContext) (GeneratedContent, error) {
	prompt := buildEmailPrompt(pc)

	text, err := g.complete(ctx, prompt)
	if err != nil {
		return GeneratedContent{}, err
	}

	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &out); err != nil {
		return GeneratedContent{}, fmt.Errorf("%w: malformed model output: %v", ErrGenerationFailed, err)
	}
	if out.Subject == "" || out.Body == "" {
		return GeneratedContent{}, fmt.Errorf("%w: model output missing subject or body", ErrGenerationFailed)
	}

	return GeneratedContent{
		Subject:     out.Subject,
		Body:        out.Body,
		Model:       g.Model,
		GeneratedAt: time.Now(),
	}, nil
}

// Analyze classifies an inbound reply. The caller falls back to keyword
// classification when the model output is unusable.
func (g *GeminiClient) Analyze(ctx context.Context, replyText string) (Classification, error) {
	prompt := fmt.Sprintf(`Analyze this email reply from a sales prospect.

Reply:
%s

Respond with a JSON object only:
{"sentiment": "positive"|"neutral"|"negative", "intent": "interested"|"not_interested"|"unsubscribe"|"out_of_office", "confidence": 0.0-1.0}`, replyText)

	text, err := g.complete(ctx, prompt)
	if err != nil {
		return Classification{}, err
	}

	var cls Classification
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &cls); err != nil {
		return Classification{}, fmt.Errorf("%w: malformed analysis output: %v", ErrGenerationFailed, err)
	}
	return cls, nil
}

func (g *GeminiClient) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMIMEType: "application/json",
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.BaseURL, g.Model, g.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", Transient(fmt.Errorf("gemini returned %d: %s", resp.StatusCode, truncate(body, 200)))
	default:
		return "", Permanent(fmt.Errorf("gemini returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func buildEmailPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString("Write a personalized outreach email.\n\n")
	if pc.Step.Prompt != "" {
		b.WriteString(pc.Step.Prompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Lead:\n- Name: %s\n- Company: %s\n- Role: %s\n",
		pc.Lead.FullName(), pc.Lead.Company, pc.Lead.Position)
	if pc.Lead.CompanyDescription != "" {
		fmt.Fprintf(&b, "- Company description: %s\n", pc.Lead.CompanyDescription)
	}
	if len(pc.Lead.PainPoints) > 0 {
		fmt.Fprintf(&b, "- Pain points: %s\n", strings.Join(pc.Lead.PainPoints, ", "))
	}
	if pc.FollowUpNumber > 0 {
		fmt.Fprintf(&b, "\nThis is follow-up #%d after no reply. Keep it short and reference the earlier email.\n", pc.FollowUpNumber)
	}
	b.WriteString("\nRespond with a JSON object only: {\"subject\": \"...\", \"body\": \"...\"}")
	return b.String()
}

// stripCodeFence tolerates models that wrap JSON in markdown fences.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
