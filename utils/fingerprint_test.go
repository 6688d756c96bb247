package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"outreachly/models"
)

func TestContentFingerprintIsDeterministic(t *testing.T) {
	lead := &models.Lead{
		Email:      "ana@acme.io",
		FirstName:  "Ana",
		LastName:   "Ruiz",
		Company:    "Acme",
		Position:   "VP Engineering",
		PainPoints: []string{"slow onboarding", "churn"},
	}

	a := ContentFingerprint(lead, "tpl-intro", 0)
	b := ContentFingerprint(lead, "tpl-intro", 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentFingerprintChangesWithInputs(t *testing.T) {
	lead := &models.Lead{Email: "ana@acme.io", FirstName: "Ana"}
	base := ContentFingerprint(lead, "tpl-intro", 0)

	assert.NotEqual(t, base, ContentFingerprint(lead, "tpl-intro", 1), "step index must change the fingerprint")
	assert.NotEqual(t, base, ContentFingerprint(lead, "tpl-followup", 0), "template must change the fingerprint")

	other := &models.Lead{Email: "ben@acme.io", FirstName: "Ana"}
	assert.NotEqual(t, base, ContentFingerprint(other, "tpl-intro", 0), "lead attributes must change the fingerprint")
}

func TestContentFingerprintFieldBoundariesCannotCollide(t *testing.T) {
	// Adjacent attributes must hash distinctly even when a value contains
	// what could pass for a separator.
	a := &models.Lead{Email: "ana@acme.io", FirstName: "a|b", LastName: "c"}
	b := &models.Lead{Email: "ana@acme.io", FirstName: "a", LastName: "b|c"}
	assert.NotEqual(t, ContentFingerprint(a, "tpl", 0), ContentFingerprint(b, "tpl", 0))

	c := &models.Lead{Email: "ana@acme.io", PainPoints: []string{"slow", "churn"}}
	d := &models.Lead{Email: "ana@acme.io", PainPoints: []string{"slow;churn"}}
	assert.NotEqual(t, ContentFingerprint(c, "tpl", 0), ContentFingerprint(d, "tpl", 0))
}

func TestContentFingerprintIgnoresVolatileFields(t *testing.T) {
	lead := &models.Lead{Email: "ana@acme.io"}
	base := ContentFingerprint(lead, "tpl", 0)

	lead.Score = models.ScoreHot
	lead.IsUnsubscribed = true
	assert.Equal(t, base, ContentFingerprint(lead, "tpl", 0))
}
