package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"outreachly/models"
)

// ContentFingerprint identifies a unique (lead, template, step) content
// request. The same lead attributes, template and step always hash to the
// same fingerprint, which is what makes the generation cache safe.
func ContentFingerprint(lead *models.Lead, templateID string, stepIndex int) string {
	h := sha256.New()
	fields := []string{
		lead.Email,
		lead.FirstName,
		lead.LastName,
		lead.Company,
		lead.Position,
		lead.CompanyDescription,
	}
	fields = append(fields, lead.PainPoints...)
	fields = append(fields, templateID)
	// Length-prefix every field so adjacent values can never collide on a
	// shared separator character.
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s", len(f), f)
	}
	fmt.Fprintf(h, "%d", stepIndex)
	return hex.EncodeToString(h.Sum(nil))
}
