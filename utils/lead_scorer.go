package utils

import (
	"strings"

	"outreachly/models"
)

var decisionMakerTitles = []string{"ceo", "cto", "cfo", "coo", "founder", "vp", "director", "head", "manager"}

var industryKeywords = []string{
	"software", "technology", "saas", "startup", "digital", "platform",
	"banking", "financial", "insurance", "investment",
	"health", "medical", "pharmaceutical", "hospital",
	"ecommerce", "retail", "consumer",
}

// ScoreLead maps lead attributes to a priority bucket. The scoring is a
// fixed deterministic function of the input features; a lead that cannot be
// scored (missing required fields) defaults to Warm rather than blocking
// enrollment.
func ScoreLead(lead *models.Lead) string {
	if lead == nil || lead.Email == "" {
		return models.ScoreWarm
	}

	score := 0.0

	// Seniority: decision makers respond to different messaging and are
	// worth reaching first.
	title := strings.ToLower(lead.Position)
	for _, t := range decisionMakerTitles {
		if strings.Contains(title, t) {
			score += 0.3
			break
		}
	}

	// Known pain points make personalization land.
	if len(lead.PainPoints) > 0 {
		score += 0.2
		if len(lead.PainPoints) >= 3 {
			score += 0.1
		}
	}

	// A usable company description signals a researched lead.
	if len(lead.CompanyDescription) > 50 {
		score += 0.2
	}

	desc := strings.ToLower(lead.Industry + " " + lead.CompanyDescription)
	for _, kw := range industryKeywords {
		if strings.Contains(desc, kw) {
			score += 0.2
			break
		}
	}

	switch {
	case score >= 0.7:
		return models.ScoreHot
	case score >= 0.3:
		return models.ScoreWarm
	default:
		return models.ScoreCold
	}
}

// ScoreRank orders buckets for scheduling: Hot before Warm before Cold.
// Unscored leads sort with Warm.
func ScoreRank(score string) int {
	switch score {
	case models.ScoreHot:
		return 0
	case models.ScoreCold:
		return 2
	default:
		return 1
	}
}
