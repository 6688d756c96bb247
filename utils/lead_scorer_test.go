package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"outreachly/models"
)

func TestScoreLeadBuckets(t *testing.T) {
	tests := []struct {
		name string
		lead *models.Lead
		want string
	}{
		{
			name: "decision maker with rich profile is hot",
			lead: &models.Lead{
				Email:              "vp@acme.io",
				Position:           "VP of Engineering",
				PainPoints:         []string{"churn", "slow onboarding", "manual reporting"},
				CompanyDescription: "Acme builds a SaaS platform for mid-market logistics teams across Europe.",
			},
			want: models.ScoreHot,
		},
		{
			name: "title only is warm",
			lead: &models.Lead{
				Email:    "cto@small.co",
				Position: "CTO",
			},
			want: models.ScoreWarm,
		},
		{
			name: "no signals is cold",
			lead: &models.Lead{
				Email:    "info@generic.com",
				Position: "Assistant",
			},
			want: models.ScoreCold,
		},
		{
			name: "nil lead defaults warm",
			lead: nil,
			want: models.ScoreWarm,
		},
		{
			name: "missing email defaults warm",
			lead: &models.Lead{Position: "CEO"},
			want: models.ScoreWarm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreLead(tt.lead))
		})
	}
}

func TestScoreLeadIsDeterministic(t *testing.T) {
	lead := &models.Lead{
		Email:      "ana@acme.io",
		Position:   "Head of Growth",
		PainPoints: []string{"pipeline"},
	}
	first := ScoreLead(lead)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ScoreLead(lead))
	}
}

func TestScoreLeadIndustryKeywordCountsOnce(t *testing.T) {
	lead := &models.Lead{
		Email:              "x@y.io",
		Industry:           "fintech banking",
		CompanyDescription: "software and insurance platform",
	}
	// The description is too short for the research bonus; the keyword
	// bonus applies once regardless of how many keywords match.
	assert.Equal(t, models.ScoreCold, ScoreLead(lead))
}

func TestScoreRankOrdersBuckets(t *testing.T) {
	assert.Less(t, ScoreRank(models.ScoreHot), ScoreRank(models.ScoreWarm))
	assert.Less(t, ScoreRank(models.ScoreWarm), ScoreRank(models.ScoreCold))
	assert.Equal(t, ScoreRank(models.ScoreWarm), ScoreRank(""), "unscored sorts with warm")
}
