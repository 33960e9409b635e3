package attribution

import (
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/models"
	"go.uber.org/zap"
)

type matchStrength int

const (
	noMatch matchStrength = iota
	nameMatch
	externalIDMatch
)

// NormalizeName lower-cases s, trims it and collapses inner whitespace.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type candidate struct {
	campaign   *models.Campaign
	externalID string
	name       string
	lastActive time.Time
}

func newCandidate(c *models.Campaign) candidate {
	return candidate{
		campaign:   c,
		externalID: strings.TrimSpace(c.ExternalID),
		name:       NormalizeName(c.Name),
		lastActive: c.LastActiveDay(),
	}
}

func (c candidate) strength(utm, normalizedUTM string) matchStrength {
	if c.externalID != "" && utm == c.externalID {
		return externalIDMatch
	}
	if c.name != "" && normalizedUTM == c.name {
		return nameMatch
	}
	return noMatch
}

// beats orders candidates of equal strength: latest day with spend, then
// latest update, then highest id.
func (c candidate) beats(o candidate) bool {
	if !c.lastActive.Equal(o.lastActive) {
		return c.lastActive.After(o.lastActive)
	}
	if !c.campaign.UpdatedAt.Equal(o.campaign.UpdatedAt) {
		return c.campaign.UpdatedAt.After(o.campaign.UpdatedAt)
	}
	return c.campaign.ID > o.campaign.ID
}

// Matcher decides which webhook events belong to a campaign.
type Matcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewMatcher(logger *zap.Logger, m *metrics.Metrics) *Matcher {
	return &Matcher{logger: logger, metrics: m}
}

// Match returns the events attributed to target, ordered by processedAt
// then id. projectCampaigns are the competing campaigns of target's
// project; an event whose utm_campaign matches several of them goes to
// exactly one. Inputs are not modified.
func (m *Matcher) Match(target *models.Campaign, projectCampaigns []*models.Campaign, events []*models.WebhookEvent) []*models.WebhookEvent {
	candidates := make([]candidate, 0, len(projectCampaigns)+1)
	candidates = append(candidates, newCandidate(target))
	for _, c := range projectCampaigns {
		if c.ID == target.ID {
			continue
		}
		candidates = append(candidates, newCandidate(c))
	}
	self := candidates[0]

	matched := make([]*models.WebhookEvent, 0)
	for _, e := range events {
		utm := strings.TrimSpace(e.UTMCampaign)
		if utm == "" {
			continue
		}
		normalized := NormalizeName(utm)

		own := self.strength(utm, normalized)
		if own == noMatch {
			continue
		}

		winner, winnerStrength, contenders := self, own, 1
		for _, c := range candidates[1:] {
			s := c.strength(utm, normalized)
			if s == noMatch {
				continue
			}
			contenders++
			if s > winnerStrength || (s == winnerStrength && c.beats(winner)) {
				winner, winnerStrength = c, s
			}
		}

		won := winner.campaign.ID == target.ID
		if contenders > 1 {
			m.logAmbiguous(e, target, winner.campaign, contenders, won)
		}
		if won {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].ProcessedAt.Equal(matched[j].ProcessedAt) {
			return matched[i].ProcessedAt.Before(matched[j].ProcessedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func (m *Matcher) logAmbiguous(e *models.WebhookEvent, target, winner *models.Campaign, contenders int, won bool) {
	resolution := "lost"
	if won {
		resolution = "won"
	}
	if m.metrics != nil {
		m.metrics.RecordAmbiguousMatch(resolution)
	}
	if m.logger != nil {
		m.logger.Warn("utm_campaign matches several campaigns",
			zap.Int64("event_id", e.ID),
			zap.String("utm_campaign", e.UTMCampaign),
			zap.Int64("campaign_id", target.ID),
			zap.Int64("winner_campaign_id", winner.ID),
			zap.Int("contenders", contenders),
		)
	}
}
