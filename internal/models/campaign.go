package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type CampaignStatus string

const (
	CampaignStatusActive   CampaignStatus = "active"
	CampaignStatusPaused   CampaignStatus = "paused"
	CampaignStatusArchived CampaignStatus = "archived"
	CampaignStatusRemoved  CampaignStatus = "removed"
	CampaignStatusDeleted  CampaignStatus = "deleted"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusActive, CampaignStatusPaused, CampaignStatusArchived,
		CampaignStatusRemoved, CampaignStatusDeleted:
		return true
	}
	return false
}

type AdPlatform string

const (
	PlatformMeta   AdPlatform = "meta"
	PlatformGoogle AdPlatform = "google"
)

func (p AdPlatform) Valid() bool {
	return p == PlatformMeta || p == PlatformGoogle
}

// Campaign is an ad campaign synced from Meta Ads or Google Ads.
// ExternalID is the id the ad platform assigned; it is one of the two
// values a sale's utm_campaign can carry to be attributed here.
type Campaign struct {
	ID         int64          `json:"id"`
	DocumentID string         `json:"documentId"`
	ProjectID  int64          `json:"projectId"`
	ExternalID string         `json:"externalId,omitempty"`
	Name       string         `json:"name"`
	Status     CampaignStatus `json:"status"`
	Platform   AdPlatform     `json:"platform"`

	DailyMetrics []DailyMetric `json:"dailyMetrics,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DailyMetric holds one day of delivery numbers for a campaign. Date is
// truncated to a UTC calendar day.
type DailyMetric struct {
	Date        time.Time `json:"date"`
	Spend       float64   `json:"spend"`
	Clicks      int64     `json:"clicks"`
	Conversions int64     `json:"conversions"`
	Leads       int64     `json:"leads"`
}

// Day returns t truncated to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (c *Campaign) Validate() error {
	if c.DocumentID == "" {
		return errors.New("documentId is required")
	}
	if c.ProjectID <= 0 {
		return errors.New("projectId is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	if !c.Platform.Valid() {
		return fmt.Errorf("invalid platform %q", c.Platform)
	}
	return nil
}

func (m *DailyMetric) Validate() error {
	if m.Date.IsZero() {
		return errors.New("date is required")
	}
	if math.IsNaN(m.Spend) || math.IsInf(m.Spend, 0) || m.Spend < 0 {
		return errors.New("spend must be a finite value >= 0")
	}
	if m.Clicks < 0 || m.Conversions < 0 || m.Leads < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// SameValues reports whether two entries for the same day carry identical numbers.
func (m DailyMetric) SameValues(o DailyMetric) bool {
	return m.Spend == o.Spend && m.Clicks == o.Clicks &&
		m.Conversions == o.Conversions && m.Leads == o.Leads
}

// LastActiveDay is the latest day with spend, or the zero time.
func (c *Campaign) LastActiveDay() time.Time {
	var last time.Time
	for _, m := range c.DailyMetrics {
		if m.Spend > 0 && m.Date.After(last) {
			last = m.Date
		}
	}
	return last
}
