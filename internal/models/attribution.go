package models

import "time"

// CampaignAttribution is the read model served to the dashboard.
type CampaignAttribution struct {
	CampaignID         int64                 `json:"campaignId"`
	CampaignName       string                `json:"campaignName"`
	CampaignDocumentID string                `json:"campaignDocumentId"`
	TotalSpend         float64               `json:"totalSpend"`
	TotalRevenue       float64               `json:"totalRevenue"`
	ROAS               float64               `json:"roas"`
	SalesCount         int                   `json:"salesCount"`
	MatchedEvents      []MatchedWebhookEvent `json:"matchedEvents"`
}

// MatchedWebhookEvent is a WebhookEvent as rendered next to a campaign.
type MatchedWebhookEvent struct {
	ID          int64         `json:"id"`
	DocumentID  string        `json:"documentId"`
	Source      WebhookSource `json:"source"`
	EventType   string        `json:"eventType"`
	Amount      *float64      `json:"amount,omitempty"`
	UTMSource   string        `json:"utmSource,omitempty"`
	UTMMedium   string        `json:"utmMedium,omitempty"`
	UTMCampaign string        `json:"utmCampaign,omitempty"`
	ProcessedAt time.Time     `json:"processedAt"`
	Product     *Product      `json:"product,omitempty"`
}

// ToMatched projects the event onto the dashboard shape.
func (e *WebhookEvent) ToMatched() MatchedWebhookEvent {
	m := MatchedWebhookEvent{
		ID:          e.ID,
		DocumentID:  e.DocumentID,
		Source:      e.Source,
		EventType:   e.EventType,
		UTMSource:   e.UTMSource,
		UTMMedium:   e.UTMMedium,
		UTMCampaign: e.UTMCampaign,
		ProcessedAt: e.ProcessedAt.UTC(),
	}
	if e.Amount != nil {
		a := *e.Amount
		m.Amount = &a
	}
	if e.Product != nil {
		p := *e.Product
		m.Product = &p
	}
	return m
}

// Window bounds an attribution query. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// ContainsDay reports whether the calendar day d falls inside the window.
func (w Window) ContainsDay(d time.Time) bool {
	d = Day(d)
	if !w.From.IsZero() && d.Before(Day(w.From)) {
		return false
	}
	if !w.To.IsZero() && d.After(Day(w.To)) {
		return false
	}
	return true
}

// Contains reports whether instant t falls inside [From 00:00, To+1d 00:00).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(Day(w.From)) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.EndExclusive()) {
		return false
	}
	return true
}

// EndExclusive is the first instant after the window, or zero when open.
func (w Window) EndExclusive() time.Time {
	if w.To.IsZero() {
		return time.Time{}
	}
	return Day(w.To).AddDate(0, 0, 1)
}
