package models

import (
	"strings"
	"time"
)

// ===========================================
// WEBHOOK EVENT
// ===========================================

type WebhookSource string

const (
	SourceHotmart WebhookSource = "hotmart"
	SourceKiwify  WebhookSource = "kiwify"
	SourceKirvano WebhookSource = "kirvano"
	SourceCustom  WebhookSource = "custom"
)

// ParseWebhookSource returns the source for s and whether it is known.
func ParseWebhookSource(s string) (WebhookSource, bool) {
	switch src := WebhookSource(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceHotmart, SourceKiwify, SourceKirvano, SourceCustom:
		return src, true
	}
	return "", false
}

// Product is the optional product reference carried by a sale.
type Product struct {
	ID         string `json:"id,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Name       string `json:"name,omitempty"`
}

// WebhookEvent is a payment-platform notification after normalization.
// Events are immutable once stored.
type WebhookEvent struct {
	ID         int64         `json:"id"`
	DocumentID string        `json:"documentId"`
	ProjectID  int64         `json:"projectId"`
	Source     WebhookSource `json:"source"`
	EventType  string        `json:"eventType"`
	ExternalID string        `json:"externalId,omitempty"`

	// Amount is only set for revenue-bearing events, or for reversals
	// whose platform reports the reversed value.
	Amount   *float64 `json:"amount,omitempty"`
	Currency string   `json:"currency,omitempty"`

	UTMSource   string `json:"utmSource,omitempty"`
	UTMMedium   string `json:"utmMedium,omitempty"`
	UTMCampaign string `json:"utmCampaign,omitempty"`

	BuyerCountry string   `json:"buyerCountry,omitempty"`
	Product      *Product `json:"product,omitempty"`

	ProcessedAt time.Time `json:"processedAt"`
}

// Kind classifies the event for attribution.
func (e *WebhookEvent) Kind() EventKind {
	return ClassifyEvent(e.Source, e.EventType)
}

// ===========================================
// EVENT CLASSIFICATION
// ===========================================

type EventKind string

const (
	EventKindSale     EventKind = "sale"
	EventKindReversal EventKind = "reversal"
	EventKindOther    EventKind = "other"
)

// platformEventKinds maps platform event names (lower-cased) to kinds.
var platformEventKinds = map[WebhookSource]map[string]EventKind{
	SourceHotmart: {
		"purchase_approved":   EventKindSale,
		"purchase_complete":   EventKindSale,
		"purchase_refunded":   EventKindReversal,
		"purchase_chargeback": EventKindReversal,
	},
	SourceKiwify: {
		"order_approved": EventKindSale,
		"paid":           EventKindSale,
		"order_refunded": EventKindReversal,
		"refunded":       EventKindReversal,
		"chargeback":     EventKindReversal,
		"chargedback":    EventKindReversal,
	},
	SourceKirvano: {
		"sale_approved":   EventKindSale,
		"sale_refunded":   EventKindReversal,
		"sale_chargeback": EventKindReversal,
	},
}

// genericEventKinds apply to every source, custom included.
var genericEventKinds = map[string]EventKind{
	"purchase":          EventKindSale,
	"purchase_approved": EventKindSale,
	"sale":              EventKindSale,
	"sale_approved":     EventKindSale,
	"approved":          EventKindSale,
	"refund":            EventKindReversal,
	"refunded":          EventKindReversal,
	"chargeback":        EventKindReversal,
}

// ClassifyEvent maps a platform event type to its attribution kind.
func ClassifyEvent(source WebhookSource, eventType string) EventKind {
	et := strings.ToLower(strings.TrimSpace(eventType))
	if kinds, ok := platformEventKinds[source]; ok {
		if k, ok := kinds[et]; ok {
			return k
		}
	}
	if k, ok := genericEventKinds[et]; ok {
		return k
	}
	return EventKindOther
}
