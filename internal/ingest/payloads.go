package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/shopspring/decimal"
)

// flexString accepts both JSON strings and numbers. Platforms are not
// consistent about ids and amounts.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// normalized is a platform payload mapped onto the event model, plus the
// buyer IP used for country enrichment.
type normalized struct {
	event   *models.WebhookEvent
	buyerIP string
}

// =============================================
// HOTMART
// =============================================

type hotmartPayload struct {
	ID           string `json:"id"`
	Event        string `json:"event" validate:"required"`
	CreationDate int64  `json:"creation_date"`
	Data         struct {
		Product struct {
			ID   flexString `json:"id"`
			Name string     `json:"name"`
		} `json:"product"`
		Buyer struct {
			Address struct {
				CountryISO string `json:"country_iso"`
			} `json:"address"`
		} `json:"buyer"`
		Purchase struct {
			Transaction string `json:"transaction" validate:"required"`
			Price       struct {
				Value         *float64 `json:"value" validate:"omitempty,gte=0"`
				CurrencyValue string   `json:"currency_value"`
			} `json:"price"`
			Origin struct {
				Src  string `json:"src"`
				Sck  string `json:"sck"`
				Xcod string `json:"xcod"`
			} `json:"origin"`
		} `json:"purchase"`
	} `json:"data"`
}

func (p *hotmartPayload) normalize() normalized {
	purchase := p.Data.Purchase
	e := &models.WebhookEvent{
		Source:       models.SourceHotmart,
		EventType:    p.Event,
		ExternalID:   purchase.Transaction,
		Amount:       purchase.Price.Value,
		Currency:     strings.ToUpper(purchase.Price.CurrencyValue),
		UTMSource:    purchase.Origin.Src,
		UTMMedium:    purchase.Origin.Sck,
		UTMCampaign:  purchase.Origin.Xcod,
		BuyerCountry: strings.ToUpper(p.Data.Buyer.Address.CountryISO),
		Product:      product(string(p.Data.Product.ID), p.Data.Product.Name),
	}
	return normalized{event: e}
}

// =============================================
// KIWIFY
// =============================================

type kiwifyPayload struct {
	OrderID          string `json:"order_id" validate:"required"`
	OrderStatus      string `json:"order_status"`
	WebhookEventType string `json:"webhook_event_type"`
	Product          struct {
		ProductID   string `json:"product_id"`
		ProductName string `json:"product_name"`
	} `json:"Product"`
	Customer struct {
		IP string `json:"ip" validate:"omitempty,ip"`
	} `json:"Customer"`
	Commissions struct {
		ChargeAmount flexString `json:"charge_amount"`
		Currency     string     `json:"currency"`
	} `json:"Commissions"`
	TrackingParameters struct {
		UTMSource   string `json:"utm_source"`
		UTMMedium   string `json:"utm_medium"`
		UTMCampaign string `json:"utm_campaign"`
	} `json:"TrackingParameters"`
}

func (p *kiwifyPayload) normalize() (normalized, error) {
	eventType := p.WebhookEventType
	if eventType == "" {
		eventType = p.OrderStatus
	}
	if eventType == "" {
		return normalized{}, fmt.Errorf("webhook_event_type or order_status is required")
	}

	amount, err := centsToUnits(string(p.Commissions.ChargeAmount))
	if err != nil {
		return normalized{}, fmt.Errorf("charge_amount: %w", err)
	}

	e := &models.WebhookEvent{
		Source:      models.SourceKiwify,
		EventType:   eventType,
		ExternalID:  p.OrderID,
		Amount:      amount,
		Currency:    strings.ToUpper(p.Commissions.Currency),
		UTMSource:   p.TrackingParameters.UTMSource,
		UTMMedium:   p.TrackingParameters.UTMMedium,
		UTMCampaign: p.TrackingParameters.UTMCampaign,
		Product:     product(p.Product.ProductID, p.Product.ProductName),
	}
	return normalized{event: e, buyerIP: p.Customer.IP}, nil
}

// centsToUnits converts an integer cent amount such as "9700" to 97.00.
func centsToUnits(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", s)
	}
	v := d.Shift(-2).InexactFloat64()
	return &v, nil
}

// =============================================
// KIRVANO
// =============================================

type kirvanoPayload struct {
	Event      string `json:"event" validate:"required"`
	SaleID     string `json:"sale_id" validate:"required"`
	TotalPrice string `json:"total_price"`
	Products   []struct {
		ID   flexString `json:"id"`
		Name string     `json:"name"`
	} `json:"products"`
	UTM struct {
		UTMSource   string `json:"utm_source"`
		UTMMedium   string `json:"utm_medium"`
		UTMCampaign string `json:"utm_campaign"`
	} `json:"utm"`
}

func (p *kirvanoPayload) normalize() (normalized, error) {
	amount, err := parseBRL(p.TotalPrice)
	if err != nil {
		return normalized{}, fmt.Errorf("total_price: %w", err)
	}

	e := &models.WebhookEvent{
		Source:      models.SourceKirvano,
		EventType:   p.Event,
		ExternalID:  p.SaleID,
		Amount:      amount,
		UTMSource:   p.UTM.UTMSource,
		UTMMedium:   p.UTM.UTMMedium,
		UTMCampaign: p.UTM.UTMCampaign,
	}
	if amount != nil {
		e.Currency = "BRL"
	}
	if len(p.Products) > 0 {
		e.Product = product(string(p.Products[0].ID), p.Products[0].Name)
	}
	return normalized{event: e}, nil
}

// parseBRL parses Brazilian formatted prices: "R$ 1.297,50" -> 1297.50.
func parseBRL(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative price %q", s)
	}
	v := d.Round(2).InexactFloat64()
	return &v, nil
}

// =============================================
// CUSTOM
// =============================================

// customPayload is the documented shape for integrations without a
// dedicated adapter.
type customPayload struct {
	EventType    string     `json:"eventType" validate:"required,max=64"`
	ExternalID   string     `json:"externalId" validate:"max=128"`
	Amount       *float64   `json:"amount" validate:"omitempty,gte=0"`
	Currency     string     `json:"currency" validate:"omitempty,len=3,alpha"`
	UTMSource    string     `json:"utmSource" validate:"max=255"`
	UTMMedium    string     `json:"utmMedium" validate:"max=255"`
	UTMCampaign  string     `json:"utmCampaign" validate:"max=255"`
	ProcessedAt  *time.Time `json:"processedAt"`
	BuyerIP      string     `json:"buyerIp" validate:"omitempty,ip"`
	BuyerCountry string     `json:"buyerCountry" validate:"omitempty,iso3166_1_alpha2"`
	Product      *struct {
		ID         string `json:"id"`
		DocumentID string `json:"documentId"`
		Name       string `json:"name"`
	} `json:"product"`
}

func (p *customPayload) normalize() normalized {
	e := &models.WebhookEvent{
		Source:       models.SourceCustom,
		EventType:    p.EventType,
		ExternalID:   p.ExternalID,
		Amount:       p.Amount,
		Currency:     strings.ToUpper(p.Currency),
		UTMSource:    p.UTMSource,
		UTMMedium:    p.UTMMedium,
		UTMCampaign:  p.UTMCampaign,
		BuyerCountry: strings.ToUpper(p.BuyerCountry),
	}
	if p.ProcessedAt != nil {
		e.ProcessedAt = p.ProcessedAt.UTC()
	}
	if p.Product != nil && (p.Product.ID != "" || p.Product.DocumentID != "" || p.Product.Name != "") {
		e.Product = &models.Product{
			ID:         p.Product.ID,
			DocumentID: p.Product.DocumentID,
			Name:       p.Product.Name,
		}
	}
	return normalized{event: e, buyerIP: p.BuyerIP}
}

func product(id, name string) *models.Product {
	if id == "" && name == "" {
		return nil
	}
	return &models.Product{ID: id, Name: name}
}
