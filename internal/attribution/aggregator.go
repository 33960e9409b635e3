package attribution

import (
	"math"

	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/shopspring/decimal"
)

// Aggregator folds a campaign's daily metrics and matched events into
// an attribution summary.
type Aggregator struct {
	// ZeroSpendROAS is reported when the window has no spend.
	ZeroSpendROAS float64
}

// Aggregate builds the attribution for c. matched must already be
// restricted to the window and ordered; spend is filtered here.
func (a Aggregator) Aggregate(c *models.Campaign, matched []*models.WebhookEvent, w models.Window) *models.CampaignAttribution {
	spend := decimal.Zero
	for _, m := range c.DailyMetrics {
		if w.ContainsDay(m.Date) {
			spend = spend.Add(decimal.NewFromFloat(m.Spend))
		}
	}

	revenue := decimal.Zero
	salesCount := 0
	txs := make(map[string]*transaction)
	txFor := func(e *models.WebhookEvent) *transaction {
		key := string(e.Source) + "|" + e.ExternalID
		tx := txs[key]
		if tx == nil {
			tx = &transaction{}
			txs[key] = tx
		}
		return tx
	}
	out := make([]models.MatchedWebhookEvent, 0, len(matched))

	for _, e := range matched {
		out = append(out, e.ToMatched())

		switch e.Kind() {
		case models.EventKindSale:
			amt := decimal.Zero
			if e.Amount != nil {
				amt = decimal.NewFromFloat(*e.Amount)
			}
			if e.ExternalID != "" {
				tx := txFor(e)
				// Later sale events of a transaction (Hotmart's
				// PURCHASE_COMPLETE after PURCHASE_APPROVED) are the same sale.
				if tx.sold {
					continue
				}
				tx.sold = true
				tx.sale = amt
			}
			salesCount++
			revenue = revenue.Add(amt)

		case models.EventKindReversal:
			amt := decimal.Zero
			if e.Amount != nil {
				amt = decimal.NewFromFloat(math.Abs(*e.Amount))
			}
			if e.ExternalID == "" {
				revenue = revenue.Sub(amt)
				continue
			}
			revenue = revenue.Sub(txFor(e).reverse(amt, e.Amount != nil))
		}
	}

	totalSpend := spend.Round(2).InexactFloat64()
	totalRevenue := revenue.Round(2).InexactFloat64()

	return &models.CampaignAttribution{
		CampaignID:         c.ID,
		CampaignName:       c.Name,
		CampaignDocumentID: c.DocumentID,
		TotalSpend:         totalSpend,
		TotalRevenue:       totalRevenue,
		ROAS:               a.roas(totalRevenue, totalSpend),
		SalesCount:         salesCount,
		MatchedEvents:      out,
	}
}

func (a Aggregator) roas(revenue, spend float64) float64 {
	if spend <= 0 {
		return a.ZeroSpendROAS
	}
	r := revenue / spend
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return a.ZeroSpendROAS
	}
	return r
}

// transaction tracks one platform sale across its webhook events so it
// is counted once and reversed at most in full.
type transaction struct {
	sold     bool
	sale     decimal.Decimal
	reversed decimal.Decimal
}

// reverse returns how much of a reversal may still be subtracted.
// Reversals of a known sale accumulate up to the sale amount, and one
// without an amount reverses what is left. Without a sale in the window
// only the largest reversal amount counts.
func (tx *transaction) reverse(amt decimal.Decimal, hasAmount bool) decimal.Decimal {
	if tx.sold {
		remaining := tx.sale.Sub(tx.reversed)
		if !hasAmount || amt.GreaterThan(remaining) {
			amt = remaining
		}
		if !amt.IsPositive() {
			return decimal.Zero
		}
		tx.reversed = tx.reversed.Add(amt)
		return amt
	}
	if !amt.GreaterThan(tx.reversed) {
		return decimal.Zero
	}
	sub := amt.Sub(tx.reversed)
	tx.reversed = amt
	return sub
}
