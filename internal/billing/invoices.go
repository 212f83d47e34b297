package billing

import (
	"context"
	"math"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// pendingStatuses covers every spelling of "unpaid" observed in the upstream.
var pendingStatuses = map[string]bool{
	"pendiente":         true,
	"pendiente de pago": true,
	"no pagada":         true,
	"no pagado":         true,
	"vencida":           true,
	"vencido":           true,
	"por pagar":         true,
	"impago":            true,
	"impaga":            true,
	"mora":              true,
	"atrasado":          true,
	"atrasada":          true,
	"sin pagar":         true,
}

// statusFilters are tried in order as server-side estado filters before
// falling back to an unfiltered fetch.
var statusFilters = []string{
	"Pendiente", "pendiente",
	"Pendiente de Pago", "pendiente de pago",
	"Vencida", "vencida",
	"No Pagada", "no pagada",
	"Por Pagar",
}

// OutstandingBalance queries the customer's unpaid invoices and summarizes
// them. Every returned invoice is validated to actually belong to the
// resolved customer before it counts toward the balance: the upstream is
// known to ignore the id_servicio filter and return another customer's rows.
func (c *Client) OutstandingBalance(ctx context.Context, serviceID string, owner Owner) (*Debt, error) {
	var pending []Invoice

	for _, estado := range statusFilters {
		params := url.Values{}
		params.Set("id_servicio", serviceID)
		params.Set("estado", estado)
		params.Set("limit", "20")

		data, err := c.get(ctx, "outstanding_balance", "/facturas/", params)
		if err != nil {
			continue
		}
		invoices, err := unmarshalResults[Invoice](data)
		if err != nil {
			continue
		}
		pending = append(pending, invoices...)
	}

	pending = dedupInvoices(pending)

	// Nothing matched the server-side filters: fetch everything for the
	// service and filter locally.
	if len(pending) == 0 {
		params := url.Values{}
		params.Set("id_servicio", serviceID)
		params.Set("limit", "100")

		data, err := c.get(ctx, "outstanding_balance", "/facturas/", params)
		if err != nil {
			return nil, err
		}
		invoices, err := unmarshalResults[Invoice](data)
		if err != nil {
			return nil, err
		}
		for _, inv := range invoices {
			if pendingStatuses[strings.ToLower(strings.TrimSpace(inv.Status))] {
				pending = append(pending, inv)
			}
		}
	}

	validated := c.validateOwnership(pending, serviceID, owner)
	if len(validated) < len(pending) {
		c.logger.Warn("billing invoices discarded by ownership check",
			zap.String("service_id", serviceID),
			zap.Int("returned", len(pending)),
			zap.Int("validated", len(validated)))
	}
	pending = validated

	debt := &Debt{
		HasDebt:      len(pending) > 0,
		InvoiceCount: len(pending),
		Invoices:     pending,
	}
	for _, inv := range pending {
		debt.Total += inv.Amount()
	}
	debt.Total = round2(debt.Total)
	if len(pending) > 0 {
		debt.Monthly = round2(pending[0].Amount())
		debt.FirstInvoiceID = pending[0].ID()
		for _, inv := range pending[:min(len(pending), 5)] {
			if inv.DueDate != "" {
				debt.Periods = append(debt.Periods, inv.DueDate)
			} else if inv.IssueDate != "" {
				debt.Periods = append(debt.Periods, inv.IssueDate)
			}
		}
	}

	c.logger.Info("billing outstanding balance",
		zap.String("service_id", serviceID),
		zap.Int("invoices", debt.InvoiceCount),
		zap.Float64("total", debt.Total),
		zap.Float64("monthly", debt.Monthly))
	return debt, nil
}

// validateOwnership keeps only invoices that provably belong to the resolved
// customer: service-id equality first, then exact username, then a two-word
// name overlap. Two words guards against distinct customers sharing a first
// name.
func (c *Client) validateOwnership(invoices []Invoice, serviceID string, owner Owner) []Invoice {
	var kept []Invoice
	for _, inv := range invoices {
		if facServiceID := inv.ownerServiceID(); facServiceID != "" {
			if facServiceID == serviceID {
				kept = append(kept, inv)
			}
			continue
		}
		if owner.Username != "" && inv.Customer != nil {
			if u := normalize(inv.Customer.Username); u != "" && u == normalize(owner.Username) {
				kept = append(kept, inv)
				continue
			}
		}
		if owner.Name != "" && inv.Customer != nil {
			facName := normalize(inv.Customer.Name)
			matched := 0
			for _, w := range nameTokens(owner.Name) {
				if strings.Contains(facName, w) {
					matched++
				}
			}
			if matched >= 2 {
				kept = append(kept, inv)
			}
		}
	}
	return kept
}

func dedupInvoices(invoices []Invoice) []Invoice {
	seen := make(map[string]bool, len(invoices))
	var out []Invoice
	for _, inv := range invoices {
		id := inv.ID()
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, inv)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
