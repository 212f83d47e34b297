// Package billing wraps the WispHub REST API: customer lookup, outstanding
// balance queries, payment registration and service suspension.
package billing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexString decodes a JSON field that the upstream API returns as either a
// string or a number depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat decodes a JSON amount returned as either a number or a numeric
// string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// Customer is a billing-system customer as returned by the clientes endpoint.
type Customer struct {
	RawID     flexString `json:"id"`
	ServiceID flexString `json:"id_servicio"`
	Name      string     `json:"nombre"`
	Username  string     `json:"usuario"`
	Cell      flexString `json:"celular"`
	Landline  flexString `json:"telefono"`
	Plan      string     `json:"nombre_plan"`
}

// ID returns the customer's service id, falling back to the raw id.
func (c *Customer) ID() string {
	if c.ServiceID != "" {
		return string(c.ServiceID)
	}
	return string(c.RawID)
}

// invoiceCustomer is the owner block embedded in an invoice.
type invoiceCustomer struct {
	ServiceID flexString `json:"id_servicio"`
	Username  string     `json:"usuario"`
	Name      string     `json:"nombre"`
}

// Invoice is an invoice row returned by the facturas endpoint.
type Invoice struct {
	RawID     flexString       `json:"id"`
	InvoiceID flexString       `json:"id_factura"`
	Status    string           `json:"estado"`
	Total     flexFloat        `json:"total"`
	SubTotal  flexFloat        `json:"sub_total"`
	DueDate   string           `json:"fecha_vencimiento"`
	IssueDate string           `json:"fecha_emision"`
	ServiceID flexString       `json:"id_servicio"`
	Customer  *invoiceCustomer `json:"cliente"`
}

// ID returns the invoice id.
func (i *Invoice) ID() string {
	if i.InvoiceID != "" {
		return string(i.InvoiceID)
	}
	return string(i.RawID)
}

// Amount returns the invoice amount, preferring the total field.
func (i *Invoice) Amount() float64 {
	if i.Total != 0 {
		return float64(i.Total)
	}
	return float64(i.SubTotal)
}

// ownerServiceID returns the service id of the invoice's owner, wherever the
// upstream put it.
func (i *Invoice) ownerServiceID() string {
	if i.Customer != nil && i.Customer.ServiceID != "" {
		return string(i.Customer.ServiceID)
	}
	return string(i.ServiceID)
}

// Debt summarizes a customer's outstanding balance.
type Debt struct {
	HasDebt        bool      `json:"has_debt"`
	Total          float64   `json:"total"`
	Monthly        float64   `json:"monthly"`
	InvoiceCount   int       `json:"invoice_count"`
	Periods        []string  `json:"periods,omitempty"`
	FirstInvoiceID string    `json:"first_invoice_id,omitempty"`
	Invoices       []Invoice `json:"-"`
}

// Owner identifies the resolved customer for invoice ownership validation.
type Owner struct {
	Username string
	Name     string
}

// PaymentData is the payload for registering a payment upstream.
type PaymentData struct {
	Amount        float64
	Date          string
	Method        string
	OperationCode string
}

// RegisterResult carries the upstream identifiers of a registered payment.
type RegisterResult struct {
	PaymentID flexString `json:"id"`
}

// SuspendResult reports the outcome of a suspension attempt.
type SuspendResult struct {
	Success   bool `json:"success"`
	ManualCut bool `json:"requires_manual_cut"`
}

// listResponse is the upstream's paginated envelope. Some endpoints return a
// bare array instead, which unmarshalResults handles.
type listResponse[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func unmarshalResults[T any](data []byte) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var envelope listResponse[T]
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}
