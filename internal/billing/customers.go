package billing

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// countryPrefix is prepended to nine-digit local numbers for WhatsApp ids.
const countryPrefix = "51"

// SearchByPhone looks a customer up by phone number. The upstream sometimes
// ignores the filter and returns the first customer in the list, so the
// returned record is only accepted when it actually carries the queried
// number.
func (c *Client) SearchByPhone(ctx context.Context, phone string) (*Customer, error) {
	clean := strings.TrimPrefix(digitsOnly(phone), countryPrefix)
	if clean == "" {
		return nil, ErrNotFound
	}
	variants := []string{clean, countryPrefix + clean}
	fields := []string{"celular", "telefono"}

	for _, field := range fields {
		for _, variant := range variants {
			params := url.Values{}
			params.Set(field, variant)
			params.Set("limit", "1")

			data, err := c.get(ctx, "search_phone", "/clientes/", params)
			if err != nil {
				c.logger.Warn("billing phone search failed",
					zap.String("field", field), zap.Error(err))
				continue
			}
			customers, err := unmarshalResults[Customer](data)
			if err != nil || len(customers) == 0 {
				continue
			}

			customer := customers[0]
			returned := digitsOnly(string(customer.Cell))
			if field == "telefono" {
				returned = digitsOnly(string(customer.Landline))
			}
			if returned == clean || returned == countryPrefix+clean {
				c.logger.Info("billing customer found by phone",
					zap.String("field", field), zap.String("customer_id", customer.ID()))
				return &customer, nil
			}
			c.logger.Debug("billing phone mismatch, ignoring result",
				zap.String("returned", returned), zap.String("expected", clean))
		}
	}
	return nil, ErrNotFound
}

// SearchByName looks a customer up by name, trying progressively looser
// strategies. A result only counts when its name or username contains at
// least one of the query words.
func (c *Client) SearchByName(ctx context.Context, name string) (*Customer, error) {
	if len(name) < 3 {
		return nil, ErrNotFound
	}
	words := nameTokens(name)
	if len(words) == 0 {
		return nil, ErrNotFound
	}

	isGoodMatch := func(customer *Customer) bool {
		cn := normalize(customer.Name)
		cu := normalize(customer.Username)
		for _, w := range words {
			if strings.Contains(cn, w) || strings.Contains(cu, w) {
				return true
			}
		}
		return false
	}

	strategies := []url.Values{
		{"search": {name}},
		{"search": {words[0]}},
		{"nombre": {name}},
		{"nombre": {words[0]}},
		{"usuario": {words[0]}},
	}

	for _, params := range strategies {
		params.Set("limit", "10")
		data, err := c.get(ctx, "search_name", "/clientes/", params)
		if err != nil {
			c.logger.Warn("billing name search strategy failed", zap.Error(err))
			continue
		}
		customers, err := unmarshalResults[Customer](data)
		if err != nil || len(customers) == 0 {
			continue
		}
		for i := range customers {
			if isGoodMatch(&customers[i]) {
				c.logger.Info("billing name search matched",
					zap.String("query", name), zap.String("found", customers[i].Name))
				return &customers[i], nil
			}
		}
	}

	c.logger.Info("billing name search found no match", zap.String("query", name))
	return nil, ErrNotFound
}

// Search resolves a customer by phone first, then by payer name.
func (c *Client) Search(ctx context.Context, phone, name string) (*Customer, error) {
	customer, err := c.SearchByPhone(ctx, phone)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if name == "" {
		return nil, ErrNotFound
	}
	return c.SearchByName(ctx, name)
}

// GetCustomer fetches a customer by service id.
func (c *Client) GetCustomer(ctx context.Context, serviceID string) (*Customer, error) {
	params := url.Values{}
	params.Set("id_servicio", serviceID)
	params.Set("limit", "1")

	data, err := c.get(ctx, "get_customer", "/clientes/", params)
	if err != nil {
		return nil, err
	}
	customers, err := unmarshalResults[Customer](data)
	if err != nil {
		return nil, err
	}
	for i := range customers {
		if customers[i].ID() == serviceID {
			return &customers[i], nil
		}
	}
	return nil, ErrNotFound
}

// NormalizePhone converts a billing-system phone into a WhatsApp id,
// prefixing nine-digit local numbers with the country code.
func NormalizePhone(phone string) string {
	clean := digitsOnly(phone)
	if len(clean) == 9 {
		return countryPrefix + clean
	}
	return clean
}
