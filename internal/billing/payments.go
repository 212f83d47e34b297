package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// paymentEndpoints are tried in order; the upstream's accepted path is not
// reliably documented across installations.
var paymentEndpoints = []string{"/pagos/", "/pagos/registrar/", "/abonos/", "/v1/pagos/"}

// RegisterPayment registers a payment upstream, walking an ordered list of
// endpoint and field-shape variants. A 404/405 moves to the next endpoint, a
// 400 moves to the next field shape, any other error propagates.
func (c *Client) RegisterPayment(ctx context.Context, serviceID string, payment PaymentData) (*RegisterResult, error) {
	bases := []map[string]any{
		{"id_servicio": serviceID, "servicio": serviceID},
		{"id_servicio": serviceID},
		{"servicio": serviceID},
	}

	for _, endpoint := range paymentEndpoints {
		for _, base := range bases {
			body := map[string]any{
				"monto":            payment.Amount,
				"fecha_pago":       payment.Date,
				"fecha":            payment.Date,
				"medio_pago":       payment.Method,
				"forma_pago":       payment.Method,
				"codigo_operacion": payment.OperationCode,
				"observacion":      "Pago automático vía WhatsApp",
			}
			for k, v := range base {
				body[k] = v
			}

			data, err := c.do(ctx, http.MethodPost, endpoint, nil, body)
			if err == nil {
				c.logger.Info("billing payment registered",
					zap.String("service_id", serviceID),
					zap.String("endpoint", endpoint))
				var result RegisterResult
				if jsonErr := json.Unmarshal(data, &result); jsonErr != nil {
					return &RegisterResult{}, nil
				}
				return &result, nil
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				return nil, err
			}
			switch apiErr.Status {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				c.logger.Debug("billing payment endpoint not available",
					zap.String("endpoint", endpoint), zap.Int("status", apiErr.Status))
			case http.StatusBadRequest:
				c.logger.Debug("billing payment body rejected",
					zap.String("endpoint", endpoint))
				continue
			default:
				return nil, err
			}
			break // 404/405: next endpoint, skip remaining bodies
		}
	}

	return nil, fmt.Errorf("billing: no payment registration endpoint accepted the request")
}

// MarkInvoicePaid marks an invoice paid upstream. The upstream's invoice
// status is read-only through the external REST API, so this logs the local
// validation for manual follow-up instead of failing the caller.
func (c *Client) MarkInvoicePaid(ctx context.Context, invoiceID string) error {
	c.logger.Info("billing invoice pending manual status update",
		zap.String("invoice_id", invoiceID))
	return nil
}

// suspendVariant is one endpoint/method/body combination for suspension.
type suspendVariant struct {
	method string
	path   string
	body   map[string]any
}

// SuspendService suspends a customer's service, walking endpoint variants. A
// 404 falls through to the next variant; if all fail the result flags the
// service for manual suspension.
func (c *Client) SuspendService(ctx context.Context, serviceID, reason string) (*SuspendResult, error) {
	variants := []suspendVariant{
		{http.MethodPatch, "/servicios/" + serviceID + "/", map[string]any{"estado": "cortado", "razon_corte": reason}},
		{http.MethodPatch, "/clientes/" + serviceID + "/", map[string]any{"estado": "suspendido", "observacion": reason}},
		{http.MethodPost, "/servicios/" + serviceID + "/cortar/", map[string]any{"razon": reason}},
		{http.MethodPost, "/clientes/" + serviceID + "/suspender/", map[string]any{"razon": reason}},
	}

	for _, v := range variants {
		_, err := c.do(ctx, v.method, v.path, nil, v.body)
		if err == nil {
			c.logger.Info("billing service suspended",
				zap.String("service_id", serviceID), zap.String("endpoint", v.path))
			return &SuspendResult{Success: true}, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			c.logger.Warn("billing suspension endpoint not found", zap.String("endpoint", v.path))
			continue
		}
		return nil, err
	}

	c.logger.Error("billing suspension requires manual intervention",
		zap.String("service_id", serviceID))
	return &SuspendResult{Success: false, ManualCut: true}, nil
}
