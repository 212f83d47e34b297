package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fiberperu/voucherbot/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIToken: "test-key", MaxRetries: 2}, logger.Nop())
}

func TestSearchByPhone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("celular") == "999111222" {
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"id_servicio": 4521, "nombre": "Maria Quispe", "celular": "999111222"},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})

	customer, err := c.SearchByPhone(context.Background(), "51999111222")
	if err != nil {
		t.Fatalf("SearchByPhone: %v", err)
	}
	if customer.ID() != "4521" {
		t.Errorf("id = %q, want 4521", customer.ID())
	}
	if customer.Name != "Maria Quispe" {
		t.Errorf("name = %q", customer.Name)
	}
}

func TestSearchByPhoneRejectsMismatchedResult(t *testing.T) {
	// The upstream sometimes ignores the filter and returns the first
	// customer in the table. That row must never be accepted.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id_servicio": 1, "nombre": "Otro Cliente", "celular": "911111111"},
			},
		})
	})

	if _, err := c.SearchByPhone(context.Background(), "51999111222"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchByName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id_servicio": 7, "nombre": "JOSÉ PÉREZ GARCÍA", "usuario": "jperez"},
			},
		})
	})

	customer, err := c.SearchByName(context.Background(), "jose perez")
	if err != nil {
		t.Fatalf("SearchByName: %v", err)
	}
	if customer.ID() != "7" {
		t.Errorf("id = %q", customer.ID())
	}
}

func TestSearchByNameNoTokenOverlap(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id_servicio": 7, "nombre": "Carlos Ramirez", "usuario": "cramirez"},
			},
		})
	})

	if _, err := c.SearchByName(context.Background(), "Maria Quispe"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOutstandingBalanceOwnershipFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("estado") != "" {
			json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
			return
		}
		// Unfiltered fetch: one invoice belongs to the customer, one to a
		// stranger, one is already paid.
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id_factura": "F-1", "estado": "Pendiente", "total": "59.90", "id_servicio": "4521", "fecha_vencimiento": "2026-08-15"},
				{"id_factura": "F-2", "estado": "pendiente", "total": 120.0, "id_servicio": "9999"},
				{"id_factura": "F-3", "estado": "Pagada", "total": 59.9, "id_servicio": "4521"},
			},
		})
	})

	debt, err := c.OutstandingBalance(context.Background(), "4521", Owner{Name: "Maria Quispe"})
	if err != nil {
		t.Fatalf("OutstandingBalance: %v", err)
	}
	if !debt.HasDebt || debt.InvoiceCount != 1 {
		t.Fatalf("unexpected debt: %+v", debt)
	}
	if debt.Total != 59.90 || debt.Monthly != 59.90 {
		t.Errorf("total=%v monthly=%v", debt.Total, debt.Monthly)
	}
	if debt.FirstInvoiceID != "F-1" {
		t.Errorf("first invoice = %q", debt.FirstInvoiceID)
	}
}

func TestOutstandingBalanceNoDebt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})

	debt, err := c.OutstandingBalance(context.Background(), "4521", Owner{})
	if err != nil {
		t.Fatalf("OutstandingBalance: %v", err)
	}
	if debt.HasDebt || debt.Total != 0 {
		t.Errorf("expected empty debt, got %+v", debt)
	}
}

func TestRegisterPaymentEndpointFallback(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path != "/pagos/registrar/" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 8812})
	})

	result, err := c.RegisterPayment(context.Background(), "4521", PaymentData{
		Amount: 59.90, Date: "2026-08-30", Method: "yape", OperationCode: "OP123",
	})
	if err != nil {
		t.Fatalf("RegisterPayment: %v", err)
	}
	if string(result.PaymentID) != "8812" {
		t.Errorf("payment id = %q", result.PaymentID)
	}
	if paths[0] != "/pagos/" {
		t.Errorf("first attempt = %q", paths[0])
	}
}

func TestRegisterPaymentAllEndpointsFail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	if _, err := c.RegisterPayment(context.Background(), "4521", PaymentData{Amount: 10}); err == nil {
		t.Fatal("expected error when every endpoint 404s")
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id_servicio": "4521", "nombre": "Maria"}},
		})
	})

	if _, err := c.GetCustomer(context.Background(), "4521"); err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad filter", http.StatusBadRequest)
	})

	if _, err := c.GetCustomer(context.Background(), "4521"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestSuspendServiceManualFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	result, err := c.SuspendService(context.Background(), "4521", "corte por deuda")
	if err != nil {
		t.Fatalf("SuspendService: %v", err)
	}
	if result.Success || !result.ManualCut {
		t.Errorf("expected manual-cut fallback, got %+v", result)
	}
}

func TestNormalizeHelpers(t *testing.T) {
	if got := normalize("  JOSÉ  Pérez-García "); got != "jose perezgarcia" {
		t.Errorf("normalize = %q", got)
	}
	if got := NormalizePhone("987 654 321"); got != "51987654321" {
		t.Errorf("NormalizePhone = %q", got)
	}
	if got := NormalizePhone("+51 987 654 321"); got != "51987654321" {
		t.Errorf("NormalizePhone with prefix = %q", got)
	}
}
