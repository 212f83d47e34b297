package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []whatsapp.InboundEvent
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev whatsapp.InboundEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) received() []whatsapp.InboundEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]whatsapp.InboundEvent, len(h.events))
	copy(out, h.events)
	return out
}

const appSecret = "test-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(phone, msgID, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"contacts": [{"wa_id": %q, "profile": {"name": "Juan"}}],
			"messages": [{"id": %q, "from": %q, "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, phone, msgID, phone, text))
}

func newGateway(t *testing.T) (*Gateway, *recordingHandler) {
	t.Helper()
	handler := &recordingHandler{}
	dispatcher := NewDispatcher(handler, logger.Nop())
	return New("verify-token", appSecret, dispatcher, logger.Nop()), handler
}

func TestVerifyChallenge(t *testing.T) {
	g, _ := newGateway(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	g.Verify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("body = %q, want challenge echoed", rec.Body.String())
	}
}

func TestVerifyWrongTokenRejected(t *testing.T) {
	g, _ := newGateway(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	g.Verify(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestReceiveAcknowledgesAndDispatches(t *testing.T) {
	g, handler := newGateway(t)
	body := webhookBody("51999111222", "wamid.1", "hola")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	g.Receive(rec, req)
	g.dispatcher.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Fatalf("body = %q, want received acknowledgement", rec.Body.String())
	}
	events := handler.received()
	if len(events) != 1 {
		t.Fatalf("dispatched events = %d, want 1", len(events))
	}
	if events[0].Phone != "51999111222" || events[0].Text != "hola" || events[0].ExternalID != "wamid.1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestReceiveBadSignatureRejected(t *testing.T) {
	g, handler := newGateway(t)
	body := webhookBody("51999111222", "wamid.1", "hola")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	g.Receive(rec, req)
	g.dispatcher.Wait()

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(handler.received()) != 0 {
		t.Fatal("unsigned payload must not be dispatched")
	}
}

func TestReceiveMalformedPayloadStillAcknowledged(t *testing.T) {
	g, handler := newGateway(t)
	body := []byte("{not json")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	g.Receive(rec, req)
	g.dispatcher.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for malformed payloads", rec.Code)
	}
	if len(handler.received()) != 0 {
		t.Fatal("malformed payload must not be dispatched")
	}
}

func TestReceiveDropsInvalidSenderPhone(t *testing.T) {
	g, handler := newGateway(t)
	body := webhookBody("not-a-number", "wamid.1", "hola")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	g.Receive(rec, req)
	g.dispatcher.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(handler.received()) != 0 {
		t.Fatal("event with invalid sender phone must not be dispatched")
	}
}

func TestDispatcherSerializesPerPhone(t *testing.T) {
	var mu sync.Mutex
	active := make(map[string]int)
	maxActive := make(map[string]int)
	order := make(map[string][]string)

	handler := handlerFunc(func(ctx context.Context, ev whatsapp.InboundEvent) {
		mu.Lock()
		active[ev.Phone]++
		if active[ev.Phone] > maxActive[ev.Phone] {
			maxActive[ev.Phone] = active[ev.Phone]
		}
		order[ev.Phone] = append(order[ev.Phone], ev.ExternalID)
		mu.Unlock()

		mu.Lock()
		active[ev.Phone]--
		mu.Unlock()
	})

	d := NewDispatcher(handler, logger.Nop())
	phones := []string{"51999111222", "51988000111"}
	for i := 0; i < 20; i++ {
		for _, phone := range phones {
			d.Enqueue(whatsapp.InboundEvent{
				Phone:      phone,
				ExternalID: fmt.Sprintf("%s-%d", phone, i),
				Type:       "text",
			})
		}
	}
	d.Wait()

	for _, phone := range phones {
		if maxActive[phone] > 1 {
			t.Fatalf("phone %s saw %d concurrent handlers, want 1", phone, maxActive[phone])
		}
		if len(order[phone]) != 20 {
			t.Fatalf("phone %s processed %d events, want 20", phone, len(order[phone]))
		}
		for i, id := range order[phone] {
			want := fmt.Sprintf("%s-%d", phone, i)
			if id != want {
				t.Fatalf("phone %s event %d = %s, want %s (FIFO order)", phone, i, id, want)
			}
		}
	}
}

type handlerFunc func(ctx context.Context, ev whatsapp.InboundEvent)

func (f handlerFunc) HandleEvent(ctx context.Context, ev whatsapp.InboundEvent) { f(ctx, ev) }
