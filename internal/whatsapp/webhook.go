package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// InboundEvent is a normalized inbound message extracted from a webhook
// payload.
type InboundEvent struct {
	Phone       string
	DisplayName string
	ExternalID  string
	Type        string
	Text        string
	MediaID     string
	MediaMime   string
	Caption     string
}

// webhookPayload mirrors the Cloud API webhook envelope down to the fields we
// consume.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Image struct {
						ID       string `json:"id"`
						MimeType string `json:"mime_type"`
						Caption  string `json:"caption"`
					} `json:"image"`
					Document struct {
						ID       string `json:"id"`
						MimeType string `json:"mime_type"`
						Caption  string `json:"caption"`
					} `json:"document"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw body.
// An empty app secret disables verification (local development).
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// ParsePayload extracts normalized inbound messages from a webhook body.
// Status updates yield no events. Unsupported message types (audio, video,
// sticker, ...) are passed through with their type and no content so the
// dialog layer can tell the customer what it can process.
func ParsePayload(body []byte) ([]InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	var events []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				ev := InboundEvent{
					Phone:       msg.From,
					DisplayName: names[msg.From],
					ExternalID:  msg.ID,
					Type:        msg.Type,
				}
				switch msg.Type {
				case "text":
					ev.Text = msg.Text.Body
				case "image":
					ev.MediaID = msg.Image.ID
					ev.MediaMime = msg.Image.MimeType
					ev.Caption = msg.Image.Caption
				case "document":
					// PDF vouchers arrive as documents; treat like images.
					ev.Type = "image"
					ev.MediaID = msg.Document.ID
					ev.MediaMime = msg.Document.MimeType
					ev.Caption = msg.Document.Caption
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}
