package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func TestCloudTranslateBatch(t *testing.T) {
	adapter := NewCloudAdapter(config.CloudGatewayConfig{})
	events, err := adapter.Translate(readFixture(t, "cloud_batch.json"))
	if err != nil {
		t.Fatalf("Translate err: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	text := events[0]
	if text.Kind != KindIncomingText || text.Text != "Hi" {
		t.Fatalf("unexpected text event: %+v", text)
	}
	if text.ChatID != "16505551234" || text.DisplayName != "Alice" || text.Origin != chat.OriginCustomer {
		t.Fatalf("unexpected sender fields: %+v", text)
	}
	if text.Timestamp.Unix() != 1772442000 {
		t.Fatalf("unexpected timestamp: %v", text.Timestamp)
	}

	voice := events[1]
	if voice.Kind != KindIncomingMedia || voice.Attachment == nil {
		t.Fatalf("expected media event, got %+v", voice)
	}
	if voice.Attachment.Kind != chat.AttachmentAudio || voice.Attachment.Ref != "1003383421387256" {
		t.Fatalf("unexpected attachment: %+v", voice.Attachment)
	}

	if events[2].Kind != KindUnhandled || events[2].Subtype != "sticker" {
		t.Fatalf("expected unhandled sticker, got %+v", events[2])
	}

	status := events[3]
	if status.Kind != KindDeliveryStatus || status.Status != chat.StatusDelivered || status.MessageID != "wamid.OUT1" {
		t.Fatalf("unexpected status event: %+v", status)
	}
}

func TestCloudTranslateMalformed(t *testing.T) {
	adapter := NewCloudAdapter(config.CloudGatewayConfig{})
	if _, err := adapter.Translate([]byte("{not json")); !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload, got %v", err)
	}
	if _, err := adapter.Translate([]byte(`{"object":"page"}`)); !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload for foreign object, got %v", err)
	}
}

func TestCloudVerify(t *testing.T) {
	adapter := NewCloudAdapter(config.CloudGatewayConfig{VerifyToken: "s3cret"})

	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"s3cret"}, "hub.challenge": {"1158201444"}}
	challenge, err := adapter.Verify(q)
	if err != nil || challenge != "1158201444" {
		t.Fatalf("Verify: challenge=%q err=%v", challenge, err)
	}

	q.Set("hub.verify_token", "wrong")
	if _, err := adapter.Verify(q); !errors.Is(err, ErrVerificationRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestCloudAuthenticate(t *testing.T) {
	adapter := NewCloudAdapter(config.CloudGatewayConfig{AppSecret: "app-secret"})
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(SignCloudPayload("app-secret", body)))
	if err := adapter.Authenticate(req, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if err := adapter.Authenticate(req, body); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCloudClientSendAndFetch(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/106540352242922/messages":
			body, _ := io.ReadAll(r.Body)
			var payload map[string]interface{}
			_ = json.Unmarshal(body, &payload)
			if payload["to"] != "16505551234" || payload["type"] != "text" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.SENT1"}]}`))
		case "/1003383421387256":
			_, _ = w.Write([]byte(`{"url":"` + srv.URL + `/download/voice","mime_type":"audio/ogg"}`))
		case "/download/voice":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("OggS"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewCloudClient(config.CloudGatewayConfig{
		GraphURL:      srv.URL,
		PhoneNumberID: "106540352242922",
		AccessToken:   "tok",
	}, srv.Client())

	id, err := client.Send(context.Background(), "16505551234", "See you at 9", nil)
	if err != nil || id != "wamid.SENT1" {
		t.Fatalf("Send: id=%q err=%v", id, err)
	}

	data, mime, err := client.FetchMedia(context.Background(), "1003383421387256")
	if err != nil {
		t.Fatalf("FetchMedia err: %v", err)
	}
	if string(data) != "OggS" || mime != "audio/ogg" {
		t.Fatalf("unexpected media: %q %q", data, mime)
	}

	if _, _, err := client.FetchMedia(context.Background(), "missing"); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
}
