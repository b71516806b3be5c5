package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

func translateOne(t *testing.T, fixture string) Event {
	t.Helper()
	events, err := NewGreenAdapter(config.GreenGatewayConfig{}).Translate(readFixture(t, fixture))
	if err != nil {
		t.Fatalf("Translate err: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	return events[0]
}

func TestGreenTranslateIncomingText(t *testing.T) {
	ev := translateOne(t, "green_incoming_text.json")
	if ev.Kind != KindIncomingText || ev.Text != "Do you have morning classes?" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ChatID != "79990001122@c.us" || ev.Phone != "79990001122" || ev.DisplayName != "Alice" {
		t.Fatalf("unexpected sender: %+v", ev)
	}
	if ev.MessageID != "F7AEC1B7086ECDC7E6E45923F5EDB825" || ev.Origin != chat.OriginCustomer {
		t.Fatalf("unexpected ids: %+v", ev)
	}
}

func TestGreenTranslateEchoes(t *testing.T) {
	ev := translateOne(t, "green_outgoing_echo.json")
	if ev.Kind != KindOutgoingEcho || ev.Origin != chat.OriginOperator {
		t.Fatalf("expected operator echo, got %+v", ev)
	}
	if ev.ChatID != "79990001122@c.us" {
		t.Fatalf("echo must resolve to the customer chat, got %q", ev.ChatID)
	}

	apiEcho := []byte(`{"typeWebhook":"outgoingAPIMessageReceived","timestamp":1772442011,"idMessage":"API1",
		"senderData":{"chatId":"79990001122@c.us","sender":"79001234567@c.us"},
		"messageData":{"typeMessage":"textMessage","textMessageData":{"textMessage":"Thanks!"}}}`)
	events, err := NewGreenAdapter(config.GreenGatewayConfig{}).Translate(apiEcho)
	if err != nil {
		t.Fatalf("Translate err: %v", err)
	}
	if events[0].Kind != KindOutgoingEcho || events[0].Origin != chat.OriginSystem {
		t.Fatalf("expected system echo, got %+v", events[0])
	}
}

func TestGreenTranslateVoiceAndStatus(t *testing.T) {
	voice := translateOne(t, "green_voice.json")
	if voice.Kind != KindIncomingMedia || voice.Attachment == nil || voice.Attachment.Kind != chat.AttachmentAudio {
		t.Fatalf("unexpected voice event: %+v", voice)
	}

	status := translateOne(t, "green_status.json")
	if status.Kind != KindDeliveryStatus || status.Status != chat.StatusRead {
		t.Fatalf("unexpected status event: %+v", status)
	}
}

func TestGreenTranslateUnhandled(t *testing.T) {
	events, err := NewGreenAdapter(config.GreenGatewayConfig{}).Translate([]byte(`{"typeWebhook":"stateInstanceChanged","stateInstance":"authorized"}`))
	if err != nil {
		t.Fatalf("Translate err: %v", err)
	}
	if events[0].Kind != KindUnhandled {
		t.Fatalf("expected unhandled, got %s", events[0].Kind)
	}

	if _, err := NewGreenAdapter(config.GreenGatewayConfig{}).Translate([]byte(`{}`)); !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload, got %v", err)
	}
}

func TestGreenAuthenticate(t *testing.T) {
	adapter := NewGreenAdapter(config.GreenGatewayConfig{WebhookToken: "hook-token"})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := adapter.Authenticate(req, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	req.Header.Set("Authorization", "Bearer hook-token")
	if err := adapter.Authenticate(req, nil); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestGreenClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/waInstance1101000001/sendMessage/api-token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["chatId"] != "79990001122@c.us" || payload["message"] != "See you at 9" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"idMessage":"3EB0C767D097B7C7C030"}`))
	}))
	defer srv.Close()

	client := NewGreenClient(config.GreenGatewayConfig{APIURL: srv.URL, InstanceID: "1101000001", APIToken: "api-token"}, srv.Client())
	id, err := client.Send(context.Background(), "79990001122@c.us", "See you at 9", nil)
	if err != nil || id != "3EB0C767D097B7C7C030" {
		t.Fatalf("Send: id=%q err=%v", id, err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewGreenAdapter(config.GreenGatewayConfig{}), nil)

	if _, err := reg.Adapter(chat.ChannelGreen); err != nil {
		t.Fatalf("Adapter err: %v", err)
	}
	if _, err := reg.Adapter(chat.ChannelCloud); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := reg.Client(chat.ChannelGreen); !errors.Is(err, ErrSenderUnavailable) {
		t.Fatalf("expected ErrSenderUnavailable, got %v", err)
	}
	if got := NormalizePhone("+7 (999) 000-11-22"); got != "79990001122" {
		t.Fatalf("NormalizePhone: %q", got)
	}
}
