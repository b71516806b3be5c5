package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// GreenAdapter handles Green-API webhooks. Each delivery carries one event.
type GreenAdapter struct {
	webhookToken string
}

// NewGreenAdapter 创建 Green-API 适配器
func NewGreenAdapter(cfg config.GreenGatewayConfig) *GreenAdapter {
	return &GreenAdapter{webhookToken: cfg.WebhookToken}
}

func (a *GreenAdapter) Channel() chat.Channel { return chat.ChannelGreen }

type greenWebhook struct {
	TypeWebhook string `json:"typeWebhook"`
	Timestamp   int64  `json:"timestamp"`
	IDMessage   string `json:"idMessage"`
	ChatID      string `json:"chatId"`
	Status      string `json:"status"`
	SenderData  *struct {
		ChatID            string `json:"chatId"`
		ChatName          string `json:"chatName"`
		Sender            string `json:"sender"`
		SenderName        string `json:"senderName"`
		SenderContactName string `json:"senderContactName"`
	} `json:"senderData"`
	MessageData *struct {
		TypeMessage     string `json:"typeMessage"`
		TextMessageData *struct {
			TextMessage string `json:"textMessage"`
		} `json:"textMessageData"`
		ExtendedTextMessageData *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessageData"`
		FileMessageData *struct {
			DownloadURL string `json:"downloadUrl"`
			Caption     string `json:"caption"`
			FileName    string `json:"fileName"`
			MIMEType    string `json:"mimeType"`
		} `json:"fileMessageData"`
	} `json:"messageData"`
}

// Translate maps typeWebhook onto the canonical kinds.
func (a *GreenAdapter) Translate(body []byte) ([]Event, error) {
	var hook greenWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	if hook.TypeWebhook == "" {
		return nil, fmt.Errorf("%w: missing typeWebhook", ErrUnsupportedPayload)
	}

	ev := Event{
		Channel:   chat.ChannelGreen,
		MessageID: hook.IDMessage,
		Timestamp: unixTime(hook.Timestamp),
		Subtype:   hook.TypeWebhook,
		Raw:       json.RawMessage(body),
	}

	switch hook.TypeWebhook {
	case "incomingMessageReceived":
		ev.Origin = chat.OriginCustomer
		a.fillMessage(&ev, hook)
	case "outgoingMessageReceived":
		ev.Origin = chat.OriginOperator
		a.fillMessage(&ev, hook)
		if ev.Kind != KindUnhandled {
			ev.Kind = KindOutgoingEcho
		}
	case "outgoingAPIMessageReceived":
		ev.Origin = chat.OriginSystem
		a.fillMessage(&ev, hook)
		if ev.Kind != KindUnhandled {
			ev.Kind = KindOutgoingEcho
		}
	case "outgoingMessageStatus":
		ev.Kind = KindDeliveryStatus
		ev.ChatID = hook.ChatID
		ev.Phone = chatPhone(hook.ChatID)
		ev.Status = greenStatus(hook.Status)
		if ev.Status == chat.StatusNone {
			ev.Kind = KindUnhandled
		}
	default:
		ev.Kind = KindUnhandled
	}
	return []Event{ev}, nil
}

func (a *GreenAdapter) fillMessage(ev *Event, hook greenWebhook) {
	if hook.SenderData == nil || hook.MessageData == nil {
		ev.Kind = KindUnhandled
		return
	}
	sd := hook.SenderData
	ev.ChatID = sd.ChatID
	ev.Phone = chatPhone(sd.ChatID)
	ev.DisplayName = firstNonEmpty(sd.SenderContactName, sd.SenderName, sd.ChatName)

	md := hook.MessageData
	ev.Subtype = hook.TypeWebhook + "/" + md.TypeMessage
	switch md.TypeMessage {
	case "textMessage":
		if md.TextMessageData == nil {
			ev.Kind = KindUnhandled
			return
		}
		ev.Kind = KindIncomingText
		ev.Text = md.TextMessageData.TextMessage
	case "extendedTextMessage":
		if md.ExtendedTextMessageData == nil {
			ev.Kind = KindUnhandled
			return
		}
		ev.Kind = KindIncomingText
		ev.Text = md.ExtendedTextMessageData.Text
	case "audioMessage", "imageMessage", "videoMessage", "documentMessage":
		fd := md.FileMessageData
		if fd == nil || fd.DownloadURL == "" {
			ev.Kind = KindUnhandled
			return
		}
		ev.Kind = KindIncomingMedia
		ev.Text = fd.Caption
		ev.Attachment = &Attachment{
			Kind:     greenAttachmentKind(md.TypeMessage),
			Ref:      fd.DownloadURL,
			MIME:     fd.MIMEType,
			FileName: fd.FileName,
		}
	default:
		ev.Kind = KindUnhandled
	}
}

// Authenticate compares the bearer token Green-API sends when one is configured.
func (a *GreenAdapter) Authenticate(r *http.Request, _ []byte) error {
	if a.webhookToken == "" {
		return nil
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.webhookToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func greenAttachmentKind(typeMessage string) chat.AttachmentKind {
	switch typeMessage {
	case "audioMessage":
		return chat.AttachmentAudio
	case "imageMessage":
		return chat.AttachmentImage
	case "videoMessage":
		return chat.AttachmentVideo
	default:
		return chat.AttachmentDocument
	}
}

func greenStatus(s string) chat.DeliveryStatus {
	switch s {
	case "sent":
		return chat.StatusSent
	case "delivered":
		return chat.StatusDelivered
	case "read":
		return chat.StatusRead
	case "failed", "noAccount", "notInGroup", "yellowCard":
		return chat.StatusFailed
	default:
		return chat.StatusNone
	}
}

// chatPhone strips the "@c.us" suffix of personal chats; group chats have no phone.
func chatPhone(chatID string) string {
	if !strings.HasSuffix(chatID, "@c.us") {
		return ""
	}
	return NormalizePhone(strings.TrimSuffix(chatID, "@c.us"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
