package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// CloudAdapter handles Meta WhatsApp Cloud API webhooks.
type CloudAdapter struct {
	verifyToken string
	appSecret   string
}

// NewCloudAdapter 创建 Cloud API 适配器
func NewCloudAdapter(cfg config.CloudGatewayConfig) *CloudAdapter {
	return &CloudAdapter{verifyToken: cfg.VerifyToken, appSecret: cfg.AppSecret}
}

func (a *CloudAdapter) Channel() chat.Channel { return chat.ChannelCloud }

type cloudEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string     `json:"field"`
			Value cloudValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages      []cloudMessage `json:"messages"`
	MessageEchoes []cloudMessage `json:"message_echoes"`
	Statuses      []cloudStatus  `json:"statuses"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio    *cloudMedia `json:"audio"`
	Voice    *cloudMedia `json:"voice"`
	Image    *cloudMedia `json:"image"`
	Video    *cloudMedia `json:"video"`
	Document *cloudMedia `json:"document"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Translate flattens entry[].changes[] into canonical events.
func (a *CloudAdapter) Translate(body []byte) ([]Event, error) {
	var env cloudEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	if env.Object != "" && env.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: object %q", ErrUnsupportedPayload, env.Object)
	}

	var events []Event
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				ev := a.translateMessage(m)
				ev.ChatID = m.From
				ev.Phone = NormalizePhone(m.From)
				ev.DisplayName = names[m.From]
				ev.Origin = chat.OriginCustomer
				events = append(events, ev)
			}
			// Echoes of messages typed on the business phone app.
			for _, m := range v.MessageEchoes {
				ev := a.translateMessage(m)
				if ev.Kind != KindUnhandled {
					ev.Kind = KindOutgoingEcho
				}
				ev.ChatID = m.To
				ev.Phone = NormalizePhone(m.To)
				ev.Origin = chat.OriginOperator
				events = append(events, ev)
			}
			for _, s := range v.Statuses {
				events = append(events, a.translateStatus(s))
			}
		}
	}
	return events, nil
}

func (a *CloudAdapter) translateMessage(m cloudMessage) Event {
	raw, _ := json.Marshal(m)
	ev := Event{
		Channel:   chat.ChannelCloud,
		MessageID: m.ID,
		Timestamp: parseUnix(m.Timestamp),
		Subtype:   m.Type,
		Raw:       raw,
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			ev.Kind = KindUnhandled
			return ev
		}
		ev.Kind = KindIncomingText
		ev.Text = m.Text.Body
	case "audio", "voice":
		media := m.Audio
		if media == nil {
			media = m.Voice
		}
		return withMedia(ev, chat.AttachmentAudio, media)
	case "image":
		return withMedia(ev, chat.AttachmentImage, m.Image)
	case "video":
		return withMedia(ev, chat.AttachmentVideo, m.Video)
	case "document":
		return withMedia(ev, chat.AttachmentDocument, m.Document)
	default:
		ev.Kind = KindUnhandled
	}
	return ev
}

func withMedia(ev Event, kind chat.AttachmentKind, media *cloudMedia) Event {
	if media == nil || media.ID == "" {
		ev.Kind = KindUnhandled
		return ev
	}
	ev.Kind = KindIncomingMedia
	ev.Text = media.Caption
	ev.Attachment = &Attachment{
		Kind:     kind,
		Ref:      media.ID,
		MIME:     media.MIMEType,
		FileName: media.Filename,
	}
	return ev
}

func (a *CloudAdapter) translateStatus(s cloudStatus) Event {
	raw, _ := json.Marshal(s)
	ev := Event{
		Kind:      KindDeliveryStatus,
		Channel:   chat.ChannelCloud,
		MessageID: s.ID,
		ChatID:    s.RecipientID,
		Timestamp: parseUnix(s.Timestamp),
		Subtype:   s.Status,
		Raw:       raw,
	}
	switch s.Status {
	case "sent":
		ev.Status = chat.StatusSent
	case "delivered":
		ev.Status = chat.StatusDelivered
	case "read":
		ev.Status = chat.StatusRead
	case "failed":
		ev.Status = chat.StatusFailed
	default:
		ev.Kind = KindUnhandled
	}
	return ev
}

// Verify answers the hub.challenge subscription handshake.
func (a *CloudAdapter) Verify(query url.Values) (string, error) {
	if query.Get("hub.mode") != "subscribe" {
		return "", fmt.Errorf("%w: mode %q", ErrVerificationRefused, query.Get("hub.mode"))
	}
	if a.verifyToken == "" || !hmac.Equal([]byte(query.Get("hub.verify_token")), []byte(a.verifyToken)) {
		return "", ErrVerificationRefused
	}
	return query.Get("hub.challenge"), nil
}

// Authenticate checks X-Hub-Signature-256 when an app secret is configured.
func (a *CloudAdapter) Authenticate(r *http.Request, body []byte) error {
	if a.appSecret == "" {
		return nil
	}
	sig := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return ErrUnauthorized
	}
	if !hmac.Equal(got, SignCloudPayload(a.appSecret, body)) {
		return ErrUnauthorized
	}
	return nil
}

// SignCloudPayload computes the HMAC-SHA256 Meta sends with each delivery.
func SignCloudPayload(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return unixTime(sec)
}
