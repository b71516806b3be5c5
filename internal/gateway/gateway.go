// Package gateway 将各 WhatsApp 网关的 webhook 负载翻译为统一事件，
// 并提供按渠道的发送与媒体下载客户端。新增网关只需实现 Adapter 与 Client。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

var (
	ErrUnknownProvider     = errors.New("gateway: unknown provider")
	ErrUnsupportedPayload  = errors.New("gateway: unsupported payload")
	ErrUnauthorized        = errors.New("gateway: webhook authentication failed")
	ErrSenderUnavailable   = errors.New("gateway: sender unavailable")
	ErrMediaUnavailable    = errors.New("gateway: media unavailable")
	ErrVerificationRefused = errors.New("gateway: verification refused")
)

// Kind 标识规范化后的事件类型
type Kind string

const (
	KindIncomingText   Kind = "incoming-text"
	KindIncomingMedia  Kind = "incoming-media"
	KindOutgoingEcho   Kind = "outgoing-echo"
	KindDeliveryStatus Kind = "delivery-status"
	KindUnhandled      Kind = "unhandled"
)

// Attachment carries a provider content reference, never bytes.
type Attachment struct {
	Kind     chat.AttachmentKind
	Ref      string
	MIME     string
	FileName string
}

// Event is the canonical form of one provider event.
type Event struct {
	Kind        Kind
	Channel     chat.Channel
	ChatID      string
	Phone       string
	DisplayName string
	MessageID   string
	Text        string
	Attachment  *Attachment
	Origin      chat.Origin
	Status      chat.DeliveryStatus
	Timestamp   time.Time
	Subtype     string
	Raw         json.RawMessage
}

// Adapter translates one HTTP delivery into canonical events. Cloud API
// envelopes batch several provider events, so the result is a slice.
type Adapter interface {
	Channel() chat.Channel
	Translate(body []byte) ([]Event, error)
}

// Authenticator checks provider credentials on an incoming delivery.
type Authenticator interface {
	Authenticate(r *http.Request, body []byte) error
}

// Verifier answers a subscription handshake (GET) with its challenge.
type Verifier interface {
	Verify(query url.Values) (string, error)
}

// Sender delivers operator-approved text and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, chatID, text string, attachment *Attachment) (string, error)
}

// MediaFetcher downloads the bytes behind an attachment reference.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref string) ([]byte, string, error)
}

// Client is the outbound half of a provider integration.
type Client interface {
	Sender
	MediaFetcher
}

// Registry dispatches by channel to the registered provider pair.
type Registry struct {
	mu       sync.RWMutex
	adapters map[chat.Channel]Adapter
	clients  map[chat.Channel]Client
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[chat.Channel]Adapter),
		clients:  make(map[chat.Channel]Client),
	}
}

// Register adds a provider. client may be nil for receive-only setups.
func (r *Registry) Register(adapter Adapter, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Channel()] = adapter
	if client != nil {
		r.clients[adapter.Channel()] = client
	}
}

// Adapter 返回指定渠道的适配器
func (r *Registry) Adapter(channel chat.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, channel)
	}
	return a, nil
}

// Client 返回指定渠道的出站客户端
func (r *Registry) Client(channel chat.Channel) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSenderUnavailable, channel)
	}
	return c, nil
}

// Channels lists registered providers.
func (r *Registry) Channels() []chat.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone keeps digits only; "+7 (999) 000-11-22" becomes "79990001122".
func NormalizePhone(raw string) string {
	return nonDigits.ReplaceAllString(raw, "")
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
