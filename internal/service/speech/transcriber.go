package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/replydesk/backend/internal/model/speech"
)

// ErrTranscriptionUnavailable covers every reason a voice note yields no text.
var ErrTranscriptionUnavailable = errors.New("speech: transcription unavailable")

// Recognizer turns audio bytes into text.
type Recognizer interface {
	Recognize(ctx context.Context, audio speechmodel.Audio) (*speechmodel.Transcript, error)
}

// MediaSource resolves the per-channel media fetcher.
type MediaSource interface {
	Client(channel chat.Channel) (gateway.Client, error)
}

// Transcriber downloads a voice note through its gateway and recognizes it.
// Transcripts are not persisted; each context build transcribes again.
type Transcriber struct {
	media      MediaSource
	recognizer Recognizer
	timeout    time.Duration
}

// NewTranscriber 创建语音消息转写器，recognizer 为空时所有转写都返回不可用
func NewTranscriber(media MediaSource, recognizer Recognizer, timeout time.Duration) *Transcriber {
	return &Transcriber{media: media, recognizer: recognizer, timeout: timeout}
}

// Transcribe returns the text of a voice message or ErrTranscriptionUnavailable.
func (t *Transcriber) Transcribe(ctx context.Context, msg chat.Message) (string, error) {
	if t.recognizer == nil {
		return "", fmt.Errorf("%w: recognizer not configured", ErrTranscriptionUnavailable)
	}
	if !msg.IsVoice() {
		return "", fmt.Errorf("%w: message %d has no audio", ErrTranscriptionUnavailable, msg.ID)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	client, err := t.media.Client(msg.Channel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionUnavailable, err)
	}
	data, mime, err := client.FetchMedia(ctx, msg.AttachmentRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionUnavailable, err)
	}
	if msg.AttachmentMIME != "" {
		mime = msg.AttachmentMIME
	}

	transcript, err := t.recognizer.Recognize(ctx, speechmodel.Audio{Data: data, MIME: mime})
	if err != nil {
		log.Printf("[asr] message=%d recognition failed: %v", msg.ID, err)
		return "", fmt.Errorf("%w: %v", ErrTranscriptionUnavailable, err)
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscriptionUnavailable)
	}

	log.Printf("[asr] message=%d transcribed %d bytes -> %d chars logid=%s", msg.ID, len(data), len(text), transcript.LogID)
	return text, nil
}
