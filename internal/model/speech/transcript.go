package speech

import "time"

// Audio 待识别的音频数据
type Audio struct {
	Data   []byte
	MIME   string
	Format string // ogg / mp3 / wav / pcm
	Codec  string // opus / raw
}

// Transcript 语音识别结果
type Transcript struct {
	Text      string        `json:"text"`
	Duration  time.Duration `json:"duration"`
	LogID     string        `json:"logId,omitempty"`
	ConnectID string        `json:"connectId"`
}

// FormatFromMIME maps a gateway MIME type onto the recognizer's format and
// codec fields. WhatsApp voice notes are "audio/ogg; codecs=opus".
func FormatFromMIME(mime, fallbackFormat, fallbackCodec string) (format, codec string) {
	base := mime
	for i := 0; i < len(mime); i++ {
		if mime[i] == ';' {
			base = mime[:i]
			break
		}
	}
	switch base {
	case "audio/ogg", "audio/opus":
		return "ogg", "opus"
	case "audio/mpeg", "audio/mp3":
		return "mp3", "raw"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav", "raw"
	case "audio/pcm", "audio/l16":
		return "pcm", "raw"
	default:
		return fallbackFormat, fallbackCodec
	}
}
