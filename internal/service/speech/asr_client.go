package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	speechmodel "github.com/zhouzirui/replydesk/backend/internal/model/speech"
)

const (
	defaultChunkSize = 16 * 1024
	successCode      = 20000000
)

// ASRClient 火山引擎大模型语音识别 WebSocket 客户端，按整段音频识别。
type ASRClient struct {
	cfg       config.SpeechConfig
	dialer    *websocket.Dialer
	chunkSize int
}

// NewASRClient 创建识别客户端
func NewASRClient(cfg config.SpeechConfig) *ASRClient {
	return &ASRClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		chunkSize: defaultChunkSize,
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
		Language string `json:"language,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName  string `json:"model_name"`
		EnableITN  bool   `json:"enable_itn"`
		EnablePunc bool   `json:"enable_punc"`
		ResultType string `json:"result_type"`
	} `json:"request"`
}

type asrResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// Recognize uploads a complete audio clip and waits for the final transcript.
func (c *ASRClient) Recognize(ctx context.Context, audio speechmodel.Audio) (*speechmodel.Transcript, error) {
	if !c.cfg.Enabled() {
		return nil, errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	if len(audio.Data) == 0 {
		return nil, errors.New("no audio data to send")
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", strings.TrimSpace(c.cfg.AppID))
	header.Set("X-Api-Access-Key", strings.TrimSpace(c.cfg.AccessToken))
	header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()

	logID := ""
	if resp != nil {
		logID = resp.Header.Get("X-Tt-Logid")
	}

	// 取消时关闭连接，解除阻塞中的读写
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := c.sendConfig(conn, connectID, audio); err != nil {
		return nil, err
	}

	resultCh := make(chan *speechmodel.Transcript, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		transcript, err := c.receive(conn)
		if err != nil {
			recvErrCh <- err
			return
		}
		resultCh <- transcript
	}()

	if err := c.sendAudio(conn, audio.Data); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 服务端可能已返回错误帧
		select {
		case recvErr := <-recvErrCh:
			return nil, recvErr
		default:
			return nil, fmt.Errorf("failed to send audio data: %w", err)
		}
	}

	select {
	case transcript := <-resultCh:
		transcript.LogID = logID
		transcript.ConnectID = connectID
		return transcript, nil
	case err := <-recvErrCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ASRClient) sendConfig(conn *websocket.Conn, connectID string, audio speechmodel.Audio) error {
	format, codec := speechmodel.FormatFromMIME(audio.MIME, c.cfg.Format, c.cfg.Codec)
	if audio.Format != "" {
		format, codec = audio.Format, audio.Codec
	}

	var req asrRequest
	req.User.UID = connectID
	req.Audio.Format = format
	req.Audio.Codec = codec
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Audio.Language = c.cfg.Language
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ResultType = "full"

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	frame, err := newConfigFrame(payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		return fmt.Errorf("failed to send ASR request: %w", err)
	}
	return nil
}

// sendAudio splits the clip into frames; the config frame holds sequence 1.
func (c *ASRClient) sendAudio(conn *websocket.Conn, data []byte) error {
	sequence := int32(2)
	for start := 0; start < len(data); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		frame, err := newAudioFrame(data[start:end], sequence, end == len(data))
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
			return err
		}
		sequence++
	}
	return nil
}

func (c *ASRClient) receive(conn *websocket.Conn) (*speechmodel.Transcript, error) {
	var transcript speechmodel.Transcript
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read ASR response: %w", err)
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			return nil, fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(body))
		case FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var result asrResult
			if err := json.Unmarshal(body, &result); err != nil {
				log.Printf("[asr] failed to unmarshal response: %v", err)
				continue
			}
			if result.Code != 0 && result.Code != successCode {
				return nil, fmt.Errorf("ASR API error %d: %s", result.Code, result.Message)
			}
			if text := resultText(result); text != "" {
				transcript.Text = text
			}
			if result.AudioInfo.Duration > 0 {
				transcript.Duration = time.Duration(result.AudioInfo.Duration) * time.Millisecond
			}
			if frame.Last() {
				return &transcript, nil
			}
		}
	}
}

func resultText(result asrResult) string {
	if text := strings.TrimSpace(result.Result.Text); text != "" {
		return text
	}
	parts := make([]string, 0, len(result.Result.Utterances))
	for _, u := range result.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
