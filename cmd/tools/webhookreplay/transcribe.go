package main

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	speechmodel "github.com/zhouzirui/replydesk/backend/internal/model/speech"
	"github.com/zhouzirui/replydesk/backend/internal/service/speech"
)

// newTranscribeCmd 本地验证语音识别凭证与音频格式
func newTranscribeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "用配置的语音识别服务转写本地音频文件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			if !cfg.Speech.Enabled() {
				return fmt.Errorf("语音服务未启用，请先配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
			}

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("打开音频文件失败: %w", err)
			}

			mimeType := mime.TypeByExtension(filepath.Ext(path))
			if mimeType == "" {
				mimeType = "audio/" + strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}
			format, codec := speechmodel.FormatFromMIME(mimeType, cfg.Speech.Format, cfg.Speech.Codec)
			audio := speechmodel.Audio{Data: data, MIME: mimeType, Format: format, Codec: codec}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log.Printf("开始进行 ASR 测试: file=%s format=%s codec=%s bytes=%d", path, format, codec, len(data))
			transcript, err := speech.NewASRClient(cfg.Speech).Recognize(ctx, audio)
			if err != nil {
				return fmt.Errorf("ASR 调用失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "text=%q duration=%s logid=%s\n", transcript.Text, transcript.Duration, transcript.LogID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "请求超时时间")
	return cmd
}
