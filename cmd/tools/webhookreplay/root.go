package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
)

type replayOptions struct {
	server   string
	provider string
	file     string
	times    int
	gap      time.Duration
	token    string
	secret   string
	status   bool
}

func newRootCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "webhookreplay",
		Short: "向运行中的服务重放 webhook 负载",
		Long: `将一个 JSON 负载文件 POST 到 /api/webhooks/{provider}。

--times 大于 1 时重复投递同一负载，用于验证去重；
--gap 控制两次投递的间隔，用于观察静默期调度。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(opts.file)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			return replay(cmd.Context(), http.DefaultClient, opts, body, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "服务地址")
	flags.StringVarP(&opts.provider, "provider", "p", "green", "网关: cloud 或 green")
	flags.StringVarP(&opts.file, "file", "f", "", "JSON 负载文件")
	flags.IntVarP(&opts.times, "times", "n", 1, "投递次数")
	flags.DurationVar(&opts.gap, "gap", 0, "两次投递之间的间隔")
	flags.StringVar(&opts.token, "token", os.Getenv("GREEN_API_WEBHOOK_TOKEN"), "Green-API webhook bearer token")
	flags.StringVar(&opts.secret, "app-secret", os.Getenv("WA_CLOUD_APP_SECRET"), "Cloud API app secret，用于签名")
	flags.BoolVar(&opts.status, "status", false, "投递到 /status 路由")
	_ = cmd.MarkFlagRequired("file")

	cmd.AddCommand(newTranscribeCmd())
	return cmd
}

func replay(ctx context.Context, client *http.Client, opts *replayOptions, body []byte, out io.Writer) error {
	if opts.times < 1 {
		opts.times = 1
	}
	url := strings.TrimRight(opts.server, "/") + "/api/webhooks/" + opts.provider
	if opts.status {
		url += "/status"
	}

	for i := 1; i <= opts.times; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if opts.token != "" {
			req.Header.Set("Authorization", "Bearer "+opts.token)
		}
		if opts.secret != "" {
			req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(gateway.SignCloudPayload(opts.secret, body)))
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("delivery %d: %w", i, err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		fmt.Fprintf(out, "#%d %s %d %s (%s)\n", i, opts.provider, resp.StatusCode, strings.TrimSpace(string(respBody)), time.Since(start).Round(time.Millisecond))
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("delivery %d rejected with status %d", i, resp.StatusCode)
		}

		if i < opts.times && opts.gap > 0 {
			log.Printf("waiting %s before next delivery", opts.gap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.gap):
			}
		}
	}
	return nil
}
