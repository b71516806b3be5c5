package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/config"
)

// GreenClient calls the Green-API instance methods.
type GreenClient struct {
	apiURL     string
	instanceID string
	token      string
	http       *http.Client
}

// NewGreenClient 创建 Green-API 客户端
func NewGreenClient(cfg config.GreenGatewayConfig, httpClient *http.Client) *GreenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &GreenClient{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		instanceID: cfg.InstanceID,
		token:      cfg.APIToken,
		http:       httpClient,
	}
}

func (c *GreenClient) method(name string) string {
	return fmt.Sprintf("%s/waInstance%s/%s/%s", c.apiURL, c.instanceID, name, c.token)
}

// Send uses sendMessage, or sendFileByUrl when an attachment URL is given.
func (c *GreenClient) Send(ctx context.Context, chatID, text string, attachment *Attachment) (string, error) {
	method := "sendMessage"
	payload := map[string]string{"chatId": chatID}
	if attachment != nil && attachment.Ref != "" {
		method = "sendFileByUrl"
		payload["urlFile"] = attachment.Ref
		payload["fileName"] = attachment.FileName
		if payload["fileName"] == "" {
			payload["fileName"] = "file"
		}
		payload["caption"] = text
	} else {
		payload["message"] = text
	}

	var out struct {
		IDMessage string `json:"idMessage"`
	}
	if err := c.post(ctx, method, payload, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSenderUnavailable, err)
	}
	if out.IDMessage == "" {
		return "", fmt.Errorf("%w: empty idMessage", ErrSenderUnavailable)
	}
	return out.IDMessage, nil
}

// FetchMedia downloads the file URL delivered in the webhook.
func (c *GreenClient) FetchMedia(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return download(c.http, req)
}

func (c *GreenClient) post(ctx context.Context, method string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
