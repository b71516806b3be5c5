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

const maxMediaBytes = 16 << 20

// CloudClient sends messages and downloads media through the Graph API.
type CloudClient struct {
	graphURL      string
	phoneNumberID string
	accessToken   string
	http          *http.Client
}

// NewCloudClient 创建 Graph API 客户端，httpClient 为空时使用默认超时客户端
func NewCloudClient(cfg config.CloudGatewayConfig, httpClient *http.Client) *CloudClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &CloudClient{
		graphURL:      strings.TrimRight(cfg.GraphURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		http:          httpClient,
	}
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts a text message, or a media message by link when attachment.Ref is a URL.
func (c *CloudClient) Send(ctx context.Context, chatID, text string, attachment *Attachment) (string, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                chatID,
	}
	if attachment != nil && attachment.Ref != "" {
		kind := string(attachment.Kind)
		media := map[string]string{"link": attachment.Ref}
		if text != "" && kind != "audio" {
			media["caption"] = text
		}
		if attachment.FileName != "" && kind == "document" {
			media["filename"] = attachment.FileName
		}
		payload["type"] = kind
		payload[kind] = media
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/%s/messages", c.graphURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	var out cloudSendResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSenderUnavailable, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: graph error %d: %s", ErrSenderUnavailable, out.Error.Code, out.Error.Message)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("%w: empty message id", ErrSenderUnavailable)
	}
	return out.Messages[0].ID, nil
}

// FetchMedia resolves a media id to its short-lived URL and downloads it.
func (c *CloudClient) FetchMedia(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.graphURL, ref), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	var meta struct {
		URL      string `json:"url"`
		MIMEType string `json:"mime_type"`
	}
	if err := c.do(req, &meta); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("%w: media %s has no url", ErrMediaUnavailable, ref)
	}

	dl, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	dl.Header.Set("Authorization", "Bearer "+c.accessToken)
	data, mime, err := download(c.http, dl)
	if err != nil {
		return nil, "", err
	}
	if meta.MIMEType != "" {
		mime = meta.MIMEType
	}
	return data, mime, nil
}

func (c *CloudClient) do(req *http.Request, out interface{}) error {
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
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func download(client *http.Client, req *http.Request) ([]byte, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: download status %d", ErrMediaUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
