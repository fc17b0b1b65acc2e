package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// WebhookNotifier 以 JSON POST 的方式投递告警，发送速率受限。
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

// WebhookOption 自定义 WebhookNotifier。
type WebhookOption func(*WebhookNotifier)

// WithWebhookClient 指定 HTTP 客户端。
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithWebhookHeaders 为每次请求附加请求头。
func WithWebhookHeaders(headers map[string]string) WebhookOption {
	return func(n *WebhookNotifier) {
		for k, v := range headers {
			n.headers[k] = v
		}
	}
}

// WithWebhookRate 限制每秒发送次数与突发量。
func WithWebhookRate(perSecond float64, burst int) WebhookOption {
	return func(n *WebhookNotifier) {
		if perSecond > 0 && burst > 0 {
			n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewWebhookNotifier 创建 Webhook 通知器。
func NewWebhookNotifier(url string, opts ...WebhookOption) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("告警 webhook 地址不能为空")
	}
	n := &WebhookNotifier{
		url:     url,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n, nil
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("等待告警发送配额失败: %w", err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
