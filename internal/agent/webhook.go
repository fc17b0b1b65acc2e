package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "AgentCron-Chain/internal/errors"
)

const maxWebhookResponse = 64 << 10

func (d *Dispatcher) webhook(ctx context.Context, def Definition, payload string) (string, error) {
	if strings.TrimSpace(def.URL) == "" {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "代理 %s 未配置 url", def.ID)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("等待 webhook 调用配额失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.URL, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	if json.Valid([]byte(payload)) {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	req.Header.Set("X-Agent-ID", def.ID)
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return "", fmt.Errorf("读取 webhook 响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
