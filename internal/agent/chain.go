package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "AgentCron-Chain/internal/errors"
)

// ActionChainSnapshot 返回链 ID 与最新区块高度。
const ActionChainSnapshot = "chain_snapshot"

// chainRequest 是链上查询代理可接受的 JSON 负载，字段覆盖代理定义。
type chainRequest struct {
	Chain   string `json:"chain,omitempty"`
	Action  string `json:"action,omitempty"`
	Address string `json:"address,omitempty"`
}

func parseChainRequest(def Definition, payload string) (chainRequest, error) {
	req := chainRequest{Chain: def.Chain, Action: def.Action, Address: def.Address}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return req, nil
	}
	if !strings.HasPrefix(payload, "{") {
		req.Address = payload
		return req, nil
	}
	var override chainRequest
	if err := json.Unmarshal([]byte(payload), &override); err != nil {
		return chainRequest{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链上查询负载失败")
	}
	if override.Chain != "" {
		req.Chain = override.Chain
	}
	if override.Action != "" {
		req.Action = override.Action
	}
	if override.Address != "" {
		req.Address = override.Address
	}
	return req, nil
}

func (d *Dispatcher) chainQuery(ctx context.Context, def Definition, payload string) (string, error) {
	if d.chains == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	req, err := parseChainRequest(def, payload)
	if err != nil {
		return "", err
	}
	client, err := d.chains.Resolve(req.Chain)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析链客户端失败")
	}

	action := strings.TrimSpace(req.Action)
	switch action {
	case "", ActionChainSnapshot:
		snapshot, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			return "", fmt.Errorf("编码链快照失败: %w", err)
		}
		return string(encoded), nil
	case "eth_getBalance", "eth_getTransactionCount", "eth_blockNumber", "eth_chainId":
		return client.ExecuteAction(ctx, action, req.Address)
	default:
		return "", xerrors.Newf(CodeUnsupportedAction, "暂不支持的链上操作: %s", action)
	}
}
