package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentCron-Chain/internal/web3"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// backend is the subset of ethclient.Client used by Client.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   backend
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}, nil
}

func newClientWithBackend(name, notes string, b backend) *Client {
	return &Client{name: name, notes: notes, backend: b}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.backend.(*ethclient.Client); ok {
		ec.Close()
	} else if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) chain() (backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.backend, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	b, err := c.chain()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := b.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ExecuteAction runs small read-only RPC calls for the agent layer.
func (c *Client) ExecuteAction(ctx context.Context, action, address string) (string, error) {
	b, err := c.chain()
	if err != nil {
		return "", err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return "", errors.New("链上操作不能为空")
	}

	switch action {
	case "eth_getBalance":
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		balance, err := b.BalanceAt(ctx, addr, nil)
		if err != nil {
			return "", fmt.Errorf("查询余额失败: %w", err)
		}
		return toHexBig(balance), nil
	case "eth_getTransactionCount":
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		nonce, err := b.PendingNonceAt(ctx, addr)
		if err != nil {
			return "", fmt.Errorf("查询交易计数失败: %w", err)
		}
		return fmt.Sprintf("0x%x", nonce), nil
	case "eth_blockNumber":
		number, err := b.BlockNumber(ctx)
		if err != nil {
			return "", fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		return fmt.Sprintf("0x%x", number), nil
	case "eth_chainId":
		id, err := b.ChainID(ctx)
		if err != nil {
			return "", fmt.Errorf("获取链 ID 失败: %w", err)
		}
		return toHexBig(id), nil
	default:
		return "", fmt.Errorf("暂不支持的链上操作: %s", action)
	}
}

// TokenBalance calls balanceOf(holder) on an ERC-20 contract.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := c.callERC20(ctx, token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回了意外的类型 %T", out[0])
	}
	return balance, nil
}

// TokenDecimals calls decimals() on an ERC-20 contract.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.callERC20(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 返回了意外的类型 %T", out[0])
	}
	return decimals, nil
}

func (c *Client) callERC20(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	b, err := c.chain()
	if err != nil {
		return nil, err
	}
	data, err := parsedERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := b.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约 %s 失败: %w", method, err)
	}
	out, err := parsedERC20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 没有返回值", method)
	}
	return out, nil
}

func parseAddress(action, address string) (common.Address, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return common.Address{}, fmt.Errorf("%s 需要提供地址", action)
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%s 的地址格式无效: %s", action, addr)
	}
	return common.HexToAddress(addr), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
