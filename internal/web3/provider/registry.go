package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentCron-Chain/internal/config"
	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/web3"
	"AgentCron-Chain/internal/web3/ethereum"
)

// DefaultChainName is used when only a bare rpc_url is configured.
const DefaultChainName = "default"

// Registry holds one client per configured chain name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

type dialFunc func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

func dialEthereum(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// NewRegistry dials every chain in web3.chain_config, or the bare rpc_url
// when no chain file is configured.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return newRegistry(ctx, cfg, dialEthereum)
}

func newRegistry(ctx context.Context, cfg config.Web3Config, dial dialFunc) (*Registry, error) {
	file, err := web3.ReadChainFile(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(file.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		file.Chains[DefaultChainName] = web3.ChainDefinition{Type: web3.ChainTypeEVM, RPCURL: strings.TrimSpace(cfg.RPCURL)}
		if defaultChain == "" {
			defaultChain = DefaultChainName
		}
	}

	clients := make(map[string]web3.Client, len(file.Chains))
	fail := func(err error) (*Registry, error) {
		for _, client := range clients {
			client.Close()
		}
		return nil, err
	}
	for _, name := range file.Names() {
		def := file.Chains[name]
		client, err := dial(ctx, name, def)
		if err != nil {
			return fail(fmt.Errorf("初始化链 %s 失败: %w", name, err))
		}
		clients[name] = client
		if err := verifyChainID(ctx, client, def.ChainID); err != nil {
			return fail(fmt.Errorf("链 %s 校验失败: %w", name, err))
		}
	}

	registry, err := NewStaticRegistry(defaultChain, clients)
	if err != nil {
		return fail(err)
	}
	return registry, nil
}

func verifyChainID(ctx context.Context, client web3.Client, want uint64) error {
	if want == 0 {
		return nil
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		return err
	}
	got, err := hexutil.DecodeBig(snapshot.ChainID)
	if err != nil {
		return fmt.Errorf("无法解析节点返回的链 ID %q: %w", snapshot.ChainID, err)
	}
	if got.Cmp(new(big.Int).SetUint64(want)) != 0 {
		return fmt.Errorf("节点链 ID 为 %s，配置要求 %d", got, want)
	}
	return nil
}

// NewStaticRegistry wraps already constructed clients. An empty defaultChain
// selects the alphabetically first name.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	r := &Registry{clients: make(map[string]web3.Client, len(clients))}
	for name, client := range clients {
		r.clients[name] = client
	}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表未初始化")
	}
	return r.Resolve(r.defaultChain)
}

// Resolve returns the named client, or the default one when name is empty.
// Unknown names fail with NOT_FOUND.
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表未初始化")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok || client == nil {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "链 %s 未在注册表中", name)
	}
	return client, nil
}

// DefaultChain reports the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Close releases all clients.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains lists the registered chain names in order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
