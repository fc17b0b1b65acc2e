package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainTypeEVM is the only chain family the scheduler can query.
const ChainTypeEVM = "evm"

// ChainFile is the on-disk layout of web3.chain_config.
type ChainFile struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one named RPC endpoint. A non-zero ChainID is
// checked against the node when the endpoint is dialled.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     uint64 `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// Names returns the chain names in a stable order.
func (f ChainFile) Names() []string {
	names := make([]string, 0, len(f.Chains))
	for name := range f.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadChainFile loads chain definitions from path. An empty path yields an
// empty set.
func ReadChainFile(path string) (ChainFile, error) {
	if strings.TrimSpace(path) == "" {
		return ChainFile{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainFile{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainFile(content)
}

// ParseChainFile decodes and normalises chain definitions.
func ParseChainFile(content []byte) (ChainFile, error) {
	var raw ChainFile
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ChainFile{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	file := ChainFile{Chains: make(map[string]ChainDefinition, len(raw.Chains))}
	for name, def := range raw.Chains {
		key := strings.TrimSpace(name)
		if key == "" {
			return ChainFile{}, fmt.Errorf("链名称不能为空")
		}
		if _, dup := file.Chains[key]; dup {
			return ChainFile{}, fmt.Errorf("链 %s 重复定义", key)
		}
		def.RPCURL = strings.TrimSpace(def.RPCURL)
		if def.RPCURL == "" {
			return ChainFile{}, fmt.Errorf("链 %s 缺少 rpc_url", key)
		}
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "" {
			def.Type = ChainTypeEVM
		}
		if def.Type != ChainTypeEVM {
			return ChainFile{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", key, def.Type)
		}
		file.Chains[key] = def
	}
	return file, nil
}
