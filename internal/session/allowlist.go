package session

import (
	"fmt"
	"os"
	"strings"

	"AgentPay-Chain/internal/chain"

	"gopkg.in/yaml.v3"
)

// Allowlist 维护各网络允许的收款地址集合。某网络的集合为空表示
// 开放模式（不做目的地限制），这是刻意设计的回退行为而非错误。
type Allowlist struct {
	entries map[chain.Network]map[string]struct{}
}

// NewAllowlist 从网络到地址列表的映射构造白名单。
// 地址按各网络原生格式做精确匹配，不做任何大小写归一化。
func NewAllowlist(entries map[chain.Network][]string) *Allowlist {
	set := make(map[chain.Network]map[string]struct{}, len(entries))
	for network, addresses := range entries {
		bucket := make(map[string]struct{}, len(addresses))
		for _, address := range addresses {
			address = strings.TrimSpace(address)
			if address == "" {
				continue
			}
			bucket[address] = struct{}{}
		}
		if len(bucket) > 0 {
			set[network] = bucket
		}
	}
	return &Allowlist{entries: set}
}

// allowlistFile 对应 configs/merchants.yaml 的结构。
type allowlistFile struct {
	Networks map[string][]string `yaml:"networks"`
}

// LoadAllowlist 从 YAML 文件读取商户白名单。路径为空等价于全网络开放模式。
func LoadAllowlist(path string) (*Allowlist, error) {
	if strings.TrimSpace(path) == "" {
		return NewAllowlist(nil), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取商户白名单失败: %w", err)
	}
	var file allowlistFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析商户白名单失败: %w", err)
	}
	entries := make(map[chain.Network][]string, len(file.Networks))
	for name, addresses := range file.Networks {
		network := chain.Network(name)
		if !network.Valid() {
			return nil, fmt.Errorf("商户白名单包含不支持的网络: %s", name)
		}
		entries[network] = addresses
	}
	return NewAllowlist(entries), nil
}

// IsAllowed 判断地址是否允许作为转账目的地。
func (a *Allowlist) IsAllowed(network chain.Network, address string) bool {
	bucket, ok := a.entries[network]
	if !ok || len(bucket) == 0 {
		return true
	}
	_, allowed := bucket[address]
	return allowed
}

// OpenMode 报告网络是否处于开放模式。
func (a *Allowlist) OpenMode(network chain.Network) bool {
	bucket, ok := a.entries[network]
	return !ok || len(bucket) == 0
}
