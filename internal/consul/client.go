package consul

import (
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Client 流水线用到的Consul能力：配置覆盖读取和服务注册。
// agent不可达时退化为禁用状态，所有调用变成空操作。
type Client struct {
	kv     *api.KV
	agent  *api.Agent
	logger *zap.Logger
}

// NewClient 连接Consul agent
func NewClient(address string, enabled bool, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !enabled {
		return &Client{logger: logger}, nil
	}

	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	apiClient, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, _, err := apiClient.Health().State(api.HealthAny, nil); err != nil {
		logger.Warn("Consul agent unreachable, pipeline runs with local config only",
			zap.String("address", cfg.Address), zap.Error(err))
		return &Client{logger: logger}, nil
	}

	logger.Info("Consul client initialized", zap.String("address", cfg.Address))
	return &Client{kv: apiClient.KV(), agent: apiClient.Agent(), logger: logger}, nil
}

// IsEnabled agent是否可用
func (c *Client) IsEnabled() bool {
	return c != nil && c.kv != nil
}

// Overrides 一次读出prefix下的全部键，返回去掉前缀后的相对键
func (c *Client) Overrides(prefix string) (map[string]string, error) {
	if !c.IsEnabled() {
		return nil, nil
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	pairs, _, err := c.kv.List(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key := strings.TrimPrefix(pair.Key, prefix)
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		out[key] = strings.TrimSpace(string(pair.Value))
	}
	return out, nil
}

func (c *Client) register(registration *api.AgentServiceRegistration) error {
	if !c.IsEnabled() {
		return fmt.Errorf("consul is not enabled")
	}
	return c.agent.ServiceRegister(registration)
}

func (c *Client) deregister(serviceID string) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.agent.ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", serviceID, err)
	}
	c.logger.Info("Pipeline deregistered from Consul", zap.String("service_id", serviceID))
	return nil
}
