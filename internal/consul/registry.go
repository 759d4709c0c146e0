package consul

import (
	"fmt"
	"os"
	"strconv"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ServiceRegistry 把流水线实例登记到Consul，供管理端和引擎回调发现
type ServiceRegistry struct {
	client      *Client
	serviceID   string
	serviceName string
	logger      *zap.Logger
}

func NewServiceRegistry(client *Client, serviceID, serviceName string, logger *zap.Logger) *ServiceRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceRegistry{
		client:      client,
		serviceID:   serviceID,
		serviceName: serviceName,
		logger:      logger,
	}
}

// Registration 构造注册信息。健康检查指向/health，元数据带上回调地址和启用的消息通道
func (sr *ServiceRegistry) Registration(cfg *config.Config) *api.AgentServiceRegistration {
	host := os.Getenv("SERVICE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 8000
	if p, err := strconv.Atoi(cfg.Server.Port); err == nil {
		port = p
	}

	meta := map[string]string{
		"env":          cfg.Server.Env,
		"callback_url": cfg.Engine.CallbackURL,
		"kafka":        strconv.FormatBool(cfg.Kafka.Enabled),
	}
	if cfg.Kafka.Enabled && cfg.Kafka.CallbackTopic != "" {
		meta["callback_topic"] = cfg.Kafka.CallbackTopic
	}

	return &api.AgentServiceRegistration{
		ID:      sr.serviceID,
		Name:    sr.serviceName,
		Tags:    []string{"knowledge-pipeline", "aiui", "cbg", cfg.Server.Env},
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", host, port),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: meta,
	}
}

// Register Consul未启用时直接跳过
func (sr *ServiceRegistry) Register(cfg *config.Config) error {
	if !sr.client.IsEnabled() {
		sr.logger.Info("Consul is not enabled, skipping pipeline registration")
		return nil
	}

	registration := sr.Registration(cfg)
	if err := sr.client.register(registration); err != nil {
		return fmt.Errorf("failed to register %s: %w", sr.serviceID, err)
	}
	sr.logger.Info("Pipeline registered with Consul",
		zap.String("service_id", sr.serviceID),
		zap.String("address", registration.Address),
		zap.Int("port", registration.Port),
	)
	return nil
}

func (sr *ServiceRegistry) Deregister() error {
	return sr.client.deregister(sr.serviceID)
}
