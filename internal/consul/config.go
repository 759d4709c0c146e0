package consul

import (
	"strconv"
	"strings"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"go.uber.org/zap"
)

// ApplyOverrides 用Consul KV中的值覆盖运行期可调参数，未配置或无法解析的键保持原值
func ApplyOverrides(client *Client, prefix string, cfg *config.Config, logger *zap.Logger) {
	if !client.IsEnabled() || cfg == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kv, err := client.Overrides(prefix)
	if err != nil {
		logger.Warn("Failed to read Consul overrides, keeping local config", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	o := overrides{kv: kv, logger: logger}

	o.setString("engine/base_url", &cfg.Engine.BaseURL)
	o.setString("engine/callback_url", &cfg.Engine.CallbackURL)
	o.setDuration("engine/timeout", &cfg.Engine.Timeout)
	o.setString("audit/base_url", &cfg.Audit.BaseURL)

	o.setInt("pipeline/save_batch_size", &cfg.Pipeline.SaveBatchSize)
	o.setInt("pipeline/cbg_push_workers", &cfg.Pipeline.CBGPushWorkers)
	o.setDuration("pipeline/sweep_interval", &cfg.Pipeline.SweepInterval)
	o.setDuration("pipeline/sweep_staleness", &cfg.Pipeline.SweepStaleness)

	if brokers, ok := kv["kafka/brokers"]; ok && brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	if enabled, ok := kv["kafka/enabled"]; ok && enabled != "" {
		cfg.Kafka.Enabled = enabled == "true"
	}

	logger.Info("Configuration overrides loaded from Consul", zap.String("prefix", prefix), zap.Int("keys", len(kv)))
}

type overrides struct {
	kv     map[string]string
	logger *zap.Logger
}

func (o overrides) setString(key string, dst *string) {
	if v, ok := o.kv[key]; ok && v != "" {
		*dst = v
	}
}

func (o overrides) setInt(key string, dst *int) {
	v, ok := o.kv[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.logger.Warn("Ignoring malformed Consul override", zap.String("key", key), zap.String("value", v))
		return
	}
	*dst = n
}

func (o overrides) setDuration(key string, dst *time.Duration) {
	v, ok := o.kv[key]
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.logger.Warn("Ignoring malformed Consul override", zap.String("key", key), zap.String("value", v))
		return
	}
	*dst = d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
