package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"go.uber.org/zap"
)

// CallbackMessage 引擎异步切分完成的回调
type CallbackMessage struct {
	TaskID       string `json:"taskId"`
	Success      bool   `json:"success"`
	KnowledgeURL string `json:"knowledgeUrl,omitempty"`
	ErrMsg       string `json:"errMsg,omitempty"`
}

// CallbackHandler 回调处理函数
type CallbackHandler func(ctx context.Context, msg CallbackMessage) error

// ParseCallbackMessage 解析回调消息
func ParseCallbackMessage(data []byte) (*CallbackMessage, error) {
	var msg CallbackMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("解析消息失败: taskId为空")
	}
	return &msg, nil
}

// CallbackConsumer 从Kafka消费引擎回调
type CallbackConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler CallbackHandler
	metrics *metrics.Metrics
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCallbackConsumer 创建消费者组
func NewCallbackConsumer(brokers []string, groupID, topic string, handler CallbackHandler, m *metrics.Metrics) (*CallbackConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.String("topic", topic))

	return &CallbackConsumer{group: group, topics: []string{topic}, handler: handler, metrics: m}, nil
}

// Start 后台消费，直到ctx取消或Close
func (c *CallbackConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	handler := &callbackGroupHandler{handler: c.handler, metrics: c.metrics}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("消费消息失败", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
			if ctx.Err() != nil {
				logger.Info("Kafka消费者停止")
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			logger.Error("Kafka消费者错误", zap.Error(err))
		}
	}()
}

// Close 关闭消费者
func (c *CallbackConsumer) Close() error {
	if c == nil {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// callbackGroupHandler 消费者组处理器
type callbackGroupHandler struct {
	handler CallbackHandler
	metrics *metrics.Metrics
}

func (h *callbackGroupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *callbackGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 消费消息。格式错误的消息直接提交，处理失败的不提交等待重投
func (h *callbackGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if h.process(session.Context(), message) {
				session.MarkMessage(message, "")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *callbackGroupHandler) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	msg, err := ParseCallbackMessage(message.Value)
	if err != nil {
		h.metrics.KafkaMessage(message.Topic, "consume", err)
		logger.Warn("丢弃无法解析的回调消息",
			zap.String("topic", message.Topic),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return true
	}

	err = h.handler(ctx, *msg)
	h.metrics.KafkaMessage(message.Topic, "consume", err)
	if err != nil {
		logger.Error("处理消息失败",
			zap.String("topic", message.Topic),
			zap.Int("partition", int(message.Partition)),
			zap.Int64("offset", message.Offset),
			zap.String("task_id", msg.TaskID),
			zap.Error(err))
		return false
	}

	logger.Debug("消息处理成功",
		zap.String("topic", message.Topic),
		zap.Int64("offset", message.Offset),
		zap.String("task_id", msg.TaskID))
	return true
}
