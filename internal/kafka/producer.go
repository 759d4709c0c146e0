package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"go.uber.org/zap"
)

// FileStatusEvent 文件状态变更事件
type FileStatusEvent struct {
	FileID       uint64    `json:"file_id"`
	UUID         string    `json:"uuid"`
	RepositoryID uint64    `json:"repository_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FileEventProducer 文件状态事件生产者
type FileEventProducer struct {
	producer sarama.SyncProducer
	topic    string
	metrics  *metrics.Metrics
}

// NewSaramaConfig 生产者配置
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	return config
}

// NewFileEventProducer 连接Kafka并创建生产者
func NewFileEventProducer(brokers []string, topic string, m *metrics.Metrics) (*FileEventProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewFileEventProducerWith(producer, topic, m), nil
}

// NewFileEventProducerWith 使用已有的SyncProducer
func NewFileEventProducerWith(producer sarama.SyncProducer, topic string, m *metrics.Metrics) *FileEventProducer {
	return &FileEventProducer{producer: producer, topic: topic, metrics: m}
}

// PublishFileStatus 发送文件状态事件，按文件ID分区保证同一文件有序
func (p *FileEventProducer) PublishFileStatus(ctx context.Context, event FileStatusEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(event.FileID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("status"), Value: []byte(event.To)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.KafkaMessage(p.topic, "produce", err)
	if err != nil {
		logger.Error("发送Kafka消息失败", zap.Uint64("file_id", event.FileID), zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}

	logger.Debug("Kafka消息发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.Uint64("file_id", event.FileID),
		zap.String("status", event.To))
	return nil
}

// Close 关闭生产者
func (p *FileEventProducer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
