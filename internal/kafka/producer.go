// Package kafka 发布已确认的业务事件
//
// Topic:
//   - evmx-deposits: 充值确认，Partition Key 为交易哈希
//   - evmx-invoices: 账单支付确认，Partition Key 为账单系统编号
//   - evmx-withdrawals: 提币确认，Partition Key 为提币单号
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/pkg/logger"
)

const (
	TopicDeposits    = "evmx-deposits"
	TopicInvoices    = "evmx-invoices"
	TopicWithdrawals = "evmx-withdrawals"
)

var ErrProducerClosed = errors.New("producer is closed")

// Event 已确认的业务事件
type Event struct {
	ProjectID int64                  `json:"project_id"`
	Action    string                 `json:"action"`
	ChainID   int64                  `json:"chain_id"`
	Hash      string                 `json:"hash"`
	Content   map[string]interface{} `json:"content"`
	CreatedAt int64                  `json:"created_at"`
}

// topicAndKey 按事件动作选择 topic 与分区键
func (e *Event) topicAndKey() (string, string, bool) {
	switch e.Action {
	case "deposit":
		return TopicDeposits, e.Hash, true
	case "invoice":
		return TopicInvoices, fmt.Sprint(e.Content["sys_no"]), true
	case "withdrawal":
		return TopicWithdrawals, fmt.Sprint(e.Content["no"]), true
	default:
		return "", "", false
	}
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher 未配置 Kafka 时使用
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *Event) error {
	return nil
}

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	SASL         *SASLConfig
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	if err := applySASL(config, cfg.SASL); err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerWith(producer), nil
}

// NewProducerWith 包装已有的同步生产者
func NewProducerWith(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// Publish 发送事件，未知动作忽略
func (p *Producer) Publish(ctx context.Context, event *Event) error {
	topic, key, ok := event.topicAndKey()
	if !ok {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(topic, key, data)
}

func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

var (
	_ EventPublisher = (*Producer)(nil)
	_ EventPublisher = NopPublisher{}
)
