package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer — синхронный Kafka-паблишер событий entitlement-движка.
// Ключ сообщения — blocked id агрегата, поэтому все события одного
// объекта идут в одну партицию и сохраняют порядок записи.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
}

// syncProducerConfig — идемпотентный producer с подтверждением от всех
// in-sync реплик: blocking-события не должны ни теряться, ни дублироваться.
func syncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // требование идемпотентного режима
	return config
}

func NewProducer(brokers []string) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, syncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Producer{
		sync:   sp,
		logger: log.WithField("component", "kafka-producer"),
	}, nil
}

// Publish сериализует payload в JSON и синхронно отправляет в topic.
func (p *Producer) Publish(topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	partition, offset, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

// PublishEntitlementEvent публикует событие движка во внешний topic,
// ключуя его blocked id.
func (p *Producer) PublishEntitlementEvent(event *EntitlementEvent) error {
	if event == nil {
		return errors.New("nil entitlement event")
	}
	key := event.BlockedID
	if key == "" {
		key = event.BundleID
	}
	return p.Publish(TopicEntitlementEvents, key, event)
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
