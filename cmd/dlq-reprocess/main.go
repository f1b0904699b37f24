package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

// config — параметры сканирования DLQ. По умолчанию утилита работает в
// режиме dry-run: кандидаты на реобработку только логируются.
type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	blockedID   string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayCandidate — восстановленное из DLQ сообщение, готовое к повторной
// публикации. blockedID извлекается из payload'а для фильтра -blocked-id
// и для логов dry-run.
type replayCandidate struct {
	topic     string
	key       string
	value     []byte
	blockedID string
	source    string
	failure   string
}

// outboxDeadLetter — payload DLQ-события transactional outbox: исходное
// событие плюс причина отказа публикации.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// outboxWireEnvelope — конверт, в котором outbox worker публикует события
// в Kafka. Используется и для разбора DLQ-записи, и для сборки replay.
type outboxWireEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at,omitempty"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KB_KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicEntitlementEvents, "target topic for replay")
	flag.StringVar(&cfg.blockedID, "blocked-id", "", "replay only records for this account, bundle or subscription id")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KB_KAFKA_BROKERS")
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KB_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}

	cfg.blockedID = strings.TrimSpace(cfg.blockedID)

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"blocked_id":   cfg.blockedID,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, consumer, producer)
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total scanStats

	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}

		remaining := cfg.limit - total.scanned
		stats, err := scanPartition(ctx, consumer, client, producer, cfg, partition, remaining)
		if err != nil {
			return err
		}

		total.scanned += stats.scanned
		total.replayed += stats.replayed
		total.skipped += stats.skipped
		total.filtered += stats.filtered
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
		"filtered": total.filtered,
	}).Info("dlq replay finished")

	return nil
}

// scanStats — счётчики одного прохода: filtered считает записи, отсеянные
// фильтром -blocked-id, skipped — записи неизвестной формы.
type scanStats struct {
	scanned  int
	replayed int
	skipped  int
	filtered int
}

func scanPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg config,
	partition int32,
	limit int,
) (scanStats, error) {
	var stats scanStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = newest - int64(limit)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	partitionConsumer, err := consumer.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = partitionConsumer.Close() }()

	endOffset := newest
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-partitionConsumer.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-partitionConsumer.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= endOffset {
				return stats, nil
			}

			candidate, ok, err := decodeCandidate(msg, cfg.targetTopic)
			if err != nil {
				stats.scanned++
				stats.skipped++
				log.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip undecodable dlq record")
				continue
			}
			if !ok {
				stats.scanned++
				stats.skipped++
				continue
			}

			if cfg.blockedID != "" && candidate.blockedID != cfg.blockedID {
				stats.scanned++
				stats.filtered++
				continue
			}

			if cfg.execute {
				if err := publishReplay(producer, candidate); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.replayed++
			} else {
				log.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"source":       candidate.source,
					"blocked_id":   candidate.blockedID,
					"target_topic": candidate.topic,
					"key":          candidate.key,
					"failure":      candidate.failure,
				}).Info("dlq replay candidate")
				stats.replayed++
			}

			stats.scanned++

			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

func publishReplay(producer replayProducer, candidate replayCandidate) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	producerMessage := &sarama.ProducerMessage{
		Topic:     candidate.topic,
		Key:       sarama.StringEncoder(candidate.key),
		Value:     sarama.ByteEncoder(candidate.value),
		Timestamp: time.Now().UTC(),
	}

	_, _, err := producer.SendMessage(producerMessage)
	return err
}

// decodeCandidate распознаёт две формы DLQ-записей: DLQRecord consumer'а
// команд и конверт transactional outbox. Всё остальное пропускается.
func decodeCandidate(msg *sarama.ConsumerMessage, defaultTopic string) (replayCandidate, bool, error) {
	var record kafka.DLQRecord
	if err := json.Unmarshal(msg.Value, &record); err == nil && record.OriginalValue != "" {
		return candidateFromCommandRecord(record, defaultTopic), true, nil
	}

	var envelope outboxWireEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayCandidate{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return replayCandidate{}, false, nil
	}

	return candidateFromOutboxRecord(envelope, defaultTopic)
}

// candidateFromCommandRecord восстанавливает сообщение, отправленное в DLQ
// consumer'ом команд. Исходные байты публикуются как есть; BlockingCommand
// декодируется только ради blocked_id.
func candidateFromCommandRecord(record kafka.DLQRecord, defaultTopic string) replayCandidate {
	topic := strings.TrimSpace(record.OriginalTopic)
	if topic == "" {
		topic = defaultTopic
	}

	blockedID := record.OriginalKey
	var command kafka.BlockingCommand
	if err := json.Unmarshal([]byte(record.OriginalValue), &command); err == nil && command.BlockedID != "" {
		blockedID = command.BlockedID
	}

	return replayCandidate{
		topic:     topic,
		key:       record.OriginalKey,
		value:     []byte(record.OriginalValue),
		blockedID: blockedID,
		source:    "consumer",
		failure:   record.ErrorMessage,
	}
}

// candidateFromOutboxRecord пересобирает DLQ-событие outbox worker'а в
// обычный конверт и адресует его в target topic. Ключ — aggregate id,
// чтобы replay сохранил per-aggregate порядок.
func candidateFromOutboxRecord(envelope outboxWireEnvelope, defaultTopic string) (replayCandidate, bool, error) {
	var deadLetter outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &deadLetter); err != nil {
		return replayCandidate{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(deadLetter.Payload) == 0 {
		return replayCandidate{}, false, fmt.Errorf("outbox dead letter has no original event payload")
	}

	replay := outboxWireEnvelope{
		ID:            firstNonEmpty(deadLetter.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(deadLetter.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(deadLetter.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(deadLetter.EventType, envelope.EventType),
		Payload:       deadLetter.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayCandidate{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayCandidate{
		topic:     defaultTopic,
		key:       firstNonEmpty(replay.AggregateID, replay.ID),
		value:     encoded,
		blockedID: replay.AggregateID,
		source:    "outbox",
		failure:   deadLetter.PublishError,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
