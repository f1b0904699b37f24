package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/killbill/killbill-sub011/internal/messaging/kafka"
)

// commandDLQRecord собирает DLQ-запись consumer'а команд: PAUSED-команда
// для blockedID, не примененная после исчерпания retry.
func commandDLQRecord(t *testing.T, blockedID, key string) []byte {
	t.Helper()

	command, err := json.Marshal(kafka.BlockingCommand{
		BlockedID:        blockedID,
		Scope:            "SUBSCRIPTION",
		StateName:        "PAUSED",
		Service:          "entitlement-service",
		BlockEntitlement: true,
		BlockBilling:     true,
		EffectiveAt:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal blocking command failed: %v", err)
	}

	raw, err := json.Marshal(kafka.DLQRecord{
		OriginalTopic:  kafka.TopicBlockingCommands,
		OriginalOffset: 42,
		OriginalKey:    key,
		OriginalValue:  string(command),
		ErrorMessage:   "apply blocking state: deadline exceeded",
		FailedAt:       "2026-02-01T00:00:05Z",
		RetryCount:     3,
	})
	if err != nil {
		t.Fatalf("marshal dlq record failed: %v", err)
	}
	return raw
}

// outboxDLQRecord собирает DLQ-событие outbox worker'а: конверт с вложенным
// dead letter, внутри которого исходный payload события.
func outboxDLQRecord(t *testing.T, outboxID, aggregateID string) []byte {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":             outboxID,
		"aggregate_type": "blocking_state",
		"aggregate_id":   aggregateID,
		"event_type":     "blocking.recorded",
		"payload": map[string]any{
			"outbox_id":      outboxID,
			"aggregate_type": "blocking_state",
			"aggregate_id":   aggregateID,
			"event_type":     "blocking.recorded",
			"payload": map[string]any{
				"state_name": "PAUSED",
			},
			"publish_error":    "kafka: request timed out",
			"dlq_published_at": "2026-02-01T00:00:05Z",
		},
	})
	if err != nil {
		t.Fatalf("marshal outbox dlq record failed: %v", err)
	}
	return raw
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected brokers count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestDecodeCandidate_CommandRecord(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: commandDLQRecord(t, "sub-42", "bundle-7")}

	candidate, ok, err := decodeCandidate(msg, kafka.TopicEntitlementEvents)
	if err != nil {
		t.Fatalf("decodeCandidate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if candidate.topic != kafka.TopicBlockingCommands {
		t.Fatalf("expected replay onto original commands topic, got %s", candidate.topic)
	}
	if candidate.key != "bundle-7" {
		t.Fatalf("unexpected key: %s", candidate.key)
	}
	if candidate.blockedID != "sub-42" {
		t.Fatalf("expected blocked id from the command payload, got %q", candidate.blockedID)
	}
	if candidate.source != "consumer" {
		t.Fatalf("unexpected source: %s", candidate.source)
	}
	if !strings.Contains(candidate.failure, "deadline exceeded") {
		t.Fatalf("expected failure reason to survive, got %q", candidate.failure)
	}

	// replay несет исходную команду байт в байт
	var command kafka.BlockingCommand
	if err := json.Unmarshal(candidate.value, &command); err != nil {
		t.Fatalf("replay value is not a blocking command: %v", err)
	}
	if command.StateName != "PAUSED" || !command.BlockBilling {
		t.Fatalf("unexpected replayed command: %+v", command)
	}
}

func TestDecodeCandidate_CommandRecordOpaqueValue(t *testing.T) {
	raw, err := json.Marshal(kafka.DLQRecord{
		OriginalKey:   "sub-9",
		OriginalValue: "not-a-json-command",
		ErrorMessage:  "unmarshal blocking command",
	})
	if err != nil {
		t.Fatalf("marshal dlq record failed: %v", err)
	}

	candidate, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: raw}, kafka.TopicEntitlementEvents)
	if err != nil {
		t.Fatalf("decodeCandidate failed: %v", err)
	}
	if !ok {
		t.Fatal("opaque original value must still be replayable")
	}
	if candidate.topic != kafka.TopicEntitlementEvents {
		t.Fatalf("expected fallback topic, got %s", candidate.topic)
	}
	if candidate.blockedID != "sub-9" {
		t.Fatalf("expected blocked id fallback to original key, got %q", candidate.blockedID)
	}
	if string(candidate.value) != "not-a-json-command" {
		t.Fatalf("original bytes must not be rewritten: %s", string(candidate.value))
	}
}

func TestDecodeCandidate_OutboxDeadLetter(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: outboxDLQRecord(t, "outbox-1", "sub-1")}

	candidate, ok, err := decodeCandidate(msg, kafka.TopicEntitlementEvents)
	if err != nil {
		t.Fatalf("decodeCandidate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if candidate.topic != kafka.TopicEntitlementEvents {
		t.Fatalf("unexpected topic: %s", candidate.topic)
	}
	if candidate.key != "sub-1" {
		t.Fatalf("expected aggregate id as key, got %s", candidate.key)
	}
	if candidate.blockedID != "sub-1" {
		t.Fatalf("unexpected blocked id: %s", candidate.blockedID)
	}
	if candidate.source != "outbox" {
		t.Fatalf("unexpected source: %s", candidate.source)
	}
	if !strings.Contains(candidate.failure, "request timed out") {
		t.Fatalf("expected publish error to survive, got %q", candidate.failure)
	}

	var replay outboxWireEnvelope
	if err := json.Unmarshal(candidate.value, &replay); err != nil {
		t.Fatalf("replay value is not an outbox envelope: %v", err)
	}
	if replay.ID != "outbox-1" || replay.EventType != "blocking.recorded" {
		t.Fatalf("unexpected replay envelope: %+v", replay)
	}
	if string(replay.Payload) != `{"state_name":"PAUSED"}` {
		t.Fatalf("original event payload must be carried verbatim: %s", string(replay.Payload))
	}
}

func TestDecodeCandidate_OutboxMissingOriginalPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "blocking_state",
		"aggregate_id":   "sub-1",
		"event_type":     "blocking.recorded",
		"payload": map[string]any{
			"outbox_id":     "outbox-1",
			"aggregate_id":  "sub-1",
			"event_type":    "blocking.recorded",
			"publish_error": "timeout",
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	_, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: raw}, kafka.TopicEntitlementEvents)
	if err == nil {
		t.Fatal("expected error for dead letter without original payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}
}

func TestDecodeCandidate_UnknownShape(t *testing.T) {
	_, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}, kafka.TopicEntitlementEvents)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unknown record to be skipped")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "sub-1", "sub-2"); got != "sub-1" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=kafka-1:9092,kafka-2:9092",
		"-source-topic=killbill.dlq",
		"-target-topic=killbill.entitlement.events",
		"-blocked-id= sub-1 ",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
		}
		if cfg.blockedID != "sub-1" {
			t.Fatalf("unexpected blocked id filter: %q", cfg.blockedID)
		}
		if cfg.limit != 10 {
			t.Fatalf("unexpected limit: %d", cfg.limit)
		}
		if !cfg.execute || !cfg.fromNewest {
			t.Fatalf("unexpected mode flags: execute=%v fromNewest=%v", cfg.execute, cfg.fromNewest)
		}
		if cfg.idleTimeout != 3*time.Second {
			t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing brokers",
			args:    []string{"-brokers="},
			wantErr: "kafka brokers are required",
		},
		{
			name:    "missing source topic",
			args:    []string{"-brokers=kafka:9092", "-source-topic="},
			wantErr: "source-topic is required",
		},
		{
			name:    "missing target topic",
			args:    []string{"-brokers=kafka:9092", "-target-topic="},
			wantErr: "target-topic is required",
		},
		{
			name:    "non-positive limit",
			args:    []string{"-brokers=kafka:9092", "-limit=0"},
			wantErr: "limit must be > 0",
		},
		{
			name:    "non-positive idle timeout",
			args:    []string{"-brokers=kafka:9092", "-idle-timeout=0s"},
			wantErr: "idle-timeout must be > 0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withFlagArgs(t, tc.args, func() {
				_, err := readConfig()
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got: %v", tc.wantErr, err)
				}
			})
		})
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayCandidate{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &fakeReplayProducer{}
	candidate := replayCandidate{topic: kafka.TopicBlockingCommands, key: "sub-1", value: []byte(`{"state_name":"PAUSED"}`)}
	if err := publishReplay(producer, candidate); err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != kafka.TopicBlockingCommands {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	if err := publishReplay(producer, candidate); err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func TestScanPartition_DryRun(t *testing.T) {
	client := &fakeOffsetClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-1", "sub-1"),
			}),
		},
	}

	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := scanPartition(context.Background(), consumer, client, nil, cfg, 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.scanned != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestScanPartition_Execute(t *testing.T) {
	client := &fakeOffsetClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-1", "sub-1"),
			}),
		},
	}
	producer := &fakeReplayProducer{}

	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := scanPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("expected replayed=1, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
	if producer.lastMsg.Topic != kafka.TopicBlockingCommands {
		t.Fatalf("command must be replayed onto its original topic, got %s", producer.lastMsg.Topic)
	}
}

func TestScanPartition_BlockedIDFilter(t *testing.T) {
	client := &fakeOffsetClient{windows: map[int32]offsetWindow{0: {low: 0, high: 3}}}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(
				&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: commandDLQRecord(t, "sub-other", "sub-other")},
				&sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: commandDLQRecord(t, "sub-wanted", "sub-wanted")},
			),
		},
	}
	producer := &fakeReplayProducer{}

	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		blockedID:   "sub-wanted",
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := scanPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.scanned != 2 || stats.replayed != 1 || stats.filtered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected exactly the matching record to be replayed, got %d calls", producer.calls)
	}
	if string(producer.lastKey(t)) != "sub-wanted" {
		t.Fatalf("unexpected replayed key: %s", producer.lastKey(t))
	}
}

func TestScanPartition_ErrorBranches(t *testing.T) {
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}

	clientOffsetErr := &fakeOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := scanPartition(context.Background(), &fakeConsumerSource{}, clientOffsetErr, &fakeReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &fakeOffsetClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}
	consumerErr := &fakeConsumerSource{consumeErr: errors.New("consume")}
	if _, err := scanPartition(context.Background(), consumerErr, client, &fakeReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(pcWithErr.errors)
	consumer := &fakeConsumerSource{partitions: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := scanPartition(context.Background(), consumer, client, &fakeReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(pcWithErr.messages)

	pcBadPayload := drainedPartition(&sarama.ConsumerMessage{
		Partition: 0,
		Offset:    0,
		Value:     []byte(`{"id":"x","payload":"not-an-object"}`),
	})
	consumer = &fakeConsumerSource{partitions: map[int32]partitionConsumer{0: pcBadPayload}}
	stats, err := scanPartition(context.Background(), consumer, client, &fakeReplayProducer{}, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.skipped != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	pcOK := drainedPartition(&sarama.ConsumerMessage{
		Partition: 0,
		Offset:    0,
		Value:     commandDLQRecord(t, "sub-1", "sub-1"),
	})
	consumer = &fakeConsumerSource{partitions: map[int32]partitionConsumer{0: pcOK}}
	producer := &fakeReplayProducer{sendErr: errors.New("send fail")}
	if _, err := scanPartition(context.Background(), consumer, client, producer, cfg, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestScanPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &fakeOffsetClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}

	idlePartition := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &fakeConsumerSource{partitions: map[int32]partitionConsumer{0: idlePartition}}
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		idleTimeout: 10 * time.Millisecond,
	}

	stats, err := scanPartition(context.Background(), consumer, client, nil, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected scanned=0, got %+v", stats)
	}
	close(idlePartition.messages)
	close(idlePartition.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPartition := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	canceledConsumer := &fakeConsumerSource{partitions: map[int32]partitionConsumer{0: canceledPartition}}
	if _, err := scanPartition(ctx, canceledConsumer, client, nil, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceledPartition.messages)
	close(canceledPartition.errors)
}

func TestRunReplay(t *testing.T) {
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		limit:       1,
		idleTimeout: 20 * time.Millisecond,
	}

	if err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &fakeOffsetClient{
		partitions: []int32{2, 0},
		windows: map[int32]offsetWindow{
			0: {low: 0, high: 2},
			2: {low: 0, high: 2},
		},
	}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-1", "sub-1"),
			}),
			2: drainedPartition(&sarama.ConsumerMessage{
				Partition: 2,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-2", "sub-2"),
			}),
		},
	}

	if err := runReplay(context.Background(), cfg, client, consumer, nil); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(consumer.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(consumer.calls))
	}
	if consumer.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", consumer.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := runReplay(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	emptyClient := &fakeOffsetClient{partitions: nil}
	if err := runReplay(context.Background(), cfg, emptyClient, consumer, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicEntitlementEvents,
		limit:       1,
		idleTimeout: 20 * time.Millisecond,
	}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &fakeOffsetClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-1", "sub-1"),
			}),
		},
	}
	producer := &fakeReplayProducer{}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		newReplayDependencies = oldDeps
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	client := &fakeOffsetClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	consumer := &fakeConsumerSource{
		partitions: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     commandDLQRecord(t, "sub-1", "sub-1"),
			}),
		},
	}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, nil, nil
	}

	os.Args = []string{"dlq-reprocess", "-brokers=kafka:9092", "-limit=1", "-idle-timeout=50ms"}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	main()
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

type offsetWindow struct {
	low  int64
	high int64
}

type fakeOffsetClient struct {
	partitions    []int32
	partitionsErr error
	windows       map[int32]offsetWindow
	offsetErr     map[int32]error
	closed        bool
}

func (f *fakeOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := f.offsetErr[partition]; ok {
		return 0, err
	}

	window := f.windows[partition]
	switch marker {
	case sarama.OffsetOldest:
		return window.low, nil
	case sarama.OffsetNewest:
		return window.high, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (f *fakeOffsetClient) Partitions(string) ([]int32, error) {
	if f.partitionsErr != nil {
		return nil, f.partitionsErr
	}
	return append([]int32(nil), f.partitions...), nil
}

func (f *fakeOffsetClient) Close() error {
	f.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type fakeConsumerSource struct {
	partitions map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (f *fakeConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	f.calls = append(f.calls, consumeCall{partition: partition, offset: offset})
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	pc, ok := f.partitions[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (f *fakeConsumerSource) Close() error {
	f.closed = true
	return nil
}

type fakePartition struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (f *fakePartition) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakePartition) Errors() <-chan *sarama.ConsumerError     { return f.errors }
func (f *fakePartition) Close() error {
	f.closed = true
	return nil
}

// drainedPartition — partition consumer с уже закрытыми каналами: отдает
// переданные сообщения и завершается.
func drainedPartition(messages ...*sarama.ConsumerMessage) *fakePartition {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &fakePartition{messages: msgCh, errors: errCh}
}

type fakeReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (f *fakeReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.calls++
	f.lastMsg = msg
	if f.sendErr != nil {
		return 0, 0, f.sendErr
	}
	return 0, int64(f.calls), nil
}

func (f *fakeReplayProducer) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReplayProducer) lastKey(t *testing.T) []byte {
	t.Helper()
	if f.lastMsg == nil {
		t.Fatal("no message was produced")
	}
	key, err := f.lastMsg.Key.Encode()
	if err != nil {
		t.Fatalf("encode key failed: %v", err)
	}
	return key
}
