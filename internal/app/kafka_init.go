package app

import (
	"context"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/messaging/kafka"
	"github.com/killbill/killbill-sub011/internal/service/timeline"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой или если произошла ошибка.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	if brokers == "" {
		return nil, nil
	}

	brokerList := strings.Split(brokers, ",")
	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// blockingCommandHandler переводит команды из Kafka в записи blocking state.
func blockingCommandHandler(recorder *timeline.Recorder, logger *log.Entry) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		cmd, err := kafka.ParseBlockingCommand(message)
		if err != nil {
			return err
		}

		saved, err := recorder.RecordBlockingState(domain.BlockingState{
			BlockedID:        cmd.BlockedID,
			Scope:            domain.BlockingScope(cmd.Scope),
			StateName:        cmd.StateName,
			Service:          cmd.Service,
			BlockEntitlement: cmd.BlockEntitlement,
			BlockBilling:     cmd.BlockBilling,
			BlockChange:      cmd.BlockChange,
			EffectiveAt:      cmd.EffectiveAt,
		})
		if err != nil {
			return err
		}

		logger.WithFields(log.Fields{
			"blocked_id":      saved.BlockedID,
			"sequence_number": saved.SequenceNumber,
		}).Info("blocking command applied")
		return nil
	}
}

// initBlockingCommandConsumer подписывает consumer с DLQ на топик команд.
// Возвращает nil, nil если brokers пустой.
func initBlockingCommandConsumer(
	brokers string,
	recorder *timeline.Recorder,
	dlqProducer *kafka.Producer,
	logger *log.Entry,
) (*kafka.Consumer, error) {
	if brokers == "" {
		return nil, nil
	}

	consumer, err := kafka.NewConsumerWithDLQ(
		strings.Split(brokers, ","),
		"entitlement-service",
		[]string{kafka.TopicBlockingCommands},
		blockingCommandHandler(recorder, logger),
		dlqProducer,
		3,
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, continuing without command intake")
		return nil, err
	}

	logger.WithField("topic", kafka.TopicBlockingCommands).Info("blocking command consumer initialized")
	return consumer, nil
}
