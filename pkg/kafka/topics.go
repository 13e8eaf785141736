package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"example.com/reliable-messaging/pkg/logger"
)

// TopicSpec описывает топик для EnsureTopics.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics создаёт недостающие топики через контроллер кластера.
// Существующие топики не считаются ошибкой.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}
	if len(specs) == 0 {
		return nil
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("подключение к Kafka %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("поиск контроллера Kafka: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("подключение к контроллеру Kafka: %w", err)
	}
	defer ctrlConn.Close()

	if err := ctrlConn.CreateTopics(topicConfigs(specs)...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("создание топиков Kafka: %w", err)
	}

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	logger.Info().Strs("topics", names).Msg("Топики Kafka готовы")
	return nil
}

func topicConfigs(specs []TopicSpec) []kafka.TopicConfig {
	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		partitions, replication := s.Partitions, s.ReplicationFactor
		if partitions <= 0 {
			partitions = 1
		}
		if replication <= 0 {
			replication = 1
		}
		configs = append(configs, kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	return configs
}
