package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/wire"
)

const kafkaWriteTimeout = 3 * time.Second

// publish writes one accepted record to kafka, keyed by conversation so a
// conversation stays in one partition.
func publish(ctx context.Context, kafkaWriter IKafkaWriter, conversation string, r *message.Record, limit int) error {
	value, err := json.Marshal(&wire.LogEntry{Conversation: conversation, Record: r})
	if err != nil {
		return fmt.Errorf("error marshal record: %s, err: %v", r.ID, err)
	}
	if len(value) > limit {
		return fmt.Errorf("ingest: record exceeds max limit: %d bytes", limit)
	}

	km := kafka.Message{
		Key:   []byte(conversation),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := kafkaWriter.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}
