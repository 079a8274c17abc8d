//go:generate mockgen -destination=mock/mock_ingest.go -package=mock github.com/mqy/minichat/ingest IKafkaReader,IKafkaWriter

// Package ingest moves accepted records into the record store and tells
// the hub which conversations changed. With kafka brokers configured the
// records travel through a kafka topic; without, they are saved directly.
package ingest

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}
