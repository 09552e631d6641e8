package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer streams driver location pings to the consumer. Messages are
// keyed by driver ID so one driver's pings stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	msg, err := EncodeLocation(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func EncodeLocation(p models.LocationPing) (kafka.Message, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode location: %w", err)
	}
	return kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.SentAt}, nil
}

// DecodeLocation parses a ping read from the topic. The message key fills in
// a missing driver ID.
func DecodeLocation(m kafka.Message) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return models.LocationPing{}, fmt.Errorf("decode location: %w", err)
	}
	if p.DriverID == "" {
		p.DriverID = string(m.Key)
	}
	if p.DriverID == "" {
		return models.LocationPing{}, fmt.Errorf("decode location: missing driver id")
	}
	if !p.Loc.Valid() {
		return models.LocationPing{}, fmt.Errorf("decode location: coordinate out of range for driver %s", p.DriverID)
	}
	return p, nil
}
