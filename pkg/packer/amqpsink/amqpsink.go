// Package amqpsink packs classified flow records as JSON messages
// published to a RabbitMQ exchange, for downstream consumers such as the
// teacher's self-healing failure detector.
package amqpsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/netweaver/flowcollector/pkg/packer"
)

// Config holds the broker connection and exchange settings.
type Config struct {
	URL          string
	Exchange     string
	ExchangeKind string
	RoutingKey   string
}

func (c Config) withDefaults() Config {
	if c.ExchangeKind == "" {
		c.ExchangeKind = "topic"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "flowcollector.records"
	}
	return c
}

// Sink is a Packer that publishes one message per record.
type Sink struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  Config
}

// Message is the wire shape published to the exchange.
type Message struct {
	ObservedAt    time.Time `json:"observed_at"`
	ExporterIP    string    `json:"exporter_ip"`
	SourceName    string    `json:"source_name"`
	SrcIP         string    `json:"src_ip"`
	DstIP         string    `json:"dst_ip"`
	SrcPort       uint16    `json:"src_port"`
	DstPort       uint16    `json:"dst_port"`
	Proto         uint8     `json:"proto"`
	Bytes         uint64    `json:"bytes"`
	Packets       uint64    `json:"packets"`
	SensorID      int       `json:"sensor_id"`
	SourceNetwork int       `json:"source_network_id,omitempty"`
	DestNetwork   int       `json:"dest_network_id,omitempty"`
}

// New dials the broker and declares the configured exchange.
func New(cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqpsink: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpsink: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		cfg.ExchangeKind,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpsink: exchange declare: %w", err)
	}

	return &Sink{conn: conn, ch: ch, cfg: cfg}, nil
}

// Pack publishes one JSON message per record.
func (s *Sink) Pack(ctx context.Context, records []packer.Classified) error {
	for _, c := range records {
		msg := toMessage(c)
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("amqpsink: marshal: %w", err)
		}

		if err := s.ch.Publish(
			s.cfg.Exchange,
			s.cfg.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
				Timestamp:   time.Now(),
			},
		); err != nil {
			return fmt.Errorf("amqpsink: publish: %w", err)
		}
	}
	return nil
}

func toMessage(c packer.Classified) Message {
	r := c.Record
	var srcIP, dstIP string
	if r.SrcIP != nil {
		srcIP = r.SrcIP.String()
	}
	if r.DstIP != nil {
		dstIP = r.DstIP.String()
	}
	return Message{
		ObservedAt:    c.ObservedAt,
		ExporterIP:    c.ExporterIP,
		SourceName:    c.SourceName,
		SrcIP:         srcIP,
		DstIP:         dstIP,
		SrcPort:       r.SrcPort,
		DstPort:       r.DstPort,
		Proto:         r.Proto,
		Bytes:         r.Bytes,
		Packets:       r.Packets,
		SensorID:      int(c.Classification.Sensor),
		SourceNetwork: int(c.Classification.SourceNetwork),
		DestNetwork:   int(c.Classification.DestNetwork),
	}
}

// Close tears down the channel and connection.
func (s *Sink) Close() error {
	s.ch.Close()
	return s.conn.Close()
}
