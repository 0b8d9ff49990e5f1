package eventbus

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// ─── Redis ──────────────────────────────────────────────────────────

// RedisSink publishes each event on the exam's monitor channel so other
// instances can feed their own observers.
type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error {
	return s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID), payload).Err()
}

// Close is a no-op; the client is owned by main.
func (s *RedisSink) Close() error { return nil }

// ─── Kafka ──────────────────────────────────────────────────────────

// KafkaSink writes events keyed by session ID, which keeps a session's
// events on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID.String()),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "organization_id", Value: []byte(ev.OrganizationID)},
		},
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// ─── MQTT ───────────────────────────────────────────────────────────

// MQTTSink publishes on {prefix}/{organization}/{exam} with QoS 1.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSink connects to broker and returns a ready sink.
func NewMQTTSink(broker, clientID, prefix string, log zerolog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return &MQTTSink{client: client, prefix: prefix}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(ev model.MonitorEvent) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, ev.OrganizationID, ev.ExamID)
}

func (s *MQTTSink) Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error {
	token := s.client.Publish(s.Topic(ev), 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// ─── AMQP ───────────────────────────────────────────────────────────

// AMQPSink publishes persistent messages to a durable queue through the
// default exchange.
type AMQPSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPSink dials url and declares queue.
func NewAMQPSink(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare %s: %w", queue, err)
	}
	return &AMQPSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error {
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
		Type:         string(ev.Type),
		MessageId:    fmt.Sprintf("%s:%d", ev.SessionID, ev.Sequence),
		Timestamp:    ev.OccurredAt,
	})
}

func (s *AMQPSink) Close() error {
	s.ch.Close()
	return s.conn.Close()
}

// ─── Construction ───────────────────────────────────────────────────

// BuildSinks creates the sinks named in cfg.EventSinks. On failure any sink
// already created is closed.
func BuildSinks(cfg *config.Config, rdb *redis.Client, log zerolog.Logger) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	for _, name := range cfg.EventSinks {
		switch name {
		case "redis":
			if rdb == nil {
				return fail(fmt.Errorf("redis sink needs a redis client"))
			}
			sinks = append(sinks, NewRedisSink(rdb))
		case "kafka":
			sinks = append(sinks, NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		case "mqtt":
			s, err := NewMQTTSink(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, log)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case "amqp":
			s, err := NewAMQPSink(cfg.AMQPURL, cfg.AMQPQueue)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		default:
			return fail(fmt.Errorf("unknown event sink %q", name))
		}
		log.Info().Str("sink", name).Msg("Event sink enabled")
	}
	return sinks, nil
}
