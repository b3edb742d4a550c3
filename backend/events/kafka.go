package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// KafkaOptions tunes a KafkaSink.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultKafkaOptions returns the options used when none are configured.
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   1024,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// KafkaSink publishes events to a topic keyed by room id. Emit only enqueues,
// a fixed set of workers send with bounded retries. When the queue is full the
// event is dropped and logged, operators still have the log sink.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
	opts     KafkaOptions

	// mu guards queue against a send after Close
	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// NewKafkaProducer connects a synchronous producer to the brokers.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// required by SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, xerrors.Errorf("failed to connect kafka producer: %v", err)
	}
	return producer, nil
}

// NewKafkaSink starts the workers of a sink publishing on topic.
func NewKafkaSink(producer sarama.SyncProducer, topic string, log zerolog.Logger, opts KafkaOptions) *KafkaSink {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}

	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		log:      log,
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
	}

	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	return s
}

// Emit implements Sink. Events emitted after Close are dropped.
func (s *KafkaSink) Emit(_ context.Context, evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.log.Warn().Str("event", string(evt.Kind)).Str("room", evt.RoomID).Msg("kafka sink closed, dropping event")
		return
	}

	select {
	case s.queue <- evt:
	default:
		s.log.Warn().Str("event", string(evt.Kind)).Str("room", evt.RoomID).Msg("kafka queue full, dropping event")
	}
}

// Close stops accepting events, waits for queued ones to be sent and closes
// the producer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.producer.Close()
}

func (s *KafkaSink) workerLoop(workerID int) {
	defer s.wg.Done()

	for evt := range s.queue {
		if err := s.sendWithRetry(evt); err != nil {
			s.log.Error().Err(err).Int("worker", workerID).Str("event", string(evt.Kind)).
				Str("room", evt.RoomID).Msg("kafka send failed, dropping event")
		}
	}
}

func (s *KafkaSink) sendWithRetry(evt Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(func() error {
		return s.sendOnce(evt)
	}, backoff.WithMaxRetries(b, uint64(s.opts.MaxRetry)))
}

func (s *KafkaSink) sendOnce(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Errorf("failed to marshal event: %v", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}
