package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

// KafkaConfig configures the Kafka change-event source.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	Topics  []string `yaml:"topics"`
}

// KafkaSource consumes change events from Kafka and enqueues them. One
// reader per topic for parallelism; offsets are committed after the enqueue
// attempt, so a full queue drops the event rather than stalling the
// partition (exactly-once is explicitly not promised).
type KafkaSource struct {
	readers []*kafka.Reader
	enqueue EnqueueFunc

	consumed    atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaSource creates the source and starts one consumer goroutine per
// topic.
func NewKafkaSource(cfg KafkaConfig, enqueue EnqueueFunc) *KafkaSource {
	ctx, cancel := context.WithCancel(context.Background())

	ks := &KafkaSource{
		enqueue: enqueue,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, topic := range cfg.Topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       1024,
			MaxBytes:       10 * 1024 * 1024,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		ks.readers = append(ks.readers, reader)

		ks.wg.Add(1)
		go ks.consume(reader)
	}

	log.Infof("kafka source started for topics: %v", cfg.Topics)
	return ks
}

func (ks *KafkaSource) consume(reader *kafka.Reader) {
	defer ks.wg.Done()

	var parser fastjson.Parser

	for {
		msg, err := reader.FetchMessage(ks.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warnf("failed to fetch message: %v", err)
			continue
		}
		ks.consumed.Add(1)

		ev, pri, maxRetries, perr := parseEvent(&parser, msg.Value)
		if perr != nil {
			ks.parseErrors.Add(1)
			log.WithFields(log.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warnf("skipping unparseable event: %v", perr)
		} else if _, eerr := ks.enqueue(ev, pri, maxRetries); eerr != nil {
			ks.dropped.Add(1)
			log.Warnf("dropping event from %s: %v", msg.Topic, eerr)
		}

		if cerr := reader.CommitMessages(ks.ctx, msg); cerr != nil && !errors.Is(cerr, context.Canceled) {
			log.Warnf("failed to commit offset: %v", cerr)
		}
	}
}

// Stats returns lifetime consumption counters.
func (ks *KafkaSource) Stats() (consumed, parseErrors, dropped int64) {
	return ks.consumed.Load(), ks.parseErrors.Load(), ks.dropped.Load()
}

// Stop cancels consumption and closes the readers.
func (ks *KafkaSource) Stop() {
	ks.cancel()
	ks.wg.Wait()
	for _, r := range ks.readers {
		if err := r.Close(); err != nil {
			log.Warnf("failed to close kafka reader: %v", err)
		}
	}
	log.Info("kafka source stopped")
}
