package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaGroupID = "uploader-pop"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaQueue publishes jobs to one topic and pops them through a consumer group.
// The writer and the group reader are opened on first use and kept until Close.
type KafkaQueue struct {
	brokers []string
	topic   string
	groupID string
	now     func() time.Time

	mu     sync.Mutex
	writer messageWriter
	reader messageReader
}

// NewKafkaQueue constructs a Kafka queue backend. brokers is a comma-separated host:port list.
func NewKafkaQueue(brokers, topic string) *KafkaQueue {
	if topic == "" {
		topic = "uploader.queue"
	}
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaQueue{brokers: addrs, topic: topic, groupID: kafkaGroupID, now: time.Now}
}

func (k *KafkaQueue) ensure() error {
	if len(k.brokers) == 0 {
		return errors.New("kafka brokers not configured")
	}
	return nil
}

func (k *KafkaQueue) getWriter() messageWriter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        k.topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		}
	}
	return k.writer
}

func (k *KafkaQueue) getReader() messageReader {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       k.topic,
			GroupID:     k.groupID,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	return k.reader
}

// encodeMessage keys the message by job ID so retries of one job land on the same partition.
func encodeMessage(req Request) (kafka.Message, error) {
	data, err := encodeRequest(req)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(req.ID),
		Value:   data,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(req.Kind)}},
	}, nil
}

func (k *KafkaQueue) Enqueue(ctx context.Context, req Request) error {
	if err := k.ensure(); err != nil {
		return err
	}
	msg, err := encodeMessage(prepare(req, k.now()))
	if err != nil {
		return err
	}
	return k.getWriter().WriteMessages(ctx, msg)
}

// Stats reports the consumer group's lag summed over every partition of the topic.
func (k *KafkaQueue) Stats(ctx context.Context) (Stats, error) {
	if err := k.ensure(); err != nil {
		return Stats{}, err
	}
	client := &kafka.Client{Addr: kafka.TCP(k.brokers...), Timeout: 10 * time.Second}
	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{k.topic}})
	if err != nil {
		return Stats{}, err
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != k.topic {
			continue
		}
		if t.Error != nil {
			return Stats{}, fmt.Errorf("topic %s: %w", k.topic, t.Error)
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return Stats{}, fmt.Errorf("topic %s has no partitions", k.topic)
	}

	reqs := make([]kafka.OffsetRequest, 0, 2*len(partitions))
	for _, p := range partitions {
		reqs = append(reqs, kafka.FirstOffsetOf(p), kafka.LastOffsetOf(p))
	}
	offsets, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{k.topic: reqs},
	})
	if err != nil {
		return Stats{}, err
	}
	committed, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: k.groupID,
		Topics:  map[string][]int{k.topic: partitions},
	})
	if err != nil {
		return Stats{}, err
	}
	if committed.Error != nil {
		return Stats{}, fmt.Errorf("group %s: %w", k.groupID, committed.Error)
	}
	lag, err := consumerLag(offsets.Topics[k.topic], committed.Topics[k.topic])
	if err != nil {
		return Stats{}, err
	}
	return Stats{Length: int(lag)}, nil
}

// consumerLag counts messages between the group's committed offset and the end
// of each partition. A partition with no commit, or a commit older than the
// retained log, counts from the first retained offset.
func consumerLag(offsets []kafka.PartitionOffsets, committed []kafka.OffsetFetchPartition) (int64, error) {
	commits := make(map[int]int64, len(committed))
	for _, c := range committed {
		if c.Error != nil {
			return 0, fmt.Errorf("partition %d: %w", c.Partition, c.Error)
		}
		commits[c.Partition] = c.CommittedOffset
	}
	var lag int64
	for _, p := range offsets {
		if p.Error != nil {
			return 0, fmt.Errorf("partition %d: %w", p.Partition, p.Error)
		}
		from, ok := commits[p.Partition]
		if !ok || from < p.FirstOffset {
			from = p.FirstOffset
		}
		if p.LastOffset > from {
			lag += p.LastOffset - from
		}
	}
	return lag, nil
}

// Pop reads up to max jobs, stopping early once ctx ends. Callers bound the wait with a deadline.
func (k *KafkaQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	if err := k.ensure(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	r := k.getReader()
	raw := make([][]byte, 0, max)
	for len(raw) < max {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return decodeRequests(raw), err
		}
		raw = append(raw, m.Value)
	}
	return decodeRequests(raw), nil
}

// Close flushes the writer and leaves the consumer group.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	if k.writer != nil {
		errs = append(errs, k.writer.Close())
		k.writer = nil
	}
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
		k.reader = nil
	}
	return errors.Join(errs...)
}
