package watchbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaWatchBus implements WatchBus with one Kafka topic per key. Watchers
// consume partition 0 from the newest offset, so the topics used as keys are
// expected to have a single partition.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	buffer   int

	mu     sync.Mutex
	subs   fanout
	remote map[string]sarama.PartitionConsumer

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaWatchBus wraps an existing producer and consumer.
func NewKafkaWatchBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaWatchBus {
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		buffer:   DefaultBuffer,
		subs:     newFanout(),
		remote:   make(map[string]sarama.PartitionConsumer),
	}
}

// DialKafka connects to brokers and returns a KafkaWatchBus.
func DialKafka(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return NewKafkaWatchBus(producer, consumer), nil
}

// Publish implements WatchBus.Publish.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements WatchBus.Watch.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if _, ok := b.remote[key]; !ok {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.remote[key] = pc
		go b.dispatch(key, pc)
	}
	b.subs.add(key, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaWatchBus) dispatch(key string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		n := deliver(b.subs.chans[key], msg.Value)
		b.mu.Unlock()
		b.delivered.Add(n)
	}
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	found, last := b.subs.remove(key, ch)
	if found {
		close(ch)
	}
	var pc sarama.PartitionConsumer
	if last {
		pc = b.remote[key]
		delete(b.remote, key)
	}
	b.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases the producer and consumer.
func (b *KafkaWatchBus) Close() error {
	b.mu.Lock()
	remote := b.remote
	b.remote = make(map[string]sarama.PartitionConsumer)
	b.mu.Unlock()
	for _, pc := range remote {
		_ = pc.Close()
	}
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
