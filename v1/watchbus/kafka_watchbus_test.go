package watchbus

import (
	"context"
	"errors"
	"testing"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaWatchBusPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	bus := NewKafkaWatchBus(producer, consumer)

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "hello" {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	if err := bus.Publish(context.Background(), "taskwarp-events", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := bus.Publish(context.Background(), "taskwarp-events", []byte("x")); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaWatchBusWatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	bus := NewKafkaWatchBus(producer, consumer)

	pc := consumer.ExpectConsumePartition("taskwarp-events", 0, sarama.OffsetNewest)
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: "taskwarp-events", Value: []byte("one")})

	ctx := context.Background()
	ch, err := bus.Watch(ctx, "taskwarp-events")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if msg := recv(t, ch); string(msg) != "one" {
		t.Fatalf("unexpected %s", msg)
	}
	// Unwatching the last watcher closes the partition consumer.
	if err := bus.Unwatch(ctx, "taskwarp-events", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}
