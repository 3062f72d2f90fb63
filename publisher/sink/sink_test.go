package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/encoding"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, config.Brokers)
	assert.Equal(t, 1, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	require.NotNil(t, sink.writer)
	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(2048), sink.writer.BatchBytes)
	assert.Equal(t, DefaultKafkaBatchTimeout, sink.writer.BatchTimeout)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.False(t, sink.writer.Async)
	assert.Equal(t, DefaultKafkaWriteTimeout, sink.writeTimeout)
}

func TestNewKafkaSink_NoBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)

	_, err = publisher.NewSink(cfg.SinkConfiguration{Name: "k", Type: "kafka"})
	assert.Error(t, err)
}

func TestKafkaSink_RegisteredFactory(t *testing.T) {
	s, err := publisher.NewSink(cfg.SinkConfiguration{
		Name:    "k",
		Type:    "kafka",
		Brokers: []string{"localhost:9092"},
	})
	require.NoError(t, err)
	assert.IsType(t, &KafkaSink{}, s)
	assert.NoError(t, s.Close())
}

func TestNatsSink_RequiresURL(t *testing.T) {
	_, err := publisher.NewSink(cfg.SinkConfiguration{Name: "n", Type: "nats"})
	assert.ErrorContains(t, err, "nats_url")
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "batchapply_orders_commits", sanitizeStreamName("batchapply.orders.commits"))
	assert.Equal(t, "a___c", sanitizeStreamName("a.*.c"))
	assert.Equal(t, "plain", sanitizeStreamName("plain"))
}

func TestMockSink(t *testing.T) {
	mock := &MockSink{}

	require.NoError(t, mock.Publish("topic", "key1", []byte("value1")))
	msgs := mock.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MockMessage{Topic: "topic", Key: "key1", Value: []byte("value1")}, msgs[0])

	mock.Reset()
	assert.Empty(t, mock.Messages())
	assert.Zero(t, mock.Attempts())

	require.NoError(t, mock.Close())
	assert.True(t, mock.Closed())
}

func TestMockSink_FailFirst(t *testing.T) {
	boom := errors.New("broker down")
	mock := &MockSink{PublishErr: boom, FailFirst: 2}

	assert.ErrorIs(t, mock.Publish("t", "k", nil), boom)
	assert.ErrorIs(t, mock.Publish("t", "k", nil), boom)
	assert.NoError(t, mock.Publish("t", "k", nil))
	assert.Equal(t, 3, mock.Attempts())
	assert.Len(t, mock.Messages(), 1)
}

func TestMockSink_Concurrent(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	assert.Len(t, mock.Messages(), 10)
}

func TestCommitPublisher_WithMockSink(t *testing.T) {
	mock := &MockSink{PublishErr: errors.New("not yet"), FailFirst: 1}
	p, err := publisher.NewCommitPublisher("orders", nil)
	require.NoError(t, err)
	require.NoError(t, p.AddWorker(cfg.SinkConfiguration{Name: "mock", RetryInitialMS: 1}, mock))
	require.NoError(t, p.Start())

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.OnWatermarkAdvanced(event.Header{Seqno: 7, LastFrag: true, CommitTime: at})

	require.Eventually(t, func() bool {
		return len(mock.Messages()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	p.Stop()

	msg := mock.Messages()[0]
	assert.Equal(t, publisher.DefaultTopic("orders"), msg.Topic)
	assert.Equal(t, "orders", msg.Key)

	var n publisher.Notification
	require.NoError(t, encoding.Unmarshal(msg.Value, &n))
	assert.Equal(t, int64(7), n.Seqno)
	assert.Equal(t, at.UnixMilli(), n.CommitTS)
	assert.True(t, mock.Closed())
}
